// Copyright 2025 Certen Protocol
//
// BatchCoordinator owns the local aggregator and a per-source map of remote
// aggregators, broadcasts fragments, and routes finished batches to
// persistence and proof initiation.

package batchcoordinator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/qstore/validator/pkg/quorumstore/batchgen"
	"github.com/qstore/validator/pkg/quorumstore/types"
)

// Broadcaster fans a fragment out to the validator set.
type Broadcaster interface {
	Broadcast(ctx context.Context, f types.Fragment) error
}

// PersistTarget is the subset of BatchStore that BatchCoordinator needs:
// writing a newly completed batch's payload and metadata.
type PersistTarget interface {
	Save(digest types.Digest, value types.PersistedValue) error
}

// ProofInitiator is the subset of ProofCoordinator that BatchCoordinator
// calls into when a locally authored batch closes.
type ProofInitiator interface {
	InitProof(info types.SignedDigestInfo) <-chan types.ProofResult
}

// Coordinator reassembles batch fragments, from the local generator's
// commands and from remote peers, and hands each completed batch to
// BatchStore (and, for local batches, to ProofCoordinator).
type Coordinator struct {
	mu sync.Mutex

	epoch  types.Epoch
	self   types.PeerId
	local  *BatchAggregator
	remote map[types.PeerId]*BatchAggregator

	localFragmentId uint64

	broadcaster Broadcaster
	store       PersistTarget
	proofs      ProofInitiator
	logger      *log.Logger
}

// New builds a Coordinator for one epoch.
func New(epoch types.Epoch, self types.PeerId, broadcaster Broadcaster, store PersistTarget, proofs ProofInitiator) *Coordinator {
	return &Coordinator{
		epoch:       epoch,
		self:        self,
		local:       NewBatchAggregator(),
		remote:      make(map[types.PeerId]*BatchAggregator),
		broadcaster: broadcaster,
		store:       store,
		proofs:      proofs,
		logger:      log.New(log.Writer(), "[BatchCoordinator] ", log.LstdFlags),
	}
}

// HandleCommand dispatches a BatchGenerator command to AppendToBatch or
// EndBatch.
func (c *Coordinator) HandleCommand(ctx context.Context, cmd batchgen.Command) error {
	switch cmd.Kind {
	case batchgen.CommandAppendToBatch:
		return c.AppendToBatch(ctx, cmd.Payload, cmd.BatchId)
	case batchgen.CommandEndBatch:
		_, err := c.EndBatch(ctx, cmd.Payload, cmd.BatchId, cmd.Expiration)
		return err
	default:
		return fmt.Errorf("batchcoordinator: unknown command kind %d", cmd.Kind)
	}
}

// AppendToBatch extends the local aggregator with an intermediate fragment
// and broadcasts it. A rejection here is unreachable: the generator is the
// sole local producer and always emits contiguous fragment ids.
func (c *Coordinator) AppendToBatch(ctx context.Context, payload []types.SerializedTransaction, batchId types.BatchId) error {
	c.mu.Lock()
	fragmentId := c.localFragmentId
	if err := c.local.Append(batchId, fragmentId, payload); err != nil {
		c.mu.Unlock()
		panic(fmt.Sprintf("batchcoordinator: local aggregator rejected locally produced fragment: %v", err))
	}
	c.localFragmentId++
	c.mu.Unlock()

	return c.broadcaster.Broadcast(ctx, types.Fragment{
		Epoch:      c.epoch,
		Source:     c.self,
		BatchId:    batchId,
		FragmentId: fragmentId,
		Payload:    payload,
	})
}

// EndBatch finalizes the local batch: persists it, forwards its
// SignedDigestInfo to ProofCoordinator, broadcasts the closing fragment,
// and resets local fragment numbering for the next batch.
func (c *Coordinator) EndBatch(ctx context.Context, payload []types.SerializedTransaction, batchId types.BatchId, expiration types.LogicalTime) (<-chan types.ProofResult, error) {
	c.mu.Lock()
	fragmentId := c.localFragmentId
	digest, full, numTxns, numBytes, err := c.local.End(batchId, fragmentId, payload)
	if err != nil {
		c.mu.Unlock()
		panic(fmt.Sprintf("batchcoordinator: local aggregator rejected locally produced end fragment: %v", err))
	}
	c.localFragmentId = 0
	c.mu.Unlock()

	// Persist happens-before InitProof is resolved, so a peer that asks us
	// to serve the batch after receiving its digest finds it locally.
	if err := c.store.Save(digest, types.PersistedValue{
		MaybePayload: full,
		Expiration:   expiration,
		Author:       c.self,
		NumTxns:      numTxns,
		NumBytes:     numBytes,
	}); err != nil {
		return nil, fmt.Errorf("persist local batch %s: %w", digest, err)
	}

	info := types.SignedDigestInfo{Digest: digest, Expiration: expiration, NumTxns: numTxns, NumBytes: numBytes}
	proofCh := c.proofs.InitProof(info)

	if err := c.broadcaster.Broadcast(ctx, types.Fragment{
		Epoch:           c.epoch,
		Source:          c.self,
		BatchId:         batchId,
		FragmentId:      fragmentId,
		Payload:         payload,
		MaybeExpiration: &expiration,
	}); err != nil {
		c.logger.Printf("broadcast final fragment for batch %d failed: %v", batchId, err)
	}

	return proofCh, nil
}

// RemoteFragment handles one inbound fragment from a remote peer.
func (c *Coordinator) RemoteFragment(ctx context.Context, f types.Fragment) error {
	if f.Epoch != c.epoch {
		// Per the design note, an epoch-mismatched fragment is dropped
		// without touching this source's aggregator state; a subsequent
		// in-epoch fragment starts fresh rather than reusing any partial
		// aggregation from a different epoch.
		return nil
	}

	c.mu.Lock()
	agg, ok := c.remote[f.Source]
	if !ok {
		agg = NewBatchAggregator()
		c.remote[f.Source] = agg
	}

	if !f.IsFinal() {
		err := agg.Append(f.BatchId, f.FragmentId, f.Payload)
		c.mu.Unlock()
		if err != nil {
			c.logger.Printf("dropping non-contiguous fragment from %s batch %d: %v", f.Source, f.BatchId, err)
		}
		return nil
	}

	digest, full, numTxns, numBytes, err := agg.End(f.BatchId, f.FragmentId, f.Payload)
	c.mu.Unlock()
	if err != nil {
		c.logger.Printf("dropping non-contiguous final fragment from %s batch %d: %v", f.Source, f.BatchId, err)
		return nil
	}

	return c.store.Save(digest, types.PersistedValue{
		MaybePayload: full,
		Expiration:   *f.MaybeExpiration,
		Author:       f.Source,
		NumTxns:      numTxns,
		NumBytes:     numBytes,
	})
}
