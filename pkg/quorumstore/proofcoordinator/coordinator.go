// Copyright 2025 Certen Protocol
//
// ProofCoordinator collects signed-digest shares for locally initiated
// batches until a quorum of voting power is reached, producing a Proof of
// Store. Modeled on the collect-then-aggregate goroutine pattern of
// consensus_coordinator.go, re-grounded on BLS aggregate signatures instead
// of independent per-peer attestations.

package proofcoordinator

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qstore/validator/pkg/quorumstore/aggsig"
	"github.com/qstore/validator/pkg/quorumstore/types"
)

var (
	ErrUnknownDigest      = errors.New("proofcoordinator: share targets an unknown or already-resolved digest")
	ErrMetadataMismatch   = errors.New("proofcoordinator: share metadata does not match the pending digest's tuple")
)

// pendingProof tracks a locally initiated batch awaiting quorum signature shares.
type pendingProof struct {
	reqId    uuid.UUID // correlation id for logging only, never sent over the wire
	info     types.SignedDigestInfo
	shares   *aggsig.ShareSet
	returnCh chan types.ProofResult
	deadline time.Time
	resolved bool
}

// Config holds the coordinator's tunables.
type Config struct {
	// CollectionTimeout bounds how long a batch waits for quorum before
	// the coordinator gives up and delivers an error on the return
	// channel. It is a wall-clock deadline checked by the coordinator's
	// own sweep loop, independent of LogicalTime-based expiration.
	CollectionTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{CollectionTimeout: 3 * time.Second}
}

// Coordinator collects signature shares for locally initiated batches and
// aggregates them into a ProofOfStore once quorum is reached.
type Coordinator struct {
	mu       sync.Mutex
	cfg      Config
	verifier *aggsig.ValidatorVerifier
	pending  map[types.Digest]*pendingProof
	logger   *log.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Coordinator against a validator verifier for the current
// epoch.
func New(cfg Config, verifier *aggsig.ValidatorVerifier) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		verifier: verifier,
		pending:  make(map[types.Digest]*pendingProof),
		logger:   log.New(log.Writer(), "[ProofCoordinator] ", log.LstdFlags),
	}
}

// Start launches the background timeout sweep.
func (c *Coordinator) Start() {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.sweepLoop()
}

// Stop halts the timeout sweep.
func (c *Coordinator) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

func (c *Coordinator) sweepLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Coordinator) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	var timedOut []*pendingProof
	for digest, p := range c.pending {
		if !p.resolved && now.After(p.deadline) {
			timedOut = append(timedOut, p)
			delete(c.pending, digest)
		}
	}
	c.mu.Unlock()

	for _, p := range timedOut {
		p.returnCh <- types.ProofResult{Err: fmt.Errorf("proofcoordinator: quorum not reached for %s before timeout", p.info.Digest)}
		close(p.returnCh)
	}
}

// InitProof registers a newly finalized local batch and returns the
// one-shot channel its ProofOfStore (or a timeout error) will be delivered
// on.
func (c *Coordinator) InitProof(info types.SignedDigestInfo) <-chan types.ProofResult {
	ch := make(chan types.ProofResult, 1)
	reqId := uuid.New()
	c.mu.Lock()
	c.pending[info.Digest] = &pendingProof{
		reqId:    reqId,
		info:     info,
		shares:   aggsig.Empty(info, c.verifier),
		returnCh: ch,
		deadline: time.Now().Add(c.cfg.CollectionTimeout),
	}
	c.mu.Unlock()
	c.logger.Printf("init-proof req=%s digest=%x", reqId, info.Digest[:4])
	return ch
}

// HandleShare verifies and records one inbound signed-digest share.
// Duplicate shares from the same signer are idempotent (ShareSet.Add
// enforces that); conflicting metadata from a known signer is recorded as
// an error but does not crash the coordinator.
func (c *Coordinator) HandleShare(msg types.SignedDigest) error {
	c.mu.Lock()
	p, ok := c.pending[msg.Info.Digest]
	if !ok || p.resolved {
		c.mu.Unlock()
		return ErrUnknownDigest
	}
	if !p.info.Equal(msg.Info) {
		c.mu.Unlock()
		return ErrMetadataMismatch
	}

	share, err := aggsig.ShareFromBytes(msg.SignatureShare)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("decode share from %s: %w", msg.Signer, err)
	}
	if err := p.shares.Add(msg.Signer, share); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("add share from %s: %w", msg.Signer, err)
	}

	if !p.shares.HasQuorum() {
		c.mu.Unlock()
		return nil
	}

	pos, err := p.shares.Finalize()
	p.resolved = true
	delete(c.pending, msg.Info.Digest)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("finalize proof of store for %s: %w", msg.Info.Digest, err)
	}

	p.returnCh <- types.ProofResult{PoS: pos}
	close(p.returnCh)
	return nil
}
