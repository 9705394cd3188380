// Copyright 2025 Certen Protocol
//
// Collaborator interfaces for subsystems the quorum store depends on but
// does not own: the mempool, the consensus proposer, and the commit path.
// Dynamic dispatch lets tests swap in the in-memory fakes below for the
// real network-backed implementations.

package external

import (
	"context"
	"errors"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

// Mempool is pulled from on a timer by BatchGenerator.
type Mempool interface {
	// GetBatch requests up to maxItems transactions, no larger than
	// maxBytes total, excluding any transaction summarized in exclude.
	GetBatch(ctx context.Context, maxItems int, maxBytes uint64, exclude []types.TransactionSummary) ([]types.SerializedTransaction, error)
}

// ConsensusProposer is served by ProofManager's pull_proofs path.
type ConsensusProposer interface {
	// GetBlock is answered via a one-shot reply; ProofManager implements
	// this directly rather than calling out, but the interface documents
	// the collaborator contract from the proposer's point of view.
	GetBlock(ctx context.Context, req types.GetBlockRequest) (types.Payload, error)
}

// CommitNotifier delivers commit notifications from the consensus commit
// path to ProofManager and BatchStore.
type CommitNotifier interface {
	Notify(ctx context.Context, notification types.CommitNotification) error
}

var ErrMempoolTimeout = errors.New("external: mempool pull timed out")

// InMemoryMempool is a deterministic mempool fake for tests. Transactions
// are queued with FIFO order and filtered by caller-supplied exclusion.
type InMemoryMempool struct {
	pending []queuedTx
}

type queuedTx struct {
	summary types.TransactionSummary
	raw     types.SerializedTransaction
}

// NewInMemoryMempool builds an empty fake mempool.
func NewInMemoryMempool() *InMemoryMempool {
	return &InMemoryMempool{}
}

// Enqueue adds a transaction available for future pulls.
func (m *InMemoryMempool) Enqueue(summary types.TransactionSummary, raw types.SerializedTransaction) {
	m.pending = append(m.pending, queuedTx{summary: summary, raw: raw})
}

// GetBatch implements Mempool.
func (m *InMemoryMempool) GetBatch(_ context.Context, maxItems int, maxBytes uint64, exclude []types.TransactionSummary) ([]types.SerializedTransaction, error) {
	excluded := make(map[types.TransactionSummary]struct{}, len(exclude))
	for _, s := range exclude {
		excluded[s] = struct{}{}
	}

	var out []types.SerializedTransaction
	var bytesUsed uint64
	for _, tx := range m.pending {
		if _, skip := excluded[tx.summary]; skip {
			continue
		}
		if len(out) >= maxItems {
			break
		}
		if bytesUsed+uint64(len(tx.raw)) > maxBytes {
			break
		}
		out = append(out, tx.raw)
		bytesUsed += uint64(len(tx.raw))
	}
	return out, nil
}

// Len reports how many transactions remain queued.
func (m *InMemoryMempool) Len() int { return len(m.pending) }

// InMemoryCommitNotifier records commit notifications for test assertions.
type InMemoryCommitNotifier struct {
	Notifications []types.CommitNotification
}

// Notify implements CommitNotifier.
func (n *InMemoryCommitNotifier) Notify(_ context.Context, notification types.CommitNotification) error {
	n.Notifications = append(n.Notifications, notification)
	return nil
}
