// Copyright 2025 Certen Protocol
//
// BatchBuilder accumulates mempool transactions into the in-flight batch.

package batchgen

import "github.com/qstore/validator/pkg/quorumstore/types"

// BatchBuilder holds the summaries and serialized bytes of the batch
// currently being assembled. Summaries survive a take of the serialized
// bytes so the next mempool pull can continue excluding them; both are
// cleared together only when the batch ends.
type BatchBuilder struct {
	batchId    types.BatchId
	summaries  []types.TransactionSummary
	serialized []types.SerializedTransaction
	numBytes   uint64
}

// NewBatchBuilder starts an empty builder at the given batch id.
func NewBatchBuilder(startId types.BatchId) *BatchBuilder {
	return &BatchBuilder{batchId: startId}
}

// BatchId returns the id of the batch currently being built.
func (b *BatchBuilder) BatchId() types.BatchId { return b.batchId }

// NumTxns returns how many transactions are currently buffered.
func (b *BatchBuilder) NumTxns() int { return len(b.serialized) }

// NumBytes returns the buffered byte total.
func (b *BatchBuilder) NumBytes() uint64 { return b.numBytes }

// IsEmpty reports whether nothing has been added yet.
func (b *BatchBuilder) IsEmpty() bool { return len(b.serialized) == 0 }

// WouldExceed reports whether adding a transaction of the given size would
// push the builder past maxBytes or maxCounts.
func (b *BatchBuilder) WouldExceed(txBytes int, maxBytes uint64, maxCounts int) bool {
	if len(b.serialized)+1 > maxCounts {
		return true
	}
	return b.numBytes+uint64(txBytes) > maxBytes
}

// Append adds one transaction and its exclusion summary to the builder.
func (b *BatchBuilder) Append(summary types.TransactionSummary, tx types.SerializedTransaction) {
	b.summaries = append(b.summaries, summary)
	b.serialized = append(b.serialized, tx)
	b.numBytes += uint64(len(tx))
}

// Summaries returns the exclusion set to pass to the next mempool pull.
func (b *BatchBuilder) Summaries() []types.TransactionSummary {
	return b.summaries
}

// TakeSerializedTxns drains and returns the serialized payload accumulated
// so far, for emission as a fragment, without touching the summaries (the
// batch is not over; the mempool must keep excluding these transactions).
func (b *BatchBuilder) TakeSerializedTxns() []types.SerializedTransaction {
	out := b.serialized
	b.serialized = nil
	b.numBytes = 0
	return out
}

// EndAndReset finalizes the current batch id, returning its final
// serialized payload, then advances to a fresh batch id with empty state.
func (b *BatchBuilder) EndAndReset() (types.BatchId, []types.SerializedTransaction) {
	id := b.batchId
	payload := b.serialized
	b.batchId++
	b.summaries = nil
	b.serialized = nil
	b.numBytes = 0
	return id, payload
}
