// Copyright 2025 Certen Protocol
//
// BatchAggregator computes a batch's rolling digest from its fragments and
// enforces contiguous fragment numbering per (source, batch_id).

package batchcoordinator

import (
	"errors"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

// ErrNonContiguousFragment is returned when a fragment's id is not the
// strict successor of the last one seen for its (source, batch_id).
var ErrNonContiguousFragment = errors.New("batchcoordinator: fragment id is not contiguous")

// BatchAggregator accumulates fragments for one producer's in-flight batch,
// tracking the running transaction/byte counts so the final fragment's
// SignedDigestInfo can be built without re-walking the payload.
type BatchAggregator struct {
	batchId       types.BatchId
	nextFragment  uint64
	payload       []types.SerializedTransaction
	numTxns       uint64
	numBytes      uint64
	hasState      bool
}

// NewBatchAggregator returns a fresh, empty aggregator.
func NewBatchAggregator() *BatchAggregator {
	return &BatchAggregator{}
}

// Append validates and extends the aggregator with one non-final fragment.
// On a contiguity violation, state for this aggregator is reset so a fresh
// batch from the same source (fragment_id == 0) is accepted afterward.
func (a *BatchAggregator) Append(batchId types.BatchId, fragmentId uint64, payload []types.SerializedTransaction) error {
	if !a.accepts(batchId, fragmentId) {
		a.reset()
		return ErrNonContiguousFragment
	}
	a.batchId = batchId
	a.hasState = true
	a.nextFragment = fragmentId + 1
	a.payload = append(a.payload, payload...)
	for _, tx := range payload {
		a.numTxns++
		a.numBytes += uint64(len(tx))
	}
	return nil
}

// End validates and consumes the final fragment, returning the assembled
// batch payload and digest, then resets the aggregator for the next batch.
func (a *BatchAggregator) End(batchId types.BatchId, fragmentId uint64, payload []types.SerializedTransaction) (types.Digest, []types.SerializedTransaction, uint64, uint64, error) {
	if !a.accepts(batchId, fragmentId) {
		a.reset()
		return types.Digest{}, nil, 0, 0, ErrNonContiguousFragment
	}
	full := append(a.payload, payload...)
	numTxns := a.numTxns + uint64(len(payload))
	numBytes := a.numBytes
	for _, tx := range payload {
		numBytes += uint64(len(tx))
	}
	digest := types.ComputeDigest(full)
	a.reset()
	return digest, full, numTxns, numBytes, nil
}

// accepts reports whether (batchId, fragmentId) is the valid successor of
// whatever this aggregator currently holds. A fresh aggregator (no state)
// only accepts fragment_id 0.
func (a *BatchAggregator) accepts(batchId types.BatchId, fragmentId uint64) bool {
	if !a.hasState {
		return fragmentId == 0
	}
	return batchId == a.batchId && fragmentId == a.nextFragment
}

func (a *BatchAggregator) reset() {
	a.hasState = false
	a.nextFragment = 0
	a.payload = nil
	a.numTxns = 0
	a.numBytes = 0
}
