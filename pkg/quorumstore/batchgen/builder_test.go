package batchgen

import (
	"testing"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

func TestBatchBuilderAppendAndTake(t *testing.T) {
	b := NewBatchBuilder(1)
	if !b.IsEmpty() {
		t.Fatalf("new builder should be empty")
	}

	b.Append(types.TransactionSummary{Sequence: 1}, []byte("tx-a"))
	b.Append(types.TransactionSummary{Sequence: 2}, []byte("tx-bb"))

	if b.NumTxns() != 2 {
		t.Fatalf("NumTxns() = %d, want 2", b.NumTxns())
	}
	if b.NumBytes() != 9 {
		t.Fatalf("NumBytes() = %d, want 9", b.NumBytes())
	}
	if len(b.Summaries()) != 2 {
		t.Fatalf("Summaries() should keep both entries after a take")
	}

	taken := b.TakeSerializedTxns()
	if len(taken) != 2 {
		t.Fatalf("TakeSerializedTxns returned %d items, want 2", len(taken))
	}
	if b.NumBytes() != 0 || b.NumTxns() != 0 {
		t.Fatalf("builder should be reset to empty serialized state after take")
	}
	if len(b.Summaries()) != 2 {
		t.Fatalf("take must not clear summaries, the batch is still open")
	}
}

func TestBatchBuilderWouldExceed(t *testing.T) {
	b := NewBatchBuilder(1)
	b.Append(types.TransactionSummary{Sequence: 1}, make([]byte, 90))

	if !b.WouldExceed(20, 100, 10) {
		t.Fatalf("adding 20 bytes to 90 already buffered should exceed a 100-byte cap")
	}
	if b.WouldExceed(9, 100, 10) {
		t.Fatalf("adding 9 bytes to reach exactly 99/100 should not exceed")
	}
	if !b.WouldExceed(1, 1000, 1) {
		t.Fatalf("a second transaction should exceed a max count of 1")
	}
}

func TestBatchBuilderEndAndReset(t *testing.T) {
	b := NewBatchBuilder(5)
	b.Append(types.TransactionSummary{Sequence: 1}, []byte("x"))

	id, payload := b.EndAndReset()
	if id != 5 {
		t.Fatalf("EndAndReset returned id %d, want 5", id)
	}
	if len(payload) != 1 {
		t.Fatalf("EndAndReset returned %d txns, want 1", len(payload))
	}
	if b.BatchId() != 6 {
		t.Fatalf("next batch id = %d, want 6", b.BatchId())
	}
	if !b.IsEmpty() {
		t.Fatalf("builder should be empty after EndAndReset")
	}
	if len(b.Summaries()) != 0 {
		t.Fatalf("EndAndReset must clear summaries for the new batch")
	}
}
