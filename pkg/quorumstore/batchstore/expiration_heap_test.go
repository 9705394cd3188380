package batchstore

import (
	"testing"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

func TestExpirationHeapOrdersByAscendingExpiration(t *testing.T) {
	var h expirationHeap
	h.insert(expirationEntry{expiration: types.LogicalTime{Epoch: 1, Round: 9}, digest: types.Digest{9}})
	h.insert(expirationEntry{expiration: types.LogicalTime{Epoch: 1, Round: 3}, digest: types.Digest{3}})
	h.insert(expirationEntry{expiration: types.LogicalTime{Epoch: 1, Round: 6}, digest: types.Digest{6}})

	var order []types.Digest
	for {
		front, ok := h.peekFront()
		if !ok {
			break
		}
		order = append(order, front.digest)
		h.popFront()
	}

	want := []types.Digest{{3}, {6}, {9}}
	if len(order) != len(want) {
		t.Fatalf("popped %d entries, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("pop order = %v, want %v", order, want)
		}
	}
}

func TestExpirationHeapPeekFrontOnEmpty(t *testing.T) {
	var h expirationHeap
	if _, ok := h.peekFront(); ok {
		t.Fatalf("peekFront on an empty heap should report not-ok")
	}
}
