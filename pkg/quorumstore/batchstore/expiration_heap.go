// Copyright 2025 Certen Protocol

package batchstore

import (
	"container/heap"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

// expirationEntry is one (LogicalTime, digest) member of the expiration
// multiset. Old entries are never removed in place on re-save (that would
// require a scan); instead a lazy check on pop compares against the
// current expiration held in the index, so a stale heap entry is simply
// skipped when it surfaces.
type expirationEntry struct {
	expiration types.LogicalTime
	digest     types.Digest
}

// expirationHeap orders entries by ascending expiration, earliest first.
type expirationHeap []expirationEntry

func (h expirationHeap) Len() int { return len(h) }
func (h expirationHeap) Less(i, j int) bool {
	return h[i].expiration.Less(h[j].expiration)
}
func (h expirationHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *expirationHeap) Push(x any) {
	*h = append(*h, x.(expirationEntry))
}

func (h *expirationHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *expirationHeap) insert(e expirationEntry) {
	heap.Push(h, e)
}

// peekFront returns the earliest-expiring entry without removing it.
func (h expirationHeap) peekFront() (expirationEntry, bool) {
	if len(h) == 0 {
		return expirationEntry{}, false
	}
	return h[0], true
}

func (h *expirationHeap) popFront() expirationEntry {
	return heap.Pop(h).(expirationEntry)
}
