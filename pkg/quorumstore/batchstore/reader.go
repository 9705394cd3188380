// Copyright 2025 Certen Protocol
//
// BatchReader is a cheap, clonable read handle over a Store. Splitting
// reads from writes resolves the cyclic-ownership problem between the
// store (owned by the BatchStore task) and readers (called from any task,
// e.g. to answer a peer's BatchRequest or to serve a local GetBatch call).

package batchstore

import (
	"context"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

// Reader is safe to call concurrently from any goroutine; it only holds a
// back-reference to Store as a lookup capability, never mutating anything
// Store doesn't already guard with its own lock.
type Reader struct {
	store *Store
}

// NewReader wraps store for read-only access.
func NewReader(store *Store) Reader {
	return Reader{store: store}
}

// GetBatch delegates to Store.GetBatch.
func (r Reader) GetBatch(ctx context.Context, digest types.Digest) ([]types.SerializedTransaction, error) {
	return r.store.GetBatch(ctx, digest)
}

// SignDigest delegates to Store.SignDigest.
func (r Reader) SignDigest(info types.SignedDigestInfo) ([]byte, error) {
	return r.store.SignDigest(info)
}

// LastCertifiedTime delegates to Store.LastCertifiedTime.
func (r Reader) LastCertifiedTime() types.LogicalTime {
	return r.store.LastCertifiedTime()
}
