// Copyright 2025 Certen Protocol
//
// DigestTimeouts bounds, on a short wall-clock, how long a locally
// initiated batch's producer waits for proof completion. This is
// deliberately independent of LogicalTime-based batch/proof expiration;
// the two clocks must never be conflated.

package batchstore

import (
	"sync"
	"time"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

// Clock abstracts wall-clock time so tests can inject a fake independently
// of LogicalTime, per the design note requiring the two clocks be
// injectable separately.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type pendingDigest struct {
	digest   types.Digest
	deadline time.Time
}

// DigestTimeouts tracks the deadline for each in-flight digest's proof
// collection, in the order deadlines were registered.
type DigestTimeouts struct {
	mu      sync.Mutex
	clock   Clock
	pending []pendingDigest
}

// NewDigestTimeouts builds an empty timeout tracker against the given
// clock.
func NewDigestTimeouts(clock Clock) *DigestTimeouts {
	if clock == nil {
		clock = SystemClock{}
	}
	return &DigestTimeouts{clock: clock}
}

// Register records that digest must reach quorum before timeout elapses.
func (d *DigestTimeouts) Register(digest types.Digest, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, pendingDigest{digest: digest, deadline: d.clock.Now().Add(timeout)})
}

// Cancel removes digest's deadline once its proof completes or is
// abandoned.
func (d *DigestTimeouts) Cancel(digest types.Digest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.pending {
		if p.digest == digest {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

// Expired drains and returns every digest whose deadline has passed.
func (d *DigestTimeouts) Expired() []types.Digest {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	var expired []types.Digest
	remaining := d.pending[:0]
	for _, p := range d.pending {
		if now.After(p.deadline) {
			expired = append(expired, p.digest)
		} else {
			remaining = append(remaining, p)
		}
	}
	d.pending = remaining
	return expired
}
