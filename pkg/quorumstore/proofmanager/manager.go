// Copyright 2025 Certen Protocol
//
// ProofManager holds every known proof of store (local and remote), serves
// the proposer's pull requests, tracks commit notifications, and drives
// the backpressure signal.

package proofmanager

import (
	"errors"
	"log"
	"sync"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

var ErrWrongEpoch = errors.New("proofmanager: commit notification epoch does not match the current epoch")
var ErrTimeWentBackward = errors.New("proofmanager: commit notification time is behind latest_logical_time")

type queueEntry struct {
	digest     types.Digest
	expiration types.LogicalTime
}

// Config holds the manager's tunables.
type Config struct {
	BackPressureLocalBatchLimit int
}

func DefaultConfig() Config {
	return Config{BackPressureLocalBatchLimit: 10}
}

// Manager holds proofs of store for local and remote batches and
// recomputes backpressure as commit notifications arrive.
type Manager struct {
	mu sync.Mutex

	cfg Config

	digestQueue      []queueEntry
	localDigestQueue []queueEntry
	// digestProof maps digest -> *ProofOfStore. A stored nil pointer at an
	// existing key means "committed but not yet expired"; an absent key
	// means the digest was never known or has already been GC'd.
	digestProof map[types.Digest]*types.ProofOfStore

	latestLogicalTime types.LogicalTime

	backpressure     bool
	backpressureCh   chan bool
	expiredUncommittedCount uint64
	notificationsSeen bool

	logger *log.Logger
}

// New builds an empty Manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:            cfg,
		digestProof:    make(map[types.Digest]*types.ProofOfStore),
		backpressureCh: make(chan bool, 1),
		logger:         log.New(log.Writer(), "[ProofManager] ", log.LstdFlags),
	}
}

// BackpressureChannel publishes the backpressure bit whenever it flips.
func (m *Manager) BackpressureChannel() <-chan bool { return m.backpressureCh }

// Push records a newly known proof of store. If the digest is absent, it is
// appended; if present and currently Some(existing) with an earlier
// expiration, it is replaced; a committed (None) entry is never overwritten
// back to Some, per the proof-uniqueness invariant.
func (m *Manager) Push(pos types.ProofOfStore, local bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	digest := pos.Digest()
	existing, known := m.digestProof[digest]
	if known {
		if existing == nil {
			return // committed: never re-admit
		}
		if pos.Expiration().Less(existing.Expiration()) {
			return // existing expiration already later
		}
		p := pos
		m.digestProof[digest] = &p
		return
	}

	p := pos
	m.digestProof[digest] = &p
	entry := queueEntry{digest: digest, expiration: pos.Expiration()}
	m.digestQueue = append(m.digestQueue, entry)
	if local {
		m.localDigestQueue = append(m.localDigestQueue, entry)
	}
}

// PullProofs implements the three-step pull_proofs algorithm.
func (m *Manager) PullProofs(excluded map[types.Digest]struct{}, currentTime types.LogicalTime, maxTxns, maxBytes uint64) types.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Step 1: drain expired-but-unresolved entries from the front.
	for len(m.digestQueue) > 0 && m.digestQueue[0].expiration.Less(currentTime) {
		front := m.digestQueue[0]
		m.digestQueue = m.digestQueue[1:]
		if p, ok := m.digestProof[front.digest]; ok {
			if p != nil {
				m.expiredUncommittedCount++
			}
			delete(m.digestProof, front.digest)
		}
	}

	if maxTxns == 0 {
		return types.Payload{Kind: types.PayloadEmpty}
	}

	var collected []types.ProofOfStore
	var txnTotal, byteTotal uint64
	for _, entry := range m.digestQueue {
		if _, skip := excluded[entry.digest]; skip {
			continue
		}
		pos, ok := m.digestProof[entry.digest]
		if !ok || pos == nil {
			continue // committed or unknown: skip, do not break
		}
		if txnTotal+pos.Info.NumTxns > maxTxns || byteTotal+pos.Info.NumBytes > maxBytes {
			break // would exceed budget: stop, do not skip ahead
		}
		collected = append(collected, *pos)
		txnTotal += pos.Info.NumTxns
		byteTotal += pos.Info.NumBytes
	}

	if len(collected) == 0 {
		return types.Payload{Kind: types.PayloadEmpty}
	}
	return types.Payload{Kind: types.PayloadInQuorumStore, Proofs: collected}
}

// MarkCommitted sets digest_proof[d] = None for each d, without removing it
// from the queue: the entry stays until its expiration passes, so a late
// remote PoS for the same digest cannot re-enter the proposal pool.
func (m *Manager) MarkCommitted(digests []types.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCommittedLocked(digests)
}

func (m *Manager) markCommittedLocked(digests []types.Digest) {
	for _, d := range digests {
		if _, known := m.digestProof[d]; known {
			m.digestProof[d] = nil
		}
	}
}

// HandleCommitNotification applies a commit notification, recomputing
// backpressure and publishing a state change only when it flips.
func (m *Manager) HandleCommitNotification(notification types.CommitNotification) error {
	m.mu.Lock()

	if m.notificationsSeen && notification.Time.Epoch != m.latestLogicalTime.Epoch {
		m.mu.Unlock()
		return ErrWrongEpoch
	}
	if m.notificationsSeen && notification.Time.Less(m.latestLogicalTime) {
		m.mu.Unlock()
		return ErrTimeWentBackward
	}

	m.latestLogicalTime = notification.Time
	m.notificationsSeen = true
	m.markCommittedLocked(notification.Digests)

	remaining := m.remainingLocalProofNumLocked()
	flipped := false
	newState := remaining > m.cfg.BackPressureLocalBatchLimit
	if newState != m.backpressure {
		m.backpressure = newState
		flipped = true
	}
	m.mu.Unlock()

	if flipped {
		select {
		case m.backpressureCh <- newState:
		default:
			// replace stale pending value with the latest
			select {
			case <-m.backpressureCh:
			default:
			}
			m.backpressureCh <- newState
		}
	}
	return nil
}

// remainingLocalProofNumLocked counts locally authored proofs that are
// still outstanding (known and not yet committed). Caller must hold mu.
func (m *Manager) remainingLocalProofNumLocked() int {
	// Prune the local queue of entries no longer tracked at all (fully
	// GC'd by expiration) as we scan, so it does not grow unboundedly.
	n := 0
	pruned := m.localDigestQueue[:0]
	for _, entry := range m.localDigestQueue {
		pos, ok := m.digestProof[entry.digest]
		if !ok {
			continue // expired and GC'd: drop from local queue too
		}
		pruned = append(pruned, entry)
		if pos != nil {
			n++
		}
	}
	m.localDigestQueue = pruned
	return n
}

// ExpiredUncommittedCount returns the running count of proofs that expired
// before ever being committed, for metrics export.
func (m *Manager) ExpiredUncommittedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiredUncommittedCount
}

// Backpressure reports the current backpressure bit.
func (m *Manager) Backpressure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backpressure
}
