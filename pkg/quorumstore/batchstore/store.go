// Copyright 2025 Certen Protocol
//
// BatchStore reconciles three concurrent pressures: saves that may raise a
// batch's expiration, expirations driven by advancing certified_round, and
// quota-driven eviction. It is the most intricate component in the
// pipeline.

package batchstore

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/qstore/validator/pkg/quorumstore/db"
	"github.com/qstore/validator/pkg/quorumstore/types"
)

// Config holds the store's resource quotas, all defaulted.
type Config struct {
	MemoryQuota       uint64
	DbQuota           uint64
	PerPeerQuota      uint64
	GracePeriodRounds uint64
}

// DefaultConfig returns the store's default quotas.
func DefaultConfig() Config {
	return Config{
		MemoryQuota:       256 * 1024 * 1024,
		DbQuota:           4 * 1024 * 1024 * 1024,
		PerPeerQuota:      64 * 1024 * 1024,
		GracePeriodRounds: 10,
	}
}

// RemoteFetcher issues a BatchRequest to a peer and returns its response.
// The real implementation lives in pkg/quorumstore/network; tests supply an
// in-memory fake.
type RemoteFetcher interface {
	FetchBatch(ctx context.Context, digest types.Digest, peer types.PeerId) (types.BatchResponse, error)
}

// Signer produces this validator's signature share over a SignedDigestInfo.
type Signer interface {
	Sign(info types.SignedDigestInfo) ([]byte, error)
}

// Store is the BatchStore actor's state. All mutation happens under mu;
// BatchReader (a cheap clonable handle) shares the same lock so reads never
// race with the invariant-critical parts of Save/UpdateCertifiedRound.
type Store struct {
	mu sync.Mutex

	cfg Config
	db  *db.QuorumStoreDB

	index             map[types.Digest]types.PersistedValue
	expirations       expirationHeap
	memoryUsed        uint64
	dbBytesUsed       uint64
	lastCertifiedTime types.LogicalTime
	peerQuota         map[types.PeerId]uint64

	// touched tracks recency of every digest currently holding a hydrated
	// payload in memory, oldest first. Its own capacity is unbounded
	// (math.MaxInt32); eviction is driven by memoryUsed vs cfg.MemoryQuota
	// in evictForMemoryQuota, not by the cache's size limit.
	touched *lru.Cache[types.Digest, struct{}]

	fetcher     RemoteFetcher
	signer      Signer
	quorumPeers []types.PeerId

	logger *log.Logger
}

// New builds a Store over a persistence handle.
func New(cfg Config, store *db.QuorumStoreDB, fetcher RemoteFetcher, signer Signer, quorumPeers []types.PeerId) *Store {
	touched, _ := lru.New[types.Digest, struct{}](math.MaxInt32)
	return &Store{
		cfg:         cfg,
		db:          store,
		index:       make(map[types.Digest]types.PersistedValue),
		peerQuota:   make(map[types.PeerId]uint64),
		touched:     touched,
		fetcher:     fetcher,
		signer:      signer,
		quorumPeers: quorumPeers,
		logger:      log.New(log.Writer(), "[BatchStore] ", log.LstdFlags),
	}
}

// Save admits a batch into the store, enforcing per-peer, on-disk, and
// in-memory quotas before the write reaches the index or the database.
func (s *Store) Save(digest types.Digest, value types.PersistedValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastCertifiedTime.Less(value.Expiration) {
		return fmt.Errorf("save %s: %w", digest, ErrStaleExpiration)
	}

	if existing, ok := s.index[digest]; ok {
		if existing.Expiration.AtLeast(value.Expiration) {
			return nil // no-op success: existing entry already expires at least as late
		}
	}

	if s.peerQuota[value.Author]+value.NumBytes > s.cfg.PerPeerQuota {
		return fmt.Errorf("save %s author %s: %w", digest, value.Author, ErrQuotaExceeded)
	}

	oldBytes := uint64(0)
	oldHadPayload := false
	if existing, ok := s.index[digest]; ok {
		oldBytes = existing.NumBytes
		oldHadPayload = existing.HasPayload()
	}

	if s.dbBytesUsed+value.NumBytes-oldBytes > s.cfg.DbQuota {
		return fmt.Errorf("save %s: %w", digest, ErrDbQuotaExceeded)
	}

	// A single payload larger than the entire memory budget can never fit,
	// even after evicting every other hydrated batch; reject it outright
	// rather than thrashing the LRU for nothing.
	if value.HasPayload() && value.NumBytes > s.cfg.MemoryQuota {
		return fmt.Errorf("save %s: %w", digest, ErrMemoryQuotaExceeded)
	}

	// Update the in-memory index before the on-disk write, so a concurrent
	// expirer observing the old expiration cannot delete a row that has
	// just been promoted to a later one.
	s.index[digest] = value
	s.peerQuota[value.Author] += value.NumBytes - min(oldBytes, value.NumBytes)
	if value.HasPayload() {
		if !oldHadPayload {
			s.memoryUsed += value.NumBytes
		} else {
			s.memoryUsed += value.NumBytes - oldBytes
		}
		s.touched.Add(digest, struct{}{})
	} else {
		s.touched.Remove(digest)
	}
	s.dbBytesUsed += value.NumBytes - oldBytes

	if err := s.db.SaveBatch(digest, value); err != nil {
		return fmt.Errorf("persist batch %s: %w", digest, err)
	}

	s.expirations.insert(expirationEntry{expiration: value.Expiration, digest: digest})
	s.evictForMemoryQuota()
	return nil
}

// evictForMemoryQuota drops hydrated payloads from the least-recently-touched
// batches, retaining their metadata, until memoryUsed fits within
// cfg.MemoryQuota. Dropped payloads remain fetchable from disk or a remote
// peer (see GetBatch). Callers must hold mu.
func (s *Store) evictForMemoryQuota() {
	for s.memoryUsed > s.cfg.MemoryQuota {
		digest, _, ok := s.touched.RemoveOldest()
		if !ok {
			return
		}
		value, ok := s.index[digest]
		if !ok || !value.HasPayload() {
			continue
		}
		s.memoryUsed -= value.NumBytes
		value.MaybePayload = nil
		s.index[digest] = value
	}
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// UpdateCertifiedRound advances last_certified_time and evicts every entry
// whose expiration has fallen behind t by more than the grace period,
// re-checking the live index to resolve the save/expire race.
func (s *Store) UpdateCertifiedRound(t types.LogicalTime) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastCertifiedTime = s.lastCertifiedTime.Max(t)

	for {
		front, ok := s.expirations.peekFront()
		if !ok {
			return
		}
		if !(front.expiration.PlusRounds(s.cfg.GracePeriodRounds).Less(t)) {
			return
		}
		s.expirations.popFront()

		current, ok := s.index[front.digest]
		if !ok {
			continue // already evicted
		}
		if !current.Expiration.PlusRounds(s.cfg.GracePeriodRounds).Less(t) {
			// a later save raised the expiration past the grace window;
			// this heap entry is stale, leave the index entry alone.
			continue
		}
		delete(s.index, front.digest)
		s.touched.Remove(front.digest)
		if err := s.db.DeleteBatch(front.digest); err != nil {
			s.logger.Printf("evict batch %s: %v", front.digest, err)
		}
		if current.HasPayload() {
			s.memoryUsed -= current.NumBytes
		}
		s.dbBytesUsed -= current.NumBytes
		s.peerQuota[current.Author] -= current.NumBytes
	}
}

// LastCertifiedTime returns the store's current certified round.
func (s *Store) LastCertifiedTime() types.LogicalTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCertifiedTime
}

// GetBatch returns the payload for digest: a local hit re-hydrates from
// disk if the payload was dropped under memory pressure; an indexed entry
// whose payload is neither in memory nor on disk issues a remote
// BatchRequest to the author, with fallback to a random quorum member if
// the author does not answer, per the original's BatchReader::get_batch
// behavior. A digest with no index entry returns ErrBatchNotFound.
func (s *Store) GetBatch(ctx context.Context, digest types.Digest) ([]types.SerializedTransaction, error) {
	s.mu.Lock()
	value, ok := s.index[digest]
	if ok && value.HasPayload() {
		s.touched.Get(digest) // refresh recency on a hot-path read
	}
	s.mu.Unlock()

	if ok {
		if value.HasPayload() {
			return value.MaybePayload, nil
		}
		hydrated, err := s.db.GetBatch(digest)
		if err != nil {
			return nil, fmt.Errorf("rehydrate batch %s: %w", digest, err)
		}
		if hydrated != nil && hydrated.HasPayload() {
			return hydrated.MaybePayload, nil
		}
		return s.fetchRemote(ctx, digest, value.Author)
	}

	return nil, fmt.Errorf("get batch %s: %w", digest, ErrBatchNotFound)
}

// fetchRemote retries the author with backoff, then falls back to a random
// quorum member if the author never answers.
func (s *Store) fetchRemote(ctx context.Context, digest types.Digest, author types.PeerId) ([]types.SerializedTransaction, error) {
	if s.fetcher == nil {
		return nil, fmt.Errorf("get batch %s: %w", digest, ErrNoPeerResponded)
	}

	backoff := 50 * time.Millisecond
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := s.fetcher.FetchBatch(ctx, digest, author)
		if err == nil && !resp.NotFound {
			return resp.Payload, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if fallback, ok := s.randomQuorumMember(author); ok {
		resp, err := s.fetcher.FetchBatch(ctx, digest, fallback)
		if err == nil && !resp.NotFound {
			return resp.Payload, nil
		}
	}

	return nil, fmt.Errorf("get batch %s: %w", digest, ErrNoPeerResponded)
}

func (s *Store) randomQuorumMember(exclude types.PeerId) (types.PeerId, bool) {
	candidates := make([]types.PeerId, 0, len(s.quorumPeers))
	for _, p := range s.quorumPeers {
		if p != exclude {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// SignDigest verifies the digest's batch is locally persisted and its
// expiration has not already been certified past, then produces a
// signature share. Refusing to sign unseen batches is a correctness
// requirement, not an optimization.
func (s *Store) SignDigest(info types.SignedDigestInfo) ([]byte, error) {
	s.mu.Lock()
	value, ok := s.index[info.Digest]
	certified := s.lastCertifiedTime
	s.mu.Unlock()

	if !certified.Less(info.Expiration) {
		return nil, fmt.Errorf("sign digest %s: %w", info.Digest, ErrExpired)
	}

	if !ok {
		return nil, fmt.Errorf("sign digest %s: %w", info.Digest, ErrNotCertifiedYet)
	}
	if value.NumTxns != info.NumTxns || value.NumBytes != info.NumBytes {
		return nil, fmt.Errorf("sign digest %s: metadata mismatch with locally persisted batch", info.Digest)
	}

	return s.signer.Sign(info)
}

// MemoryUsed reports current hydrated-payload bytes, for metrics/backpressure.
func (s *Store) MemoryUsed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryUsed
}

// DbBytesUsed reports current on-disk bytes tracked by the index.
func (s *Store) DbBytesUsed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dbBytesUsed
}
