// Copyright 2025 Certen Protocol
//
// Quorum Store wire and persistence types.

package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Epoch identifies a consensus epoch.
type Epoch uint64

// Round identifies a round within an epoch.
type Round uint64

// LogicalTime is a total order over (epoch, round) used for expiration and
// commit notifications.
type LogicalTime struct {
	Epoch Epoch
	Round Round
}

// Less reports whether t is strictly before other.
func (t LogicalTime) Less(other LogicalTime) bool {
	if t.Epoch != other.Epoch {
		return t.Epoch < other.Epoch
	}
	return t.Round < other.Round
}

// AtLeast reports whether t is greater than or equal to other.
func (t LogicalTime) AtLeast(other LogicalTime) bool {
	return !t.Less(other)
}

// Max returns the greater of t and other.
func (t LogicalTime) Max(other LogicalTime) LogicalTime {
	if t.Less(other) {
		return other
	}
	return t
}

// PlusRounds returns t with round advanced by n, same epoch.
func (t LogicalTime) PlusRounds(n uint64) LogicalTime {
	return LogicalTime{Epoch: t.Epoch, Round: t.Round + Round(n)}
}

func (t LogicalTime) String() string {
	return fmt.Sprintf("(epoch=%d, round=%d)", t.Epoch, t.Round)
}

// BatchId is monotone within an epoch and is persisted so the next id after
// a restart is max(persisted_id, 0) + 1.
type BatchId uint64

// Digest is the hash of a batch's concatenated payload.
type Digest [32]byte

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:8])
}

// Hex returns the full 64-character hex encoding of the digest, suitable as
// a stable external key (e.g. an audit log primary key).
func (d Digest) Hex() string {
	return fmt.Sprintf("%x", d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// PeerId identifies a validator / peer on the network.
type PeerId string

// SerializedTransaction is an opaque, self-delimited transaction.
type SerializedTransaction []byte

// TransactionSummary identifies a transaction for mempool exclusion filters
// without carrying its full payload.
type TransactionSummary struct {
	Sender   string
	Sequence uint64
	Hash     [32]byte
}

// Fragment is one slice of a batch sent on the wire. The final fragment of a
// batch carries MaybeExpiration and closes it.
type Fragment struct {
	Epoch           Epoch
	Source          PeerId
	BatchId         BatchId
	FragmentId      uint64
	Payload         []SerializedTransaction
	MaybeExpiration *LogicalTime // set only on the final fragment
}

// IsFinal reports whether this fragment closes its batch.
func (f *Fragment) IsFinal() bool {
	return f.MaybeExpiration != nil
}

// NumBytes returns the total payload size of the fragment.
func (f *Fragment) NumBytes() int {
	n := 0
	for _, tx := range f.Payload {
		n += len(tx)
	}
	return n
}

// Batch is a completed, digest-stable sequence of transactions.
type Batch struct {
	Digest     Digest
	Author     PeerId
	NumTxns    uint64
	NumBytes   uint64
	Payload    []SerializedTransaction // may be nil if dropped under memory pressure
	Expiration LogicalTime
}

// SignedDigestInfo is the tuple carried by a single signer's share.
type SignedDigestInfo struct {
	Digest     Digest
	Expiration LogicalTime
	NumTxns    uint64
	NumBytes   uint64
}

// SigningBytes returns the canonical byte representation signed by a share,
// so every honest signer commits to the exact same message.
func (s SignedDigestInfo) SigningBytes() []byte {
	var buf bytes.Buffer
	buf.Write(s.Digest[:])
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(s.Expiration.Epoch))
	buf.Write(tmp[:])
	binary.BigEndian.PutUint64(tmp[:], uint64(s.Expiration.Round))
	buf.Write(tmp[:])
	binary.BigEndian.PutUint64(tmp[:], s.NumTxns)
	buf.Write(tmp[:])
	binary.BigEndian.PutUint64(tmp[:], s.NumBytes)
	buf.Write(tmp[:])
	return buf.Bytes()
}

// Equal reports whether two SignedDigestInfo values describe the same batch
// metadata (used to detect a signer reporting conflicting metadata).
func (s SignedDigestInfo) Equal(other SignedDigestInfo) bool {
	return s.Digest == other.Digest &&
		s.Expiration == other.Expiration &&
		s.NumTxns == other.NumTxns &&
		s.NumBytes == other.NumBytes
}

// SignedDigest is a SignedDigestInfo plus one signer's share, as sent on the
// wire between ProofCoordinator peers.
type SignedDigest struct {
	Info           SignedDigestInfo
	Signer         PeerId
	SignatureShare []byte
}

// ProofOfStore (PoS) is a SignedDigestInfo plus an aggregate signature whose
// signers meet the quorum threshold.
type ProofOfStore struct {
	Info               SignedDigestInfo
	AggregateSignature []byte
	Signers            []PeerId
}

func (p ProofOfStore) Digest() Digest            { return p.Info.Digest }
func (p ProofOfStore) Expiration() LogicalTime   { return p.Info.Expiration }

// PersistedValue is what BatchStore keeps per digest. Payload may be dropped
// under memory pressure and re-hydrated from disk or a remote peer later.
type PersistedValue struct {
	MaybePayload []SerializedTransaction
	Expiration   LogicalTime
	Author       PeerId
	NumTxns      uint64
	NumBytes     uint64
}

// HasPayload reports whether the hydrated payload is present.
func (v PersistedValue) HasPayload() bool {
	return v.MaybePayload != nil
}

// ToBatch reconstructs a Batch view from a persisted value and its digest.
func (v PersistedValue) ToBatch(digest Digest) Batch {
	return Batch{
		Digest:     digest,
		Author:     v.Author,
		NumTxns:    v.NumTxns,
		NumBytes:   v.NumBytes,
		Payload:    v.MaybePayload,
		Expiration: v.Expiration,
	}
}

// BatchRequest asks a batch's author (or a fallback quorum member) to return
// its payload.
type BatchRequest struct {
	Digest    Digest
	Requester PeerId
}

// SignDigestRequest asks a quorum member to produce its signature share
// over a digest it should already hold locally (having received it as a
// broadcast fragment). The response is a SignedDigest sent back to the
// requester.
type SignDigestRequest struct {
	Info      SignedDigestInfo
	Requester PeerId
}

// BatchResponse answers a BatchRequest.
type BatchResponse struct {
	Digest   Digest
	Payload  []SerializedTransaction
	NotFound bool
}

// ProposalFilter selects which payload shape the proposer wants back from
// ProofManager.
type ProposalFilter int

const (
	FilterEmpty ProposalFilter = iota
	FilterInQuorumStore
	FilterDirectMempool // rejected by this subsystem
)

// ErrDirectMempoolUnsupported is returned when a proposer requests the
// DirectMempool filter, which the Quorum Store never serves.
var ErrDirectMempoolUnsupported = errors.New("direct mempool payload filter is not served by the quorum store")

// GetBlockRequest is the proposer's pull request for a proposal payload.
type GetBlockRequest struct {
	Round    Round
	MaxTxns  uint64
	MaxBytes uint64
	Filter   ProposalFilter
	Excluded map[Digest]struct{}
}

// PayloadKind distinguishes an empty payload from a quorum-store payload.
type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadInQuorumStore
)

// Payload is the proposer-facing response to a GetBlockRequest.
type Payload struct {
	Kind  PayloadKind
	Proofs []ProofOfStore
}

// ProofResult is delivered exactly once on a batch's proof_return channel:
// either a completed ProofOfStore, or an error if quorum was never reached
// before the collection timeout.
type ProofResult struct {
	PoS ProofOfStore
	Err error
}

// CommitNotification reports that a block committed, carrying the digests
// of the batches it referenced.
type CommitNotification struct {
	Time    LogicalTime
	Digests []Digest
}

// ComputeDigest hashes the canonical concatenation of a batch's payload, in
// the order the fragments carrying it were received. Every honest node that
// assembles the same fragment sequence for (author, batch_id) computes the
// same digest.
func ComputeDigest(payload []SerializedTransaction) Digest {
	h := sha256.New()
	for _, tx := range payload {
		var lenPrefix [8]byte
		binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(tx)))
		h.Write(lenPrefix[:])
		h.Write(tx)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
