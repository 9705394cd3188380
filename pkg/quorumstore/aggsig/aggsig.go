// Copyright 2025 Certen Protocol
//
// Aggregate-signature scheme for Quorum Store proofs-of-store, concretely
// implemented on BLS12-381: empty()/add(share)/verify(pk_set, msg) over
// validator signature shares.

package aggsig

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

// DomainSignedDigest separates quorum-store digest signatures from any other
// BLS signing the validator does.
const DomainSignedDigest = "QUORUM_STORE_SIGNED_DIGEST_V1"

const (
	PrivateKeySize = 32
	PublicKeySize  = 96
	ShareSize      = 48
)

var (
	initOnce sync.Once
	g1Gen    bls12381.G1Affine
	g2Gen    bls12381.G2Affine
)

func initCurve() {
	initOnce.Do(func() {
		_, _, g1, g2 := bls12381.Generators()
		g1Gen, g2Gen = g1, g2
	})
}

// PrivateKey is a validator's BLS signing key.
type PrivateKey struct{ scalar fr.Element }

// PublicKey is a validator's BLS verification key.
type PublicKey struct{ point bls12381.G2Affine }

// Share is one signer's signature over a SignedDigestInfo tuple.
type Share struct{ point bls12381.G1Affine }

// GenerateKeyPair creates a fresh validator key pair.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	initCurve()
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, nil, fmt.Errorf("generate random scalar: %w", err)
	}
	priv := &PrivateKey{scalar: sk}
	return priv, priv.PublicKey(), nil
}

// PublicKey derives the public key for this private key.
func (sk *PrivateKey) PublicKey() *PublicKey {
	initCurve()
	var pk bls12381.G2Affine
	var skBig big.Int
	sk.scalar.BigInt(&skBig)
	pk.ScalarMultiplication(&g2Gen, &skBig)
	return &PublicKey{point: pk}
}

// Bytes serializes the private key.
func (sk *PrivateKey) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

// PrivateKeyFromBytes parses a private key.
func PrivateKeyFromBytes(data []byte) (*PrivateKey, error) {
	if len(data) != PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d want %d", len(data), PrivateKeySize)
	}
	var sk fr.Element
	sk.SetBytes(data)
	return &PrivateKey{scalar: sk}, nil
}

// Bytes serializes the public key (compressed G2 point).
func (pk *PublicKey) Bytes() []byte {
	b := pk.point.Bytes()
	return b[:]
}

// Hex returns the public key as a hex string.
func (pk *PublicKey) Hex() string { return hex.EncodeToString(pk.Bytes()) }

// PublicKeyFromBytes parses a public key.
func PublicKeyFromBytes(data []byte) (*PublicKey, error) {
	initCurve()
	var pk bls12381.G2Affine
	if _, err := pk.SetBytes(data); err != nil {
		return nil, fmt.Errorf("deserialize public key: %w", err)
	}
	return &PublicKey{point: pk}, nil
}

// Equal reports whether two public keys are identical.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return pk.point.Equal(&other.point)
}

// Bytes serializes a signature share (compressed G1 point).
func (s *Share) Bytes() []byte {
	b := s.point.Bytes()
	return b[:]
}

// ShareFromBytes parses a signature share.
func ShareFromBytes(data []byte) (*Share, error) {
	initCurve()
	var p bls12381.G1Affine
	if _, err := p.SetBytes(data); err != nil {
		return nil, fmt.Errorf("deserialize signature share: %w", err)
	}
	return &Share{point: p}, nil
}

// SignDigestInfo produces this validator's share over a SignedDigestInfo
// tuple, domain-separated from any other signing the node does.
func (sk *PrivateKey) SignDigestInfo(info types.SignedDigestInfo) *Share {
	initCurve()
	h := hashToG1(domainMessage(info.SigningBytes()))
	var sig bls12381.G1Affine
	var skBig big.Int
	sk.scalar.BigInt(&skBig)
	sig.ScalarMultiplication(&h, &skBig)
	return &Share{point: sig}
}

// Verify checks a single signer's share against the tuple it claims to sign.
func (pk *PublicKey) Verify(share *Share, info types.SignedDigestInfo) bool {
	initCurve()
	h := hashToG1(domainMessage(info.SigningBytes()))
	var negPk bls12381.G2Affine
	negPk.Neg(&pk.point)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{share.point, h},
		[]bls12381.G2Affine{g2Gen, negPk},
	)
	return err == nil && ok
}

// ValidatorInfo pairs a validator's identity with its verification key and
// voting power, for quorum threshold computations.
type ValidatorInfo struct {
	Id          types.PeerId
	PublicKey   *PublicKey
	VotingPower uint64
}

// ValidatorVerifier holds the validator set for one epoch, its public keys,
// and the voting-power-weighted quorum threshold over that set.
type ValidatorVerifier struct {
	byId        map[types.PeerId]ValidatorInfo
	totalPower  uint64
}

// NewValidatorVerifier builds a verifier from a validator set. The quorum
// threshold is computed as > 2/3 of total voting power, the standard BFT
// bound; see ValidatorVerifier.QuorumThreshold.
func NewValidatorVerifier(validators []ValidatorInfo) *ValidatorVerifier {
	byId := make(map[types.PeerId]ValidatorInfo, len(validators))
	var total uint64
	for _, v := range validators {
		byId[v.Id] = v
		total += v.VotingPower
	}
	return &ValidatorVerifier{byId: byId, totalPower: total}
}

// QuorumThreshold returns the minimum aggregate voting power required to
// form a proof of store: strictly more than two thirds of total power.
func (v *ValidatorVerifier) QuorumThreshold() uint64 {
	return 2*v.totalPower/3 + 1
}

// TotalVotingPower returns the sum of all validators' voting power.
func (v *ValidatorVerifier) TotalVotingPower() uint64 { return v.totalPower }

// VotingPower returns a validator's voting power, or 0 if unknown.
func (v *ValidatorVerifier) VotingPower(id types.PeerId) uint64 {
	return v.byId[id].VotingPower
}

// PublicKey returns a validator's registered public key.
func (v *ValidatorVerifier) PublicKey(id types.PeerId) (*PublicKey, bool) {
	info, ok := v.byId[id]
	if !ok {
		return nil, false
	}
	return info.PublicKey, true
}

var ErrUnknownSigner = errors.New("aggsig: signer is not a member of the validator set")
var ErrInvalidShare = errors.New("aggsig: signature share failed verification")
var ErrEmptyAggregate = errors.New("aggsig: cannot aggregate zero shares")

// ShareSet accumulates signature shares for a single SignedDigestInfo,
// tracking the signers and their cumulative voting power.
type ShareSet struct {
	info    types.SignedDigestInfo
	shares  map[types.PeerId]*Share
	power   uint64
	verifier *ValidatorVerifier
}

// Empty returns a fresh, signer-less accumulator for the given tuple.
func Empty(info types.SignedDigestInfo, verifier *ValidatorVerifier) *ShareSet {
	return &ShareSet{
		info:     info,
		shares:   make(map[types.PeerId]*Share),
		verifier: verifier,
	}
}

// Add verifies and records signer's share. Duplicate shares from the same
// signer are idempotent; a share that fails verification is rejected
// without mutating accumulated state.
func (s *ShareSet) Add(signer types.PeerId, share *Share) error {
	if _, already := s.shares[signer]; already {
		return nil
	}
	pk, ok := s.verifier.PublicKey(signer)
	if !ok {
		return ErrUnknownSigner
	}
	if !pk.Verify(share, s.info) {
		return ErrInvalidShare
	}
	s.shares[signer] = share
	s.power += s.verifier.VotingPower(signer)
	return nil
}

// Power returns the total voting power of accumulated signers so far.
func (s *ShareSet) Power() uint64 { return s.power }

// HasQuorum reports whether accumulated voting power meets the verifier's
// quorum threshold.
func (s *ShareSet) HasQuorum() bool {
	return s.power >= s.verifier.QuorumThreshold()
}

// Finalize aggregates all accumulated shares into a ProofOfStore. The
// caller must have already checked HasQuorum.
func (s *ShareSet) Finalize() (types.ProofOfStore, error) {
	if len(s.shares) == 0 {
		return types.ProofOfStore{}, ErrEmptyAggregate
	}
	initCurve()
	var aggJac bls12381.G1Jac
	first := true
	signers := make([]types.PeerId, 0, len(s.shares))
	for id, sh := range s.shares {
		signers = append(signers, id)
		var jac bls12381.G1Jac
		jac.FromAffine(&sh.point)
		if first {
			aggJac = jac
			first = false
		} else {
			aggJac.AddAssign(&jac)
		}
	}
	var agg bls12381.G1Affine
	agg.FromJacobian(&aggJac)
	return types.ProofOfStore{
		Info:               s.info,
		AggregateSignature: agg.Bytes(),
		Signers:            signers,
	}, nil
}

// VerifyProofOfStore checks a PoS against the validator set: the aggregate
// signature must verify against the aggregated public keys of its signers,
// and those signers must carry at least quorum voting power.
func VerifyProofOfStore(verifier *ValidatorVerifier, pos types.ProofOfStore) bool {
	if len(pos.Signers) == 0 {
		return false
	}
	var power uint64
	pks := make([]bls12381.G2Affine, 0, len(pos.Signers))
	seen := make(map[types.PeerId]struct{}, len(pos.Signers))
	for _, id := range pos.Signers {
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
		pk, ok := verifier.PublicKey(id)
		if !ok {
			return false
		}
		pks = append(pks, pk.point)
		power += verifier.VotingPower(id)
	}
	if power < verifier.QuorumThreshold() {
		return false
	}
	var aggSig bls12381.G1Affine
	if _, err := aggSig.SetBytes(pos.AggregateSignature); err != nil {
		return false
	}
	var aggPkJac bls12381.G2Jac
	for i, pk := range pks {
		var jac bls12381.G2Jac
		jac.FromAffine(&pk)
		if i == 0 {
			aggPkJac = jac
		} else {
			aggPkJac.AddAssign(&jac)
		}
	}
	var aggPk bls12381.G2Affine
	aggPk.FromJacobian(&aggPkJac)

	h := hashToG1(domainMessage(pos.Info.SigningBytes()))
	var negAggPk bls12381.G2Affine
	negAggPk.Neg(&aggPk)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{aggSig, h},
		[]bls12381.G2Affine{g2Gen, negAggPk},
	)
	return err == nil && ok
}

func domainMessage(message []byte) []byte {
	h := sha256.New()
	h.Write([]byte(DomainSignedDigest))
	h.Write(message)
	return h.Sum(nil)
}

// hashToG1 hashes a message to a point on G1 via hash-and-increment.
func hashToG1(message []byte) bls12381.G1Affine {
	h := sha256.New()
	h.Write([]byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_"))
	h.Write(message)
	base := h.Sum(nil)

	for counter := uint64(0); counter < 1000; counter++ {
		h2 := sha256.New()
		h2.Write(base)
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], counter)
		h2.Write(ctr[:])
		candidate := h2.Sum(nil)

		var point bls12381.G1Affine
		if _, err := point.SetBytes(candidate); err == nil && !point.IsInfinity() {
			return point
		}

		var scalar fr.Element
		scalar.SetBytes(candidate)
		var scalarBig big.Int
		scalar.BigInt(&scalarBig)
		var result bls12381.G1Affine
		result.ScalarMultiplication(&g1Gen, &scalarBig)
		if !result.IsInfinity() {
			return result
		}
	}
	return g1Gen
}
