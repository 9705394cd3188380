// Copyright 2025 Certen Protocol
//
// Wire envelope for quorum store messages: self-describing, canonically
// serialized as JSON, carried length-prefixed over HTTP (the Content-Length
// header supplies the length prefix; each message type gets its own route).

package network

import (
	"encoding/json"
	"fmt"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

// MessageKind tags the payload carried by an Envelope.
type MessageKind string

const (
	KindFragment        MessageKind = "fragment"
	KindBatchRequest    MessageKind = "batch_request"
	KindBatchResponse   MessageKind = "batch_response"
	KindSignedDigest    MessageKind = "signed_digest"
	KindProofOfStore    MessageKind = "proof_of_store"
	KindSignDigestRequest MessageKind = "sign_digest_request"
)

// Envelope wraps one wire message with its kind, so a single inbound stream
// can be demultiplexed without a side channel.
type Envelope struct {
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// wireFragment / wireSignedDigest mirror the exported types but give every
// field a stable JSON tag independent of Go identifier renames.
type wireFragment struct {
	Epoch           uint64                         `json:"epoch"`
	Source          string                         `json:"source"`
	BatchId         uint64                         `json:"batch_id"`
	FragmentId      uint64                         `json:"fragment_id"`
	Payload         []string                       `json:"payload"` // hex-encoded transactions
	MaybeExpiration *wireLogicalTime               `json:"maybe_expiration,omitempty"`
}

type wireLogicalTime struct {
	Epoch uint64 `json:"epoch"`
	Round uint64 `json:"round"`
}

func toWireTime(t types.LogicalTime) wireLogicalTime {
	return wireLogicalTime{Epoch: uint64(t.Epoch), Round: uint64(t.Round)}
}

func fromWireTime(t wireLogicalTime) types.LogicalTime {
	return types.LogicalTime{Epoch: types.Epoch(t.Epoch), Round: types.Round(t.Round)}
}

// EncodeFragment builds the wire envelope for a Fragment.
func EncodeFragment(f types.Fragment) (Envelope, error) {
	wf := wireFragment{
		Epoch:      uint64(f.Epoch),
		Source:     string(f.Source),
		BatchId:    uint64(f.BatchId),
		FragmentId: f.FragmentId,
	}
	for _, tx := range f.Payload {
		wf.Payload = append(wf.Payload, hexEncode(tx))
	}
	if f.MaybeExpiration != nil {
		wt := toWireTime(*f.MaybeExpiration)
		wf.MaybeExpiration = &wt
	}
	b, err := json.Marshal(wf)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode fragment: %w", err)
	}
	return Envelope{Kind: KindFragment, Payload: b}, nil
}

// DecodeFragment reverses EncodeFragment.
func DecodeFragment(env Envelope) (types.Fragment, error) {
	var wf wireFragment
	if err := json.Unmarshal(env.Payload, &wf); err != nil {
		return types.Fragment{}, fmt.Errorf("decode fragment: %w", err)
	}
	f := types.Fragment{
		Epoch:      types.Epoch(wf.Epoch),
		Source:     types.PeerId(wf.Source),
		BatchId:    types.BatchId(wf.BatchId),
		FragmentId: wf.FragmentId,
	}
	for _, hx := range wf.Payload {
		tx, err := hexDecode(hx)
		if err != nil {
			return types.Fragment{}, fmt.Errorf("decode fragment payload: %w", err)
		}
		f.Payload = append(f.Payload, tx)
	}
	if wf.MaybeExpiration != nil {
		exp := fromWireTime(*wf.MaybeExpiration)
		f.MaybeExpiration = &exp
	}
	return f, nil
}

type wireSignedDigestInfo struct {
	Digest     string          `json:"digest"`
	Expiration wireLogicalTime `json:"expiration"`
	NumTxns    uint64          `json:"num_txns"`
	NumBytes   uint64          `json:"num_bytes"`
}

type wireSignedDigest struct {
	Info           wireSignedDigestInfo `json:"info"`
	Signer         string               `json:"signer"`
	SignatureShare string               `json:"signature_share"`
}

// EncodeSignedDigest builds the wire envelope for a SignedDigest.
func EncodeSignedDigest(msg types.SignedDigest) (Envelope, error) {
	w := wireSignedDigest{
		Info: wireSignedDigestInfo{
			Digest:     hexEncode(msg.Info.Digest[:]),
			Expiration: toWireTime(msg.Info.Expiration),
			NumTxns:    msg.Info.NumTxns,
			NumBytes:   msg.Info.NumBytes,
		},
		Signer:         string(msg.Signer),
		SignatureShare: hexEncode(msg.SignatureShare),
	}
	b, err := json.Marshal(w)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode signed digest: %w", err)
	}
	return Envelope{Kind: KindSignedDigest, Payload: b}, nil
}

// DecodeSignedDigest reverses EncodeSignedDigest.
func DecodeSignedDigest(env Envelope) (types.SignedDigest, error) {
	var w wireSignedDigest
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return types.SignedDigest{}, fmt.Errorf("decode signed digest: %w", err)
	}
	digestBytes, err := hexDecode(w.Info.Digest)
	if err != nil {
		return types.SignedDigest{}, fmt.Errorf("decode digest: %w", err)
	}
	share, err := hexDecode(w.SignatureShare)
	if err != nil {
		return types.SignedDigest{}, fmt.Errorf("decode signature share: %w", err)
	}
	var digest types.Digest
	copy(digest[:], digestBytes)
	return types.SignedDigest{
		Info: types.SignedDigestInfo{
			Digest:     digest,
			Expiration: fromWireTime(w.Info.Expiration),
			NumTxns:    w.Info.NumTxns,
			NumBytes:   w.Info.NumBytes,
		},
		Signer:         types.PeerId(w.Signer),
		SignatureShare: share,
	}, nil
}

type wireSignDigestRequest struct {
	Info      wireSignedDigestInfo `json:"info"`
	Requester string               `json:"requester"`
}

// EncodeSignDigestRequest builds the wire envelope for a SignDigestRequest.
func EncodeSignDigestRequest(req types.SignDigestRequest) (Envelope, error) {
	w := wireSignDigestRequest{
		Info: wireSignedDigestInfo{
			Digest:     hexEncode(req.Info.Digest[:]),
			Expiration: toWireTime(req.Info.Expiration),
			NumTxns:    req.Info.NumTxns,
			NumBytes:   req.Info.NumBytes,
		},
		Requester: string(req.Requester),
	}
	b, err := json.Marshal(w)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode sign digest request: %w", err)
	}
	return Envelope{Kind: KindSignDigestRequest, Payload: b}, nil
}

// DecodeSignDigestRequest reverses EncodeSignDigestRequest.
func DecodeSignDigestRequest(env Envelope) (types.SignDigestRequest, error) {
	var w wireSignDigestRequest
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return types.SignDigestRequest{}, fmt.Errorf("decode sign digest request: %w", err)
	}
	digestBytes, err := hexDecode(w.Info.Digest)
	if err != nil {
		return types.SignDigestRequest{}, fmt.Errorf("decode digest: %w", err)
	}
	var digest types.Digest
	copy(digest[:], digestBytes)
	return types.SignDigestRequest{
		Info: types.SignedDigestInfo{
			Digest:     digest,
			Expiration: fromWireTime(w.Info.Expiration),
			NumTxns:    w.Info.NumTxns,
			NumBytes:   w.Info.NumBytes,
		},
		Requester: types.PeerId(w.Requester),
	}, nil
}

type wireBatchRequest struct {
	Digest    string `json:"digest"`
	Requester string `json:"requester"`
}

// EncodeBatchRequest builds the wire envelope for a BatchRequest.
func EncodeBatchRequest(req types.BatchRequest) (Envelope, error) {
	w := wireBatchRequest{Digest: hexEncode(req.Digest[:]), Requester: string(req.Requester)}
	b, err := json.Marshal(w)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode batch request: %w", err)
	}
	return Envelope{Kind: KindBatchRequest, Payload: b}, nil
}

// DecodeBatchRequest reverses EncodeBatchRequest.
func DecodeBatchRequest(env Envelope) (types.BatchRequest, error) {
	var w wireBatchRequest
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return types.BatchRequest{}, fmt.Errorf("decode batch request: %w", err)
	}
	digestBytes, err := hexDecode(w.Digest)
	if err != nil {
		return types.BatchRequest{}, fmt.Errorf("decode digest: %w", err)
	}
	var digest types.Digest
	copy(digest[:], digestBytes)
	return types.BatchRequest{Digest: digest, Requester: types.PeerId(w.Requester)}, nil
}

type wireBatchResponse struct {
	Digest   string   `json:"digest"`
	Payload  []string `json:"payload,omitempty"`
	NotFound bool     `json:"not_found"`
}

// EncodeBatchResponse builds the wire envelope for a BatchResponse.
func EncodeBatchResponse(resp types.BatchResponse) (Envelope, error) {
	w := wireBatchResponse{Digest: hexEncode(resp.Digest[:]), NotFound: resp.NotFound}
	for _, tx := range resp.Payload {
		w.Payload = append(w.Payload, hexEncode(tx))
	}
	b, err := json.Marshal(w)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode batch response: %w", err)
	}
	return Envelope{Kind: KindBatchResponse, Payload: b}, nil
}

// DecodeBatchResponse reverses EncodeBatchResponse.
func DecodeBatchResponse(env Envelope) (types.BatchResponse, error) {
	var w wireBatchResponse
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return types.BatchResponse{}, fmt.Errorf("decode batch response: %w", err)
	}
	digestBytes, err := hexDecode(w.Digest)
	if err != nil {
		return types.BatchResponse{}, fmt.Errorf("decode digest: %w", err)
	}
	var digest types.Digest
	copy(digest[:], digestBytes)
	resp := types.BatchResponse{Digest: digest, NotFound: w.NotFound}
	for _, hx := range w.Payload {
		tx, err := hexDecode(hx)
		if err != nil {
			return types.BatchResponse{}, fmt.Errorf("decode payload: %w", err)
		}
		resp.Payload = append(resp.Payload, tx)
	}
	return resp, nil
}

type wireProofOfStore struct {
	Info               wireSignedDigestInfo `json:"info"`
	AggregateSignature string               `json:"aggregate_signature"`
	Signers            []string             `json:"signers"`
}

// EncodeProofOfStore builds the wire envelope for a ProofOfStore.
func EncodeProofOfStore(pos types.ProofOfStore) (Envelope, error) {
	w := wireProofOfStore{
		Info: wireSignedDigestInfo{
			Digest:     hexEncode(pos.Info.Digest[:]),
			Expiration: toWireTime(pos.Info.Expiration),
			NumTxns:    pos.Info.NumTxns,
			NumBytes:   pos.Info.NumBytes,
		},
		AggregateSignature: hexEncode(pos.AggregateSignature),
	}
	for _, s := range pos.Signers {
		w.Signers = append(w.Signers, string(s))
	}
	b, err := json.Marshal(w)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode proof of store: %w", err)
	}
	return Envelope{Kind: KindProofOfStore, Payload: b}, nil
}

// DecodeProofOfStore reverses EncodeProofOfStore.
func DecodeProofOfStore(env Envelope) (types.ProofOfStore, error) {
	var w wireProofOfStore
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return types.ProofOfStore{}, fmt.Errorf("decode proof of store: %w", err)
	}
	digestBytes, err := hexDecode(w.Info.Digest)
	if err != nil {
		return types.ProofOfStore{}, fmt.Errorf("decode digest: %w", err)
	}
	aggSig, err := hexDecode(w.AggregateSignature)
	if err != nil {
		return types.ProofOfStore{}, fmt.Errorf("decode aggregate signature: %w", err)
	}
	var digest types.Digest
	copy(digest[:], digestBytes)
	pos := types.ProofOfStore{
		Info: types.SignedDigestInfo{
			Digest:     digest,
			Expiration: fromWireTime(w.Info.Expiration),
			NumTxns:    w.Info.NumTxns,
			NumBytes:   w.Info.NumBytes,
		},
		AggregateSignature: aggSig,
	}
	for _, s := range w.Signers {
		pos.Signers = append(pos.Signers, types.PeerId(s))
	}
	return pos, nil
}
