package network

import (
	"testing"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

func TestFragmentRoundTrip(t *testing.T) {
	exp := types.LogicalTime{Epoch: 1, Round: 10}
	f := types.Fragment{
		Epoch:           1,
		Source:          "validator-1",
		BatchId:         7,
		FragmentId:      2,
		Payload:         []types.SerializedTransaction{[]byte("tx-a"), []byte("tx-b")},
		MaybeExpiration: &exp,
	}
	env, err := EncodeFragment(f)
	if err != nil {
		t.Fatalf("EncodeFragment: %v", err)
	}
	if env.Kind != KindFragment {
		t.Fatalf("Kind = %v, want KindFragment", env.Kind)
	}
	got, err := DecodeFragment(env)
	if err != nil {
		t.Fatalf("DecodeFragment: %v", err)
	}
	if got.Epoch != f.Epoch || got.Source != f.Source || got.BatchId != f.BatchId || got.FragmentId != f.FragmentId {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, f)
	}
	if len(got.Payload) != 2 || string(got.Payload[0]) != "tx-a" || string(got.Payload[1]) != "tx-b" {
		t.Fatalf("payload mismatch: %v", got.Payload)
	}
	if got.MaybeExpiration == nil || *got.MaybeExpiration != exp {
		t.Fatalf("expiration mismatch: %v", got.MaybeExpiration)
	}
}

func TestFragmentRoundTripWithoutExpiration(t *testing.T) {
	f := types.Fragment{Epoch: 1, Source: "v", BatchId: 1, FragmentId: 0, Payload: []types.SerializedTransaction{[]byte("x")}}
	env, err := EncodeFragment(f)
	if err != nil {
		t.Fatalf("EncodeFragment: %v", err)
	}
	got, err := DecodeFragment(env)
	if err != nil {
		t.Fatalf("DecodeFragment: %v", err)
	}
	if got.MaybeExpiration != nil {
		t.Fatalf("intermediate fragment must round-trip with a nil expiration")
	}
}

func TestSignedDigestRoundTrip(t *testing.T) {
	msg := types.SignedDigest{
		Info:           types.SignedDigestInfo{Digest: types.Digest{1, 2, 3}, Expiration: types.LogicalTime{Epoch: 2, Round: 4}, NumTxns: 5, NumBytes: 500},
		Signer:         "validator-2",
		SignatureShare: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	env, err := EncodeSignedDigest(msg)
	if err != nil {
		t.Fatalf("EncodeSignedDigest: %v", err)
	}
	got, err := DecodeSignedDigest(env)
	if err != nil {
		t.Fatalf("DecodeSignedDigest: %v", err)
	}
	if got.Info != msg.Info || got.Signer != msg.Signer {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, msg)
	}
	if string(got.SignatureShare) != string(msg.SignatureShare) {
		t.Fatalf("signature share mismatch: %x vs %x", got.SignatureShare, msg.SignatureShare)
	}
}

func TestSignDigestRequestRoundTrip(t *testing.T) {
	req := types.SignDigestRequest{
		Info:      types.SignedDigestInfo{Digest: types.Digest{9}, Expiration: types.LogicalTime{Epoch: 1, Round: 1}, NumTxns: 1, NumBytes: 1},
		Requester: "validator-3",
	}
	env, err := EncodeSignDigestRequest(req)
	if err != nil {
		t.Fatalf("EncodeSignDigestRequest: %v", err)
	}
	got, err := DecodeSignDigestRequest(env)
	if err != nil {
		t.Fatalf("DecodeSignDigestRequest: %v", err)
	}
	if got != req {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, req)
	}
}

func TestBatchRequestRoundTrip(t *testing.T) {
	req := types.BatchRequest{Digest: types.Digest{4, 5}, Requester: "validator-4"}
	env, err := EncodeBatchRequest(req)
	if err != nil {
		t.Fatalf("EncodeBatchRequest: %v", err)
	}
	got, err := DecodeBatchRequest(env)
	if err != nil {
		t.Fatalf("DecodeBatchRequest: %v", err)
	}
	if got != req {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, req)
	}
}

func TestBatchResponseRoundTrip(t *testing.T) {
	resp := types.BatchResponse{Digest: types.Digest{6}, Payload: []types.SerializedTransaction{[]byte("p")}, NotFound: false}
	env, err := EncodeBatchResponse(resp)
	if err != nil {
		t.Fatalf("EncodeBatchResponse: %v", err)
	}
	got, err := DecodeBatchResponse(env)
	if err != nil {
		t.Fatalf("DecodeBatchResponse: %v", err)
	}
	if got.Digest != resp.Digest || got.NotFound != resp.NotFound || len(got.Payload) != 1 || string(got.Payload[0]) != "p" {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, resp)
	}
}

func TestBatchResponseNotFoundRoundTrip(t *testing.T) {
	resp := types.BatchResponse{Digest: types.Digest{7}, NotFound: true}
	env, err := EncodeBatchResponse(resp)
	if err != nil {
		t.Fatalf("EncodeBatchResponse: %v", err)
	}
	got, err := DecodeBatchResponse(env)
	if err != nil {
		t.Fatalf("DecodeBatchResponse: %v", err)
	}
	if !got.NotFound || len(got.Payload) != 0 {
		t.Fatalf("not-found response should round-trip with no payload: %+v", got)
	}
}

func TestProofOfStoreRoundTrip(t *testing.T) {
	pos := types.ProofOfStore{
		Info:               types.SignedDigestInfo{Digest: types.Digest{8}, Expiration: types.LogicalTime{Epoch: 1, Round: 1}, NumTxns: 2, NumBytes: 20},
		AggregateSignature: []byte{1, 2, 3, 4},
		Signers:            []types.PeerId{"a", "b", "c"},
	}
	env, err := EncodeProofOfStore(pos)
	if err != nil {
		t.Fatalf("EncodeProofOfStore: %v", err)
	}
	if env.Kind != KindProofOfStore {
		t.Fatalf("Kind = %v, want KindProofOfStore", env.Kind)
	}
	got, err := DecodeProofOfStore(env)
	if err != nil {
		t.Fatalf("DecodeProofOfStore: %v", err)
	}
	if got.Info != pos.Info || len(got.Signers) != 3 || got.Signers[1] != "b" {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, pos)
	}
	if string(got.AggregateSignature) != string(pos.AggregateSignature) {
		t.Fatalf("aggregate signature mismatch: %x vs %x", got.AggregateSignature, pos.AggregateSignature)
	}
}
