package batchcoordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

type fakeBroadcaster struct {
	mu        sync.Mutex
	fragments []types.Fragment
	err       error
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, f types.Fragment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fragments = append(b.fragments, f)
	return b.err
}

type fakePersistTarget struct {
	mu    sync.Mutex
	saved map[types.Digest]types.PersistedValue
}

func newFakePersistTarget() *fakePersistTarget {
	return &fakePersistTarget{saved: make(map[types.Digest]types.PersistedValue)}
}

func (p *fakePersistTarget) Save(digest types.Digest, value types.PersistedValue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved[digest] = value
	return nil
}

type fakeProofInitiator struct {
	mu    sync.Mutex
	infos []types.SignedDigestInfo
}

func (p *fakeProofInitiator) InitProof(info types.SignedDigestInfo) <-chan types.ProofResult {
	p.mu.Lock()
	p.infos = append(p.infos, info)
	p.mu.Unlock()
	ch := make(chan types.ProofResult, 1)
	close(ch)
	return ch
}

func TestAppendToBatchBroadcastsLocalFragment(t *testing.T) {
	bc := &fakeBroadcaster{}
	store := newFakePersistTarget()
	proofs := &fakeProofInitiator{}
	c := New(types.Epoch(1), "self", bc, store, proofs)

	payload := []types.SerializedTransaction{[]byte("tx-a")}
	if err := c.AppendToBatch(context.Background(), payload, 1); err != nil {
		t.Fatalf("AppendToBatch: %v", err)
	}

	if len(bc.fragments) != 1 {
		t.Fatalf("broadcast count = %d, want 1", len(bc.fragments))
	}
	f := bc.fragments[0]
	if f.Source != "self" || f.BatchId != 1 || f.FragmentId != 0 || f.IsFinal() {
		t.Fatalf("unexpected fragment: %+v", f)
	}

	// A second append must carry the next fragment id.
	if err := c.AppendToBatch(context.Background(), payload, 1); err != nil {
		t.Fatalf("second AppendToBatch: %v", err)
	}
	if bc.fragments[1].FragmentId != 1 {
		t.Fatalf("second fragment id = %d, want 1", bc.fragments[1].FragmentId)
	}
}

func TestEndBatchPersistsAndInitiatesProof(t *testing.T) {
	bc := &fakeBroadcaster{}
	store := newFakePersistTarget()
	proofs := &fakeProofInitiator{}
	c := New(types.Epoch(1), "self", bc, store, proofs)

	payload := []types.SerializedTransaction{[]byte("tx-a")}
	if err := c.AppendToBatch(context.Background(), payload, 1); err != nil {
		t.Fatalf("AppendToBatch: %v", err)
	}

	expiration := types.LogicalTime{Epoch: 1, Round: 10}
	final := []types.SerializedTransaction{[]byte("tx-b")}
	proofCh, err := c.EndBatch(context.Background(), final, 1, expiration)
	if err != nil {
		t.Fatalf("EndBatch: %v", err)
	}
	<-proofCh

	wantDigest := types.ComputeDigest([]types.SerializedTransaction{[]byte("tx-a"), []byte("tx-b")})
	saved, ok := store.saved[wantDigest]
	if !ok {
		t.Fatalf("EndBatch did not persist under the expected digest")
	}
	if saved.Author != "self" || saved.Expiration != expiration || saved.NumTxns != 2 {
		t.Fatalf("persisted value mismatch: %+v", saved)
	}

	if len(proofs.infos) != 1 || proofs.infos[0].Digest != wantDigest {
		t.Fatalf("InitProof not called with the expected digest: %+v", proofs.infos)
	}

	if len(bc.fragments) != 2 {
		t.Fatalf("expected 2 broadcasts (append + final), got %d", len(bc.fragments))
	}
	finalFrag := bc.fragments[1]
	if !finalFrag.IsFinal() || finalFrag.FragmentId != 1 {
		t.Fatalf("final fragment malformed: %+v", finalFrag)
	}

	// Fragment numbering must reset for the next batch.
	if err := c.AppendToBatch(context.Background(), payload, 2); err != nil {
		t.Fatalf("AppendToBatch after EndBatch: %v", err)
	}
	if bc.fragments[2].FragmentId != 0 {
		t.Fatalf("fragment id after EndBatch = %d, want reset to 0", bc.fragments[2].FragmentId)
	}
}

func TestRemoteFragmentAssemblesAndPersists(t *testing.T) {
	bc := &fakeBroadcaster{}
	store := newFakePersistTarget()
	proofs := &fakeProofInitiator{}
	c := New(types.Epoch(1), "self", bc, store, proofs)

	if err := c.RemoteFragment(context.Background(), types.Fragment{
		Epoch: 1, Source: "peer-a", BatchId: 1, FragmentId: 0,
		Payload: []types.SerializedTransaction{[]byte("r-0")},
	}); err != nil {
		t.Fatalf("RemoteFragment non-final: %v", err)
	}

	expiration := types.LogicalTime{Epoch: 1, Round: 3}
	if err := c.RemoteFragment(context.Background(), types.Fragment{
		Epoch: 1, Source: "peer-a", BatchId: 1, FragmentId: 1,
		Payload: []types.SerializedTransaction{[]byte("r-1")}, MaybeExpiration: &expiration,
	}); err != nil {
		t.Fatalf("RemoteFragment final: %v", err)
	}

	wantDigest := types.ComputeDigest([]types.SerializedTransaction{[]byte("r-0"), []byte("r-1")})
	saved, ok := store.saved[wantDigest]
	if !ok {
		t.Fatalf("remote batch was not persisted")
	}
	if saved.Author != "peer-a" || saved.Expiration != expiration {
		t.Fatalf("persisted remote value mismatch: %+v", saved)
	}
}

func TestRemoteFragmentDropsMismatchedEpoch(t *testing.T) {
	bc := &fakeBroadcaster{}
	store := newFakePersistTarget()
	proofs := &fakeProofInitiator{}
	c := New(types.Epoch(5), "self", bc, store, proofs)

	err := c.RemoteFragment(context.Background(), types.Fragment{
		Epoch: 4, Source: "peer-a", BatchId: 1, FragmentId: 0,
		Payload: []types.SerializedTransaction{[]byte("r-0")},
	})
	if err != nil {
		t.Fatalf("RemoteFragment with mismatched epoch should be silently dropped, got: %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatalf("no batch should have been persisted from a different epoch")
	}

	// A subsequent in-epoch fragment must start fresh rather than reuse any
	// state from the dropped epoch-4 fragment.
	if err := c.RemoteFragment(context.Background(), types.Fragment{
		Epoch: 5, Source: "peer-a", BatchId: 9, FragmentId: 0,
		Payload: []types.SerializedTransaction{[]byte("r-fresh")},
	}); err != nil {
		t.Fatalf("fresh in-epoch fragment should be accepted: %v", err)
	}
}

func TestRemoteFragmentDropsNonContiguousWithoutError(t *testing.T) {
	bc := &fakeBroadcaster{}
	store := newFakePersistTarget()
	proofs := &fakeProofInitiator{}
	c := New(types.Epoch(1), "self", bc, store, proofs)

	if err := c.RemoteFragment(context.Background(), types.Fragment{
		Epoch: 1, Source: "peer-a", BatchId: 1, FragmentId: 5,
		Payload: []types.SerializedTransaction{[]byte("r-0")},
	}); err != nil {
		t.Fatalf("non-contiguous remote fragment is logged and dropped, not returned as an error: %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatalf("no batch should have been persisted for a dropped fragment")
	}
}
