package proofmanager

import (
	"testing"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

func posFor(digestByte byte, round types.Round, numTxns, numBytes uint64) types.ProofOfStore {
	return types.ProofOfStore{
		Info: types.SignedDigestInfo{
			Digest:     types.Digest{digestByte},
			Expiration: types.LogicalTime{Epoch: 1, Round: round},
			NumTxns:    numTxns,
			NumBytes:   numBytes,
		},
	}
}

func TestPushThenPullProofsReturnsKnownProof(t *testing.T) {
	m := New(DefaultConfig())
	pos := posFor(1, 10, 5, 500)
	m.Push(pos, true)

	payload := m.PullProofs(nil, types.LogicalTime{Epoch: 1, Round: 1}, 1000, 100000)
	if payload.Kind != types.PayloadInQuorumStore {
		t.Fatalf("Kind = %v, want PayloadInQuorumStore", payload.Kind)
	}
	if len(payload.Proofs) != 1 || payload.Proofs[0].Digest() != pos.Digest() {
		t.Fatalf("unexpected proofs returned: %+v", payload.Proofs)
	}
}

func TestPushIgnoresEarlierExpirationForKnownDigest(t *testing.T) {
	m := New(DefaultConfig())
	digest := byte(2)
	later := posFor(digest, 50, 1, 1)
	m.Push(later, false)

	earlier := posFor(digest, 10, 1, 1)
	m.Push(earlier, false)

	payload := m.PullProofs(nil, types.LogicalTime{Epoch: 1, Round: 1}, 1000, 100000)
	if payload.Proofs[0].Expiration() != later.Expiration() {
		t.Fatalf("Push must not regress an existing later expiration")
	}
}

func TestPushNeverReadmitsACommittedDigest(t *testing.T) {
	m := New(DefaultConfig())
	digest := byte(3)
	pos := posFor(digest, 50, 1, 1)
	m.Push(pos, true)
	m.MarkCommitted([]types.Digest{{digest}})

	m.Push(pos, true)
	payload := m.PullProofs(nil, types.LogicalTime{Epoch: 1, Round: 1}, 1000, 100000)
	if payload.Kind != types.PayloadEmpty {
		t.Fatalf("a committed digest must never reappear in pulled proofs, got %+v", payload)
	}
}

func TestPullProofsSkipsExcludedWithoutBreaking(t *testing.T) {
	m := New(DefaultConfig())
	m.Push(posFor(1, 50, 1, 1), false)
	m.Push(posFor(2, 50, 1, 1), false)

	excluded := map[types.Digest]struct{}{{1}: {}}
	payload := m.PullProofs(excluded, types.LogicalTime{Epoch: 1, Round: 1}, 1000, 100000)
	if len(payload.Proofs) != 1 || payload.Proofs[0].Digest() != (types.Digest{2}) {
		t.Fatalf("expected only digest{2} after excluding digest{1}, got %+v", payload.Proofs)
	}
}

func TestPullProofsStopsAtBudgetWithoutSkippingAhead(t *testing.T) {
	m := New(DefaultConfig())
	m.Push(posFor(1, 50, 10, 10), false)
	m.Push(posFor(2, 50, 1, 1), false) // would fit the budget, but comes after one that doesn't

	payload := m.PullProofs(nil, types.LogicalTime{Epoch: 1, Round: 1}, 5, 100000)
	if len(payload.Proofs) != 0 {
		t.Fatalf("budget exhaustion must stop collection rather than skip ahead, got %+v", payload.Proofs)
	}
}

func TestPullProofsZeroMaxTxnsReturnsEmptyWithoutDraining(t *testing.T) {
	m := New(DefaultConfig())
	m.Push(posFor(1, 50, 1, 1), false)

	payload := m.PullProofs(nil, types.LogicalTime{Epoch: 1, Round: 1}, 0, 100000)
	if payload.Kind != types.PayloadEmpty {
		t.Fatalf("zero max txns should yield PayloadEmpty")
	}
}

func TestPullProofsDrainsExpiredEntriesAndCountsUncommitted(t *testing.T) {
	m := New(DefaultConfig())
	m.Push(posFor(1, 5, 1, 1), false)

	m.PullProofs(nil, types.LogicalTime{Epoch: 1, Round: 100}, 1000, 100000)
	if m.ExpiredUncommittedCount() != 1 {
		t.Fatalf("ExpiredUncommittedCount() = %d, want 1", m.ExpiredUncommittedCount())
	}

	payload := m.PullProofs(nil, types.LogicalTime{Epoch: 1, Round: 200}, 1000, 100000)
	if payload.Kind != types.PayloadEmpty {
		t.Fatalf("expired digest must not resurface, got %+v", payload)
	}
}

func TestHandleCommitNotificationFlipsBackpressure(t *testing.T) {
	cfg := Config{BackPressureLocalBatchLimit: 1}
	m := New(cfg)

	m.Push(posFor(1, 50, 1, 1), true)
	m.Push(posFor(2, 50, 1, 1), true)

	if err := m.HandleCommitNotification(types.CommitNotification{Time: types.LogicalTime{Epoch: 1, Round: 1}}); err != nil {
		t.Fatalf("HandleCommitNotification: %v", err)
	}
	if !m.Backpressure() {
		t.Fatalf("2 outstanding local proofs over a limit of 1 should trigger backpressure")
	}

	select {
	case state := <-m.BackpressureChannel():
		if !state {
			t.Fatalf("published backpressure state = false, want true")
		}
	default:
		t.Fatalf("expected a published backpressure flip")
	}

	if err := m.HandleCommitNotification(types.CommitNotification{
		Time:    types.LogicalTime{Epoch: 1, Round: 2},
		Digests: []types.Digest{{1}, {2}},
	}); err != nil {
		t.Fatalf("HandleCommitNotification commit both: %v", err)
	}
	if m.Backpressure() {
		t.Fatalf("committing both outstanding proofs should clear backpressure")
	}
}

func TestHandleCommitNotificationRejectsWrongEpoch(t *testing.T) {
	m := New(DefaultConfig())
	if err := m.HandleCommitNotification(types.CommitNotification{Time: types.LogicalTime{Epoch: 1, Round: 1}}); err != nil {
		t.Fatalf("first notification: %v", err)
	}
	err := m.HandleCommitNotification(types.CommitNotification{Time: types.LogicalTime{Epoch: 2, Round: 0}})
	if err != ErrWrongEpoch {
		t.Fatalf("epoch change via commit notification = %v, want ErrWrongEpoch", err)
	}
}

func TestHandleCommitNotificationRejectsTimeGoingBackward(t *testing.T) {
	m := New(DefaultConfig())
	if err := m.HandleCommitNotification(types.CommitNotification{Time: types.LogicalTime{Epoch: 1, Round: 10}}); err != nil {
		t.Fatalf("first notification: %v", err)
	}
	err := m.HandleCommitNotification(types.CommitNotification{Time: types.LogicalTime{Epoch: 1, Round: 5}})
	if err != ErrTimeWentBackward {
		t.Fatalf("backward time = %v, want ErrTimeWentBackward", err)
	}
}
