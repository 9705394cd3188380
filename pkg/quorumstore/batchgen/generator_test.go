package batchgen

import (
	"context"
	"testing"
	"time"

	"github.com/qstore/validator/pkg/quorumstore/db"
	"github.com/qstore/validator/pkg/quorumstore/external"
	"github.com/qstore/validator/pkg/quorumstore/types"
)

func fixedRound(r types.Round) func() types.Round {
	return func() types.Round { return r }
}

func TestNewRecoversNextBatchIdFromDB(t *testing.T) {
	store := db.NewQuorumStoreDB(db.NewMemoryKV())
	if err := store.SaveBatchId(types.Epoch(1), types.BatchId(7)); err != nil {
		t.Fatalf("SaveBatchId: %v", err)
	}

	out := make(chan Command, 1)
	g, err := New(DefaultConfig(), external.NewInMemoryMempool(), store, types.Epoch(1), out, fixedRound(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.builder.BatchId() != 8 {
		t.Fatalf("builder started at id %d, want 8 (last persisted + 1)", g.builder.BatchId())
	}
}

func TestNewStartsAtOneWithNoPriorBatchId(t *testing.T) {
	store := db.NewQuorumStoreDB(db.NewMemoryKV())
	out := make(chan Command, 1)
	g, err := New(DefaultConfig(), external.NewInMemoryMempool(), store, types.Epoch(1), out, fixedRound(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.builder.BatchId() != 1 {
		t.Fatalf("builder started at id %d, want 1", g.builder.BatchId())
	}
}

func TestNewRejectsNilCollaborators(t *testing.T) {
	store := db.NewQuorumStoreDB(db.NewMemoryKV())
	out := make(chan Command, 1)
	if _, err := New(DefaultConfig(), nil, store, types.Epoch(1), out, fixedRound(0)); err == nil {
		t.Fatalf("New with nil mempool should error")
	}
	if _, err := New(DefaultConfig(), external.NewInMemoryMempool(), nil, types.Epoch(1), out, fixedRound(0)); err == nil {
		t.Fatalf("New with nil store should error")
	}
}

func TestTickEmptyPullIsNoop(t *testing.T) {
	store := db.NewQuorumStoreDB(db.NewMemoryKV())
	out := make(chan Command, 1)
	g, err := New(DefaultConfig(), external.NewInMemoryMempool(), store, types.Epoch(1), out, fixedRound(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := g.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	select {
	case cmd := <-out:
		t.Fatalf("expected no command for an empty pull, got %+v", cmd)
	default:
	}
}

func TestTickEndsBatchWhenUnderThresholdsAndIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MempoolTxnPullMaxCount = 100
	cfg.MempoolTxnPullMaxBytes = 1 << 20
	cfg.EndBatchInterval = 0 // idleLongEnough is always true once lastEmit is in the past

	mempool := external.NewInMemoryMempool()
	mempool.Enqueue(types.TransactionSummary{Sequence: 1}, []byte("tx-1"))

	store := db.NewQuorumStoreDB(db.NewMemoryKV())
	out := make(chan Command, 1)
	g, err := New(cfg, mempool, store, types.Epoch(2), out, fixedRound(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.lastEmit = time.Now().Add(-time.Hour)

	if err := g.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	select {
	case cmd := <-out:
		if cmd.Kind != CommandEndBatch {
			t.Fatalf("Kind = %v, want CommandEndBatch", cmd.Kind)
		}
		if cmd.BatchId != 1 {
			t.Fatalf("BatchId = %d, want 1", cmd.BatchId)
		}
		if len(cmd.Payload) != 1 || string(cmd.Payload[0]) != "tx-1" {
			t.Fatalf("Payload = %v, want [tx-1]", cmd.Payload)
		}
		wantExpiry := types.LogicalTime{Epoch: 2, Round: 5 + types.Round(cfg.BatchExpiryRoundGapWhenInit)}
		if cmd.Expiration != wantExpiry {
			t.Fatalf("Expiration = %+v, want %+v", cmd.Expiration, wantExpiry)
		}
	default:
		t.Fatalf("expected an EndBatch command")
	}

	gotId, found, err := store.CleanAndGetBatchId(types.Epoch(2))
	if err != nil {
		t.Fatalf("CleanAndGetBatchId: %v", err)
	}
	if !found || gotId != 1 {
		t.Fatalf("persisted batch id = (%d, %v), want (1, true)", gotId, found)
	}
}

func TestTickAppendsWhenStillUnderCollectionWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MempoolTxnPullMaxCount = 2 // pulled count will equal max, so underThresholds is false
	cfg.MempoolTxnPullMaxBytes = 1 << 20
	cfg.EndBatchInterval = time.Hour

	mempool := external.NewInMemoryMempool()
	mempool.Enqueue(types.TransactionSummary{Sequence: 1}, []byte("tx-1"))
	mempool.Enqueue(types.TransactionSummary{Sequence: 2}, []byte("tx-2"))

	store := db.NewQuorumStoreDB(db.NewMemoryKV())
	out := make(chan Command, 1)
	g, err := New(cfg, mempool, store, types.Epoch(1), out, fixedRound(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.lastEmit = time.Now()

	if err := g.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	select {
	case cmd := <-out:
		if cmd.Kind != CommandAppendToBatch {
			t.Fatalf("Kind = %v, want CommandAppendToBatch", cmd.Kind)
		}
		if len(cmd.Payload) != 2 {
			t.Fatalf("Payload has %d txns, want 2", len(cmd.Payload))
		}
	default:
		t.Fatalf("expected an AppendToBatch command")
	}
}

func TestTickClosesBatchWhenNextTxnWouldExceedLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchBytes = 5
	cfg.MaxBatchCounts = 1000
	cfg.MempoolTxnPullMaxCount = 100
	cfg.MempoolTxnPullMaxBytes = 1 << 20

	mempool := external.NewInMemoryMempool()
	mempool.Enqueue(types.TransactionSummary{Sequence: 1}, []byte("abc"))
	mempool.Enqueue(types.TransactionSummary{Sequence: 2}, []byte("defgh"))

	store := db.NewQuorumStoreDB(db.NewMemoryKV())
	out := make(chan Command, 1)
	g, err := New(cfg, mempool, store, types.Epoch(1), out, fixedRound(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.lastEmit = time.Now()

	if err := g.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	select {
	case cmd := <-out:
		if cmd.Kind != CommandEndBatch {
			t.Fatalf("Kind = %v, want CommandEndBatch", cmd.Kind)
		}
		if len(cmd.Payload) != 1 || string(cmd.Payload[0]) != "abc" {
			t.Fatalf("Payload = %v, want only the first transaction", cmd.Payload)
		}
	default:
		t.Fatalf("expected the in-flight batch to be closed before the oversized transaction")
	}
}

func TestStartStopRunsAndExitsCleanly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndBatchInterval = 5 * time.Millisecond

	store := db.NewQuorumStoreDB(db.NewMemoryKV())
	out := make(chan Command, 4)
	g, err := New(cfg, external.NewInMemoryMempool(), store, types.Epoch(1), out, fixedRound(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	g.Stop()
}
