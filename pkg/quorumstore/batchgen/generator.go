// Copyright 2025 Certen Protocol
//
// BatchGenerator pulls from the mempool on a timer, splits transactions
// into fragments via BatchBuilder, and emits AppendToBatch / EndBatch
// commands to BatchCoordinator. Modeled on the Collector/Scheduler actor
// pair: a ticker-driven run loop owning private state, exactly one writer.

package batchgen

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/qstore/validator/pkg/quorumstore/db"
	"github.com/qstore/validator/pkg/quorumstore/external"
	"github.com/qstore/validator/pkg/quorumstore/types"
)

// CommandKind distinguishes an intermediate fragment from a batch-closing
// one.
type CommandKind int

const (
	CommandAppendToBatch CommandKind = iota
	CommandEndBatch
)

// Command is what BatchGenerator hands to BatchCoordinator. BatchCoordinator
// owns fragment numbering and broadcast; the generator only decides batch
// boundaries.
type Command struct {
	Kind       CommandKind
	BatchId    types.BatchId
	Payload    []types.SerializedTransaction
	Expiration types.LogicalTime // set only when Kind == CommandEndBatch
}

// Config holds the generator's tunables, all defaulted.
type Config struct {
	MaxBatchBytes               uint64
	MaxBatchCounts              int
	MempoolTxnPullMaxCount      int
	MempoolTxnPullMaxBytes      uint64
	EndBatchInterval            time.Duration
	BatchExpiryRoundGapWhenInit uint64
}

// DefaultConfig returns the generator's default tunables.
func DefaultConfig() Config {
	return Config{
		MaxBatchBytes:               4 * 1024 * 1024,
		MaxBatchCounts:              1000,
		MempoolTxnPullMaxCount:      1000,
		MempoolTxnPullMaxBytes:      4 * 1024 * 1024,
		EndBatchInterval:            250 * time.Millisecond,
		BatchExpiryRoundGapWhenInit: 20,
	}
}

// BatchGenerator is the actor described above.
type BatchGenerator struct {
	cfg     Config
	mempool external.Mempool
	db      *db.QuorumStoreDB
	epoch   types.Epoch
	builder *BatchBuilder
	out     chan<- Command
	logger  *log.Logger

	lastEmit time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}

	// currentRound supplies the logical round used to compute a batch's
	// expiration on EndBatch; set by the owner on round change.
	currentRound func() types.Round
}

// New builds a BatchGenerator, recovering the next batch id from the DB so
// restart never reuses a previously assigned id within the same epoch.
func New(cfg Config, mempool external.Mempool, store *db.QuorumStoreDB, epoch types.Epoch, out chan<- Command, currentRound func() types.Round) (*BatchGenerator, error) {
	if mempool == nil {
		return nil, fmt.Errorf("batchgen: mempool cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("batchgen: db cannot be nil")
	}
	lastId, found, err := store.CleanAndGetBatchId(epoch)
	if err != nil {
		return nil, fmt.Errorf("batchgen: recover batch id: %w", err)
	}
	start := types.BatchId(1)
	if found {
		start = lastId + 1
	}
	return &BatchGenerator{
		cfg:          cfg,
		mempool:      mempool,
		db:           store,
		epoch:        epoch,
		builder:      NewBatchBuilder(start),
		out:          out,
		logger:       log.New(log.Writer(), "[BatchGenerator] ", log.LstdFlags),
		currentRound: currentRound,
	}, nil
}

// Start launches the tick-driven run loop.
func (g *BatchGenerator) Start(ctx context.Context) {
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	g.lastEmit = time.Now()
	go g.run(ctx)
}

// Stop requests shutdown and waits for the run loop to exit. Per the
// cancellation model, no state is flushed: all durable state already lives
// in the DB.
func (g *BatchGenerator) Stop() {
	if g.stopCh == nil {
		return
	}
	close(g.stopCh)
	<-g.doneCh
}

func (g *BatchGenerator) run(ctx context.Context) {
	defer close(g.doneCh)
	ticker := time.NewTicker(g.cfg.EndBatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			if err := g.tick(ctx); err != nil {
				g.logger.Printf("tick failed, skipping: %v", err)
			}
		}
	}
}

// tick performs one mempool pull and decides whether to append or end the
// in-flight batch, per the generator's three-way decision in the design.
func (g *BatchGenerator) tick(ctx context.Context) error {
	pulled, err := g.mempool.GetBatch(ctx, g.cfg.MempoolTxnPullMaxCount, g.cfg.MempoolTxnPullMaxBytes, g.builder.Summaries())
	if err != nil {
		return fmt.Errorf("mempool pull: %w", err)
	}

	for _, tx := range pulled {
		if g.builder.WouldExceed(len(tx), g.cfg.MaxBatchBytes, g.cfg.MaxBatchCounts) {
			// Close the batch now. The tail transactions were never added
			// to the builder, so the next pull (which excludes only
			// summarized transactions) returns them again.
			if !g.builder.IsEmpty() {
				if err := g.endBatch(); err != nil {
					return err
				}
			}
			return nil
		}
		summary := summaryFor(tx)
		g.builder.Append(summary, tx)
	}

	underThresholds := len(pulled) < g.cfg.MempoolTxnPullMaxCount && uint64(sumBytes(pulled)) < g.cfg.MempoolTxnPullMaxBytes
	idleLongEnough := time.Since(g.lastEmit) >= g.cfg.EndBatchInterval

	switch {
	case g.builder.IsEmpty():
		return nil
	case underThresholds && idleLongEnough:
		return g.endBatch()
	default:
		return g.appendToBatch()
	}
}

func (g *BatchGenerator) appendToBatch() error {
	payload := g.builder.TakeSerializedTxns()
	if len(payload) == 0 {
		return nil
	}
	select {
	case g.out <- Command{Kind: CommandAppendToBatch, BatchId: g.builder.BatchId(), Payload: payload}:
	default:
		g.logger.Printf("coordinator channel full, dropping intermediate fragment for batch %d", g.builder.BatchId())
	}
	return nil
}

func (g *BatchGenerator) endBatch() error {
	id, payload := g.builder.BatchId(), g.builder.TakeSerializedTxns()
	// Persist the closing batch's id before EndBatch is emitted (New
	// resumes at the persisted id + 1), so a crash
	// between persistence and emission never replays a used id.
	if err := g.db.SaveBatchId(g.epoch, id); err != nil {
		return fmt.Errorf("persist batch id %d: %w", id, err)
	}
	finalId, _ := g.builder.EndAndReset()
	expiration := types.LogicalTime{Epoch: g.epoch, Round: g.currentRound() + types.Round(g.cfg.BatchExpiryRoundGapWhenInit)}
	g.lastEmit = time.Now()

	g.out <- Command{Kind: CommandEndBatch, BatchId: finalId, Payload: payload, Expiration: expiration}
	return nil
}

func summaryFor(tx types.SerializedTransaction) types.TransactionSummary {
	return types.TransactionSummary{Hash: types.ComputeDigest([]types.SerializedTransaction{tx})}
}

func sumBytes(txs []types.SerializedTransaction) int {
	n := 0
	for _, tx := range txs {
		n += len(tx)
	}
	return n
}
