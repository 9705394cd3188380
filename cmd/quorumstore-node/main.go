// Copyright 2025 Certen Protocol

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qstore/validator/pkg/config"
	"github.com/qstore/validator/pkg/quorumstore/aggsig"
	"github.com/qstore/validator/pkg/quorumstore/auditlog"
	"github.com/qstore/validator/pkg/quorumstore/batchcoordinator"
	"github.com/qstore/validator/pkg/quorumstore/batchgen"
	"github.com/qstore/validator/pkg/quorumstore/batchstore"
	"github.com/qstore/validator/pkg/quorumstore/db"
	"github.com/qstore/validator/pkg/quorumstore/external"
	"github.com/qstore/validator/pkg/quorumstore/metrics"
	"github.com/qstore/validator/pkg/quorumstore/network"
	"github.com/qstore/validator/pkg/quorumstore/proofcoordinator"
	"github.com/qstore/validator/pkg/quorumstore/proofmanager"
	"github.com/qstore/validator/pkg/quorumstore/types"
)

// localSigner implements batchstore.Signer over this node's own BLS
// private key.
type localSigner struct {
	sk *aggsig.PrivateKey
}

func (s *localSigner) Sign(info types.SignedDigestInfo) ([]byte, error) {
	return s.sk.SignDigestInfo(info).Bytes(), nil
}

// roundClock is shared by BatchGenerator (to stamp batch expirations) and
// BatchStore (to drive certified-round expiry). A real node advances it
// from committed-block notifications; here it is a plain mutex-guarded
// counter the commit-notification handler bumps.
type roundClock struct {
	mu    sync.Mutex
	round types.Round
}

func (r *roundClock) current() types.Round {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round
}

func (r *roundClock) advance(round types.Round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if round > r.round {
		r.round = round
	}
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		validatorID = flag.String("validator-id", "", "Validator ID (overrides VALIDATOR_ID env var)")
		showHelp    = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()
	if *showHelp {
		printHelp()
		return
	}

	log.Printf("starting quorum store node")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if *validatorID != "" {
		cfg.ValidatorID = *validatorID
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	qsCfg, err := config.LoadQuorumStoreConfig(cfg.QuorumStoreConfigPath)
	if err != nil {
		log.Fatalf("load quorum store config: %v", err)
	}

	self := types.PeerId(cfg.ValidatorID)
	verifier, err := qsCfg.ValidatorVerifier()
	if err != nil {
		log.Fatalf("build validator verifier: %v", err)
	}
	if _, ok := verifier.PublicKey(self); !ok {
		log.Fatalf("validator id %q is not present in the configured validator set", self)
	}

	sk, err := loadOrGeneratePrivateKey(cfg.DataDir)
	if err != nil {
		log.Fatalf("load signing key: %v", err)
	}
	signer := &localSigner{sk: sk}

	kv, err := db.NewRealKV(cfg.ValidatorID, cfg.DataDir)
	if err != nil {
		log.Fatalf("open key-value store: %v", err)
	}
	qsdb := db.NewQuorumStoreDB(kv)

	epoch := types.Epoch(1)
	clock := &roundClock{}

	peers := qsCfg.Peers(self)
	transport := network.NewHTTPTransport(self, peers, 10*time.Second)

	var quorumPeers []types.PeerId
	for _, v := range qsCfg.Validators {
		quorumPeers = append(quorumPeers, types.PeerId(v.Id))
	}

	store := batchstore.New(qsCfg.BatchStoreConfig(), qsdb, transport, signer, quorumPeers)
	reader := batchstore.NewReader(store)

	proofCoord := proofcoordinator.New(qsCfg.ProofCoordinatorConfig(), verifier)
	proofMgr := proofmanager.New(qsCfg.ProofManagerConfig())

	coordinator := batchcoordinator.New(epoch, self, transport, store, proofCoord)

	mempool := external.NewInMemoryMempool()
	commandCh := make(chan batchgen.Command, 64)
	generator, err := batchgen.New(qsCfg.BatchGeneratorConfig(), mempool, qsdb, epoch, commandCh, clock.current)
	if err != nil {
		log.Fatalf("build batch generator: %v", err)
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(registry)

	var auditLog *auditlog.Log
	if cfg.AuditDatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		auditCfg := auditlog.DefaultConfig()
		auditCfg.DatabaseURL = cfg.AuditDatabaseURL
		auditLog, err = auditlog.Open(ctx, auditCfg)
		cancel()
		if err != nil {
			log.Printf("audit log disabled: %v", err)
			auditLog = nil
		}
	}

	listener := network.NewListener(self, coordinator, reader, reader, proofCoord, proofMgr, transport)

	ctx, cancel := context.WithCancel(context.Background())

	// Drain BatchGenerator's commands into BatchCoordinator. EndBatch's
	// returned channel is forwarded to ProofManager and, on success, the
	// audit log.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd, ok := <-commandCh:
				if !ok {
					return
				}
				if cmd.Kind == batchgen.CommandEndBatch {
					proofCh, err := coordinator.EndBatch(ctx, cmd.Payload, cmd.BatchId, cmd.Expiration)
					if err != nil {
						log.Printf("end batch %d: %v", cmd.BatchId, err)
						continue
					}
					go awaitProof(ctx, proofCh, proofMgr, auditLog, collectors)
					continue
				}
				if err := coordinator.AppendToBatch(ctx, cmd.Payload, cmd.BatchId); err != nil {
					log.Printf("append to batch %d: %v", cmd.BatchId, err)
				}
			}
		}
	}()

	generator.Start(ctx)
	proofCoord.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","backpressure":%v}`, proofMgr.Backpressure())
	})
	// commitNotificationHandler is the seam the owning consensus module
	// calls into on every committed block; wiring a real caller is outside
	// this subsystem's scope, so it is exposed here as a plain endpoint.
	mux.HandleFunc("/quorumstore/commit-notification", func(w http.ResponseWriter, r *http.Request) {
		var notification types.CommitNotification
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		clock.advance(notification.Time.Round)
		store.UpdateCertifiedRound(notification.Time)
		if err := proofMgr.HandleCommitNotification(notification); err != nil {
			collectors.BackpressureActive.Set(boolToFloat(proofMgr.Backpressure()))
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		collectors.BackpressureActive.Set(boolToFloat(proofMgr.Backpressure()))
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		if err := listener.Serve(cfg.ListenAddr); err != nil {
			log.Printf("network listener stopped: %v", err)
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	// coordinator, proofMgr and store have no background goroutine of their
	// own (they are driven synchronously from the command-drain loop and
	// HTTP handlers), so only the two ticker-driven actors need a Stop call
	// in the ordered shutdown chain.
	shutdownCoordinator := network.NewCoordinator(generator, nil, proofCoord, nil, nil, listener)

	log.Printf("quorum store node %s ready, listening on %s", self, cfg.ListenAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down quorum store node")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownCoordinator.Shutdown(shutdownCtx)

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
	if auditLog != nil {
		if err := auditLog.Close(); err != nil {
			log.Printf("audit log close error: %v", err)
		}
	}
	if err := kv.Close(); err != nil {
		log.Printf("key-value store close error: %v", err)
	}

	log.Printf("quorum store node stopped")
}

// awaitProof waits for a locally initiated batch's proof-of-store (or
// timeout), delivers it to ProofManager, and archives it.
func awaitProof(ctx context.Context, proofCh <-chan types.ProofResult, proofMgr *proofmanager.Manager, auditLog *auditlog.Log, collectors *metrics.Collectors) {
	select {
	case <-ctx.Done():
		return
	case result := <-proofCh:
		if result.Err != nil {
			collectors.DigestTimeoutsTotal.Inc()
			log.Printf("proof collection failed: %v", result.Err)
			return
		}
		collectors.ProofsOfStoreFormedTotal.Inc()
		proofMgr.Push(result.PoS, true)
		if auditLog != nil {
			recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			auditLog.RecordCommitted(recordCtx, result.PoS)
			cancel()
		}
	}
}

// loadOrGeneratePrivateKey loads this node's BLS signing key from
// <dataDir>/bls_key.hex, generating and persisting one on first run.
func loadOrGeneratePrivateKey(dataDir string) (*aggsig.PrivateKey, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	keyPath := dataDir + "/bls_key.hex"

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		sk, _, err := aggsig.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate bls key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(sk.Bytes())), 0600); err != nil {
			return nil, fmt.Errorf("save bls key to %s: %w", keyPath, err)
		}
		log.Printf("generated new BLS signing key at %s", keyPath)
		return sk, nil
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read bls key from %s: %w", keyPath, err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode bls key from %s: %w", keyPath, err)
	}
	return aggsig.PrivateKeyFromBytes(raw)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func printHelp() {
	fmt.Println("quorumstore-node runs one validator's quorum store actors.")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Environment variables (see pkg/config/config.go for the full list):")
	fmt.Println("  VALIDATOR_ID, QS_LISTEN_ADDR, QS_METRICS_ADDR, QS_DATA_DIR, QS_CONFIG_PATH")
}
