// Copyright 2025 Certen Protocol
//
// QuorumStoreConfig loads the validator set and per-subsystem tuning
// parameters from a YAML file, following the same ${VAR}-substitution
// loader shape used for the validator's other YAML configuration.

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qstore/validator/pkg/quorumstore/aggsig"
	"github.com/qstore/validator/pkg/quorumstore/batchgen"
	"github.com/qstore/validator/pkg/quorumstore/batchstore"
	"github.com/qstore/validator/pkg/quorumstore/network"
	"github.com/qstore/validator/pkg/quorumstore/proofcoordinator"
	"github.com/qstore/validator/pkg/quorumstore/proofmanager"
	"github.com/qstore/validator/pkg/quorumstore/types"
)

// QuorumStoreConfig is the full tuning surface for one quorum store node.
type QuorumStoreConfig struct {
	Environment string `yaml:"environment"`

	Validators []ValidatorEndpoint `yaml:"validators"`

	BatchGenerator    BatchGeneratorSettings    `yaml:"batch_generator"`
	BatchStore        BatchStoreSettings        `yaml:"batch_store"`
	ProofCoordinator  ProofCoordinatorSettings  `yaml:"proof_coordinator"`
	ProofManager      ProofManagerSettings      `yaml:"proof_manager"`
}

// ValidatorEndpoint identifies one validator's network address and public
// key within the quorum.
type ValidatorEndpoint struct {
	Id          string `yaml:"id"`
	Endpoint    string `yaml:"endpoint"`
	PublicKeyHex string `yaml:"public_key_hex"`
	VotingPower uint64 `yaml:"voting_power"`
}

// BatchGeneratorSettings mirrors batchgen.Config.
type BatchGeneratorSettings struct {
	MaxBatchBytes               uint64   `yaml:"max_batch_bytes"`
	MaxBatchCounts              uint64   `yaml:"max_batch_counts"`
	MempoolTxnPullMaxCount      int      `yaml:"mempool_txn_pull_max_count"`
	MempoolTxnPullMaxBytes      uint64   `yaml:"mempool_txn_pull_max_bytes"`
	EndBatchInterval            Duration `yaml:"end_batch_interval"`
	BatchExpiryRoundGapWhenInit uint64   `yaml:"batch_expiry_round_gap_when_init"`
}

// BatchStoreSettings mirrors batchstore.Config.
type BatchStoreSettings struct {
	MemoryQuota       uint64 `yaml:"memory_quota"`
	DbQuota           uint64 `yaml:"db_quota"`
	PerPeerQuota      uint64 `yaml:"per_peer_quota"`
	GracePeriodRounds uint64 `yaml:"grace_period_rounds"`
}

// ProofCoordinatorSettings mirrors proofcoordinator.Config.
type ProofCoordinatorSettings struct {
	CollectionTimeout Duration `yaml:"collection_timeout"`
}

// ProofManagerSettings mirrors proofmanager.Config.
type ProofManagerSettings struct {
	BackPressureLocalBatchLimit uint64 `yaml:"back_pressure_local_batch_limit"`
}

// Duration decodes a YAML duration string ("500ms", "2s") into a
// time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// LoadQuorumStoreConfig reads and parses the quorum store YAML file at path,
// substituting ${VAR} references from the environment before parsing.
func LoadQuorumStoreConfig(path string) (*QuorumStoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quorum store config %s: %w", path, err)
	}
	expanded := substituteEnvVars(string(data))

	var cfg QuorumStoreConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse quorum store config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *QuorumStoreConfig) applyDefaults() {
	if c.BatchGenerator.MaxBatchBytes == 0 {
		c.BatchGenerator.MaxBatchBytes = 4 * 1024 * 1024
	}
	if c.BatchGenerator.MaxBatchCounts == 0 {
		c.BatchGenerator.MaxBatchCounts = 5000
	}
	if c.BatchGenerator.MempoolTxnPullMaxCount == 0 {
		c.BatchGenerator.MempoolTxnPullMaxCount = 2000
	}
	if c.BatchGenerator.MempoolTxnPullMaxBytes == 0 {
		c.BatchGenerator.MempoolTxnPullMaxBytes = 2 * 1024 * 1024
	}
	if c.BatchGenerator.EndBatchInterval == 0 {
		c.BatchGenerator.EndBatchInterval = Duration(250 * time.Millisecond)
	}
	if c.BatchGenerator.BatchExpiryRoundGapWhenInit == 0 {
		c.BatchGenerator.BatchExpiryRoundGapWhenInit = 30
	}
	if c.BatchStore.MemoryQuota == 0 {
		c.BatchStore.MemoryQuota = 128 * 1024 * 1024
	}
	if c.BatchStore.DbQuota == 0 {
		c.BatchStore.DbQuota = 1024 * 1024 * 1024
	}
	if c.BatchStore.PerPeerQuota == 0 {
		c.BatchStore.PerPeerQuota = 32 * 1024 * 1024
	}
	if c.BatchStore.GracePeriodRounds == 0 {
		c.BatchStore.GracePeriodRounds = 3
	}
	if c.ProofCoordinator.CollectionTimeout == 0 {
		c.ProofCoordinator.CollectionTimeout = Duration(2 * time.Second)
	}
	if c.ProofManager.BackPressureLocalBatchLimit == 0 {
		c.ProofManager.BackPressureLocalBatchLimit = 10
	}
}

// BatchGeneratorConfig converts the YAML settings to batchgen.Config.
func (c *QuorumStoreConfig) BatchGeneratorConfig() batchgen.Config {
	return batchgen.Config{
		MaxBatchBytes:               c.BatchGenerator.MaxBatchBytes,
		MaxBatchCounts:              int(c.BatchGenerator.MaxBatchCounts),
		MempoolTxnPullMaxCount:      c.BatchGenerator.MempoolTxnPullMaxCount,
		MempoolTxnPullMaxBytes:      c.BatchGenerator.MempoolTxnPullMaxBytes,
		EndBatchInterval:            c.BatchGenerator.EndBatchInterval.Duration(),
		BatchExpiryRoundGapWhenInit: c.BatchGenerator.BatchExpiryRoundGapWhenInit,
	}
}

// BatchStoreConfig converts the YAML settings to batchstore.Config.
func (c *QuorumStoreConfig) BatchStoreConfig() batchstore.Config {
	return batchstore.Config{
		MemoryQuota:       c.BatchStore.MemoryQuota,
		DbQuota:           c.BatchStore.DbQuota,
		PerPeerQuota:      c.BatchStore.PerPeerQuota,
		GracePeriodRounds: c.BatchStore.GracePeriodRounds,
	}
}

// ProofCoordinatorConfig converts the YAML settings to proofcoordinator.Config.
func (c *QuorumStoreConfig) ProofCoordinatorConfig() proofcoordinator.Config {
	return proofcoordinator.Config{CollectionTimeout: c.ProofCoordinator.CollectionTimeout.Duration()}
}

// ProofManagerConfig converts the YAML settings to proofmanager.Config.
func (c *QuorumStoreConfig) ProofManagerConfig() proofmanager.Config {
	return proofmanager.Config{BackPressureLocalBatchLimit: int(c.ProofManager.BackPressureLocalBatchLimit)}
}

// ValidatorVerifier builds an aggsig.ValidatorVerifier from the configured
// validator set, decoding each entry's hex-encoded public key.
func (c *QuorumStoreConfig) ValidatorVerifier() (*aggsig.ValidatorVerifier, error) {
	infos := make([]aggsig.ValidatorInfo, 0, len(c.Validators))
	for _, v := range c.Validators {
		raw, err := hex.DecodeString(v.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("validator %q: decode public key: %w", v.Id, err)
		}
		pub, err := aggsig.PublicKeyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("validator %q: parse public key: %w", v.Id, err)
		}
		infos = append(infos, aggsig.ValidatorInfo{
			Id:          types.PeerId(v.Id),
			PublicKey:   pub,
			VotingPower: v.VotingPower,
		})
	}
	return aggsig.NewValidatorVerifier(infos), nil
}

// Peers returns the endpoint addresses of every validator other than self,
// for wiring into network.HTTPTransport.
func (c *QuorumStoreConfig) Peers(self types.PeerId) []network.Peer {
	out := make([]network.Peer, 0, len(c.Validators))
	for _, v := range c.Validators {
		if types.PeerId(v.Id) == self {
			continue
		}
		out = append(out, network.Peer{Id: types.PeerId(v.Id), Endpoint: v.Endpoint})
	}
	return out
}

// Validate checks the validator set is well formed: non-empty, unique ids,
// positive voting power.
func (c *QuorumStoreConfig) Validate() error {
	if len(c.Validators) == 0 {
		return fmt.Errorf("quorum store config: validators list is empty")
	}
	seen := make(map[string]struct{}, len(c.Validators))
	for _, v := range c.Validators {
		if v.Id == "" {
			return fmt.Errorf("quorum store config: validator entry missing id")
		}
		if _, dup := seen[v.Id]; dup {
			return fmt.Errorf("quorum store config: duplicate validator id %q", v.Id)
		}
		seen[v.Id] = struct{}{}
		if v.Endpoint == "" {
			return fmt.Errorf("quorum store config: validator %q missing endpoint", v.Id)
		}
		if v.VotingPower == 0 {
			return fmt.Errorf("quorum store config: validator %q has zero voting power", v.Id)
		}
	}
	return nil
}
