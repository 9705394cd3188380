package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:26800" {
		t.Fatalf("ListenAddr default = %q", cfg.ListenAddr)
	}
	if cfg.MetricsAddr != "0.0.0.0:9090" {
		t.Fatalf("MetricsAddr default = %q", cfg.MetricsAddr)
	}
	if cfg.DBMaxOpenConns != 16 {
		t.Fatalf("DBMaxOpenConns default = %d, want 16", cfg.DBMaxOpenConns)
	}
	if cfg.DBConnMaxLifetime != time.Hour {
		t.Fatalf("DBConnMaxLifetime default = %v, want 1h", cfg.DBConnMaxLifetime)
	}
	if cfg.AuditDatabaseURL != "" {
		t.Fatalf("AuditDatabaseURL default should be empty, got %q", cfg.AuditDatabaseURL)
	}
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("VALIDATOR_ID", "validator-7")
	t.Setenv("QS_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("QS_DB_MAX_OPEN_CONNS", "32")
	t.Setenv("QS_DB_CONN_MAX_LIFETIME", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ValidatorID != "validator-7" {
		t.Fatalf("ValidatorID = %q, want validator-7", cfg.ValidatorID)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr = %q, want the overridden value", cfg.ListenAddr)
	}
	if cfg.DBMaxOpenConns != 32 {
		t.Fatalf("DBMaxOpenConns = %d, want 32", cfg.DBMaxOpenConns)
	}
	if cfg.DBConnMaxLifetime != 10*time.Minute {
		t.Fatalf("DBConnMaxLifetime = %v, want 10m", cfg.DBConnMaxLifetime)
	}
}

func TestLoadIgnoresMalformedIntOverride(t *testing.T) {
	t.Setenv("QS_DB_MAX_OPEN_CONNS", "not-a-number")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBMaxOpenConns != 16 {
		t.Fatalf("malformed int override should fall back to the default, got %d", cfg.DBMaxOpenConns)
	}
}

func TestValidateRequiresCoreFields(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate on an empty Config should fail")
	}

	cfg = &Config{ValidatorID: "v", ListenAddr: "127.0.0.1:1", QuorumStoreConfigPath: "./x.yaml"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with all core fields set: %v", err)
	}
}
