// Copyright 2025 Certen Protocol
//
// auditlog archives committed proof-of-store metadata to Postgres for
// long-term operational queries, once a PoS is marked committed and
// eventually evicted from the hot KV path. This is a supplemental feature,
// not required for core correctness; the quorum store functions with a nil
// *Log. Modeled on pkg/database/client.go's connection pooling and
// embedded-migration shape.

package auditlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds connection-pool tunables for the audit log.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultConfig() Config {
	return Config{MaxOpenConns: 8, MaxIdleConns: 2, ConnMaxLifetime: time.Hour}
}

// Log is the audit trail handle.
type Log struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to Postgres, runs pending migrations, and returns a ready
// Log. A disabled (empty DatabaseURL) configuration is a misuse error: the
// owner should simply skip constructing a Log if auditing is turned off.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("auditlog: database URL cannot be empty")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: ping database: %w", err)
	}

	l := &Log{db: db, logger: log.New(log.Writer(), "[AuditLog] ", log.LstdFlags)}
	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("auditlog: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("auditlog: read migration %s: %w", name, err)
		}
		if _, err := l.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("auditlog: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (l *Log) Close() error {
	return l.db.Close()
}

// RecordCommitted archives one committed proof of store. Failures here are
// logged and swallowed: the audit log is an operational convenience, never
// a correctness dependency for the hot path.
func (l *Log) RecordCommitted(ctx context.Context, pos types.ProofOfStore) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO committed_proofs (digest, author, num_txns, num_bytes, expiration_epoch, expiration_round)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (digest) DO NOTHING
	`, pos.Info.Digest.Hex(), firstSigner(pos), pos.Info.NumTxns, pos.Info.NumBytes, pos.Info.Expiration.Epoch, pos.Info.Expiration.Round)
	if err != nil {
		l.logger.Printf("record committed proof %s: %v", pos.Info.Digest, err)
	}
}

func firstSigner(pos types.ProofOfStore) string {
	if len(pos.Signers) == 0 {
		return ""
	}
	return string(pos.Signers[0])
}

// CommittedCount returns how many proofs have been archived, for operator
// diagnostics and tests.
func (l *Log) CommittedCount(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM committed_proofs").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("auditlog: count committed proofs: %w", err)
	}
	return n, nil
}
