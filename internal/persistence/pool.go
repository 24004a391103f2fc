// Package persistence implements the primary SQLite store: a bounded
// connection pool plus task and step repositories with transient-failure
// retry.
package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// PoolConfig configures the connection pool.
type PoolConfig struct {
	Path           string
	Size           int
	AcquireTimeout time.Duration
	BusyTimeout    time.Duration
	CacheKB        int
}

// DefaultPoolConfig returns the default pool configuration for a database
// path.
func DefaultPoolConfig(path string) PoolConfig {
	return PoolConfig{
		Path:           path,
		Size:           5,
		AcquireTimeout: 5 * time.Second,
		BusyTimeout:    10 * time.Second,
		CacheKB:        10000,
	}
}

// Pool is a bounded pool of connections to the embedded store. Acquire
// blocks up to the configured timeout; expiry surfaces as a pool-exhausted
// error.
type Pool struct {
	db  *sql.DB
	cfg PoolConfig
}

// OpenPool opens the database, applies pragmas and migrations, and bounds
// the connection count.
func OpenPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 5
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 10 * time.Second
	}
	if cfg.CacheKB <= 0 {
		cfg.CacheKB = 10000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// WAL with synchronous=NORMAL trades the last commit in a power loss
	// for much lower fsync pressure; the backup side channel covers the gap.
	dsn := fmt.Sprintf(
		"%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=cache_size(-%d)",
		cfg.Path, cfg.BusyTimeout.Milliseconds(), cfg.CacheKB,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Size)
	db.SetMaxIdleConns(cfg.Size)
	db.SetConnMaxLifetime(0)

	p := &Pool{db: db, cfg: cfg}
	if err := p.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return p, nil
}

func (p *Pool) migrate() error {
	var version int
	err := p.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}

	if version < 1 {
		if _, err := p.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Acquire checks out a connection, blocking up to the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		// Only the acquire timeout counts as exhaustion; the caller's own
		// deadline or cancellation is reported as-is.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, core.ErrPoolExhausted(
				fmt.Sprintf("no connection available within %s", p.cfg.AcquireTimeout)).WithCause(err)
		}
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return conn, nil
}

// Release returns a connection unconditionally.
func (p *Pool) Release(conn *sql.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

// Stats exposes pool statistics.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

// Size returns the configured pool size.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Path returns the database file path.
func (p *Pool) Path() string {
	return p.cfg.Path
}

// Close closes the pool and all its connections.
func (p *Pool) Close() error {
	return p.db.Close()
}
