// Package store is the durable metadata store for builds, workers, logs,
// and telemetry, backed by SQLite.
//
// Every externally observable status change commits here before any side
// effect (queue mutation, HTTP 2xx) becomes visible. The in-memory dispatch
// queue is a cache over this store, never a source of truth.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the metadata database.
// Use ":memory:" for an in-memory database.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)", path)
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// A single connection serializes writers; with _txlock=immediate each
	// transaction holds the write lock from BEGIN, which is what gives the
	// claim path its one-winner semantics.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		status TEXT NOT NULL,
		source_path TEXT NOT NULL DEFAULT '',
		certs_path TEXT NOT NULL DEFAULT '',
		result_path TEXT NOT NULL DEFAULT '',
		worker_id TEXT NOT NULL DEFAULT '',
		access_token TEXT NOT NULL,
		vm_token TEXT NOT NULL DEFAULT '',
		vm_token_expires_at INTEGER,
		otp TEXT NOT NULL DEFAULT '',
		otp_consumed INTEGER NOT NULL DEFAULT 0,
		otp_expires_at INTEGER,
		submitted_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		last_heartbeat_at INTEGER,
		swept_at INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		retry_of TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_builds_status_submitted ON builds(status, submitted_at, id);
	CREATE INDEX IF NOT EXISTS idx_builds_worker ON builds(worker_id);
	CREATE INDEX IF NOT EXISTS idx_builds_otp ON builds(otp);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		display_name TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		access_token TEXT NOT NULL,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		first_seen_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS build_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_build_logs_build ON build_logs(build_id, ts, id);

	CREATE TABLE IF NOT EXISTS cpu_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		cpu_percent REAL NOT NULL,
		memory_mb REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cpu_snapshots_build ON cpu_snapshots(build_id, ts);

	CREATE TABLE IF NOT EXISTS retries (
		parent_id TEXT NOT NULL,
		child_id TEXT NOT NULL,
		PRIMARY KEY (parent_id, child_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q resolves the effective querier for a method that may run inside a caller
// transaction.
func (s *Store) q(txOrNil *sql.Tx) Querier {
	if txOrNil != nil {
		return txOrNil
	}
	return s.db
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error. When txOrNil is non-nil fn joins the existing transaction and the
// outermost caller owns commit/rollback.
func (s *Store) WithTx(ctx context.Context, txOrNil *sql.Tx, fn func(tx *sql.Tx) error) error {
	if txOrNil != nil {
		return fn(txOrNil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Time columns hold Unix nanoseconds.

func toNano(t time.Time) int64 { return t.UnixNano() }

func toNanoPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNano(v int64) time.Time { return time.Unix(0, v) }

func fromNanoPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
