// Package ostore owns the single SQLite connection Ocean's durable state
// lives behind and the schema migration that creates its eight tables. It
// performs no business logic of its own — callers (internal/orun,
// internal/otick, internal/oevents) issue their own SQL against the
// connection this package opens and migrates.
package ostore

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "ocean-v1-runs-ticks-storage-events"
)

// DB wraps the single *sql.DB connection to Ocean's SQLite file. SQLite only
// enforces foreign keys per-connection, and concurrent writers against one
// file thrash under SQLITE_BUSY, so Ocean pins a single open connection and
// retries transient busy errors with bounded jittered backoff rather than
// fanning out a pool.
type DB struct {
	*sql.DB
}

// Open opens (creating if absent) the SQLite database at path, enables
// foreign keys and WAL journaling, and pins the connection pool to one
// connection. It does not apply the schema — call Migrate for that.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("ostore: empty database path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ostore: create db directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ostore: open sqlite3: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := &DB{DB: sqlDB}
	if err := db.configurePragmas(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA foreign_keys=ON;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("ostore: set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// Migrate applies the schema. It is idempotent and safe to call from every
// process on every boot — no long-running process owns schema setup, so
// whichever caller happens to run first creates the tables.
func (db *DB) Migrate(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ostore: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("ostore: create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("ostore: read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("ostore: db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("ostore: read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("ostore: schema checksum mismatch: got %q want %q", existing, schemaChecksum)
		}
		return tx.Commit()
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ostore: exec migration: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ostore: exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("ostore: insert schema ledger: %w", err)
	}
	return tx.Commit()
}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS ocean_sessions (
		session_id TEXT PRIMARY KEY,
		created_ts INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES ocean_sessions(session_id) ON DELETE CASCADE,
		clog_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('idle','pending','active','waiting','done','failed')),
		state JSON NOT NULL DEFAULT '{}',
		locked_by TEXT,
		lock_expires_at INTEGER,
		attempt INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		wake_at INTEGER,
		pending_input JSON,
		last_error TEXT,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS ocean_ticks (
		run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		tick_id TEXT NOT NULL,
		created_ts INTEGER NOT NULL,
		PRIMARY KEY (run_id, tick_id)
	);`,
	`CREATE TABLE IF NOT EXISTS ocean_storage_global (
		clog_id TEXT PRIMARY KEY,
		value JSON NOT NULL,
		updated_ts INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS ocean_storage_session (
		clog_id TEXT NOT NULL,
		session_id TEXT NOT NULL REFERENCES ocean_sessions(session_id) ON DELETE CASCADE,
		value JSON NOT NULL,
		updated_ts INTEGER NOT NULL,
		PRIMARY KEY (clog_id, session_id)
	);`,
	`CREATE TABLE IF NOT EXISTS ocean_storage_run (
		clog_id TEXT NOT NULL,
		run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		value JSON NOT NULL,
		updated_ts INTEGER NOT NULL,
		PRIMARY KEY (clog_id, run_id)
	);`,
	`CREATE TABLE IF NOT EXISTS ocean_storage_tick (
		clog_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		tick_id TEXT NOT NULL,
		row_id TEXT NOT NULL,
		value JSON NOT NULL,
		updated_ts INTEGER NOT NULL,
		PRIMARY KEY (clog_id, run_id, tick_id, row_id),
		FOREIGN KEY (run_id, tick_id) REFERENCES ocean_ticks(run_id, tick_id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		ts INTEGER NOT NULL,
		scope_kind TEXT NOT NULL CHECK(scope_kind IN ('global','session','run','tick')),
		session_id TEXT,
		run_id TEXT,
		tick_id TEXT,
		type TEXT NOT NULL,
		payload JSON NOT NULL
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_events_tick_seq ON events(tick_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status_wake ON runs(status, wake_at);`,
	`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);`,
}

// RetryOnBusy retries f when SQLite reports BUSY or LOCKED, with bounded
// exponential backoff and jitter. maxRetries=5 adds roughly 0.6s of total
// wait on top of the driver's own busy_timeout.
func RetryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 250 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
