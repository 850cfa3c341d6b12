// Package db provides the durable local store for the offline sync core.
//
// The store persists entity snapshots, the mutation queue, the conflict log
// and the durable tier of the cache in an embedded SQLite database running in
// WAL mode, so that readers never wait on the sync writer for longer than a
// single record update.
//
// Architecture:
//   - Database file: .offsync/offsync.db
//   - Tables: entities, mutations, conflicts, cache_entries
//   - Writes are serialized through one mutex; each application-layer write
//     (optimistic snapshot + enqueue) commits in a single transaction
//   - The local view of an entity is always the last server-confirmed state
//     with the entity's remaining queued mutations folded over it, so
//     settling or discarding a mutation rebuilds the view instead of
//     patching it
//
// Timestamps are stored as Unix nanoseconds so they round-trip exactly and
// order correctly in SQL.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection pool with the store operations.
type DB struct {
	conn *sql.DB
	path string

	// writeMu serializes write transactions. SQLite allows one writer at a
	// time; taking the lock in Go avoids SQLITE_BUSY under the sync pool.
	writeMu sync.Mutex

	quota Quota
}

// Open creates a new database connection at the specified path.
//
// The database is opened with WAL journaling, a 5 second busy timeout and
// foreign keys enabled on every pooled connection. The caller MUST call
// Close() when done.
//
// Example:
//
//	store, err := db.Open(".offsync/offsync.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so each pooled connection gets them.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=synchronous(normal)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn: conn,
		path: path,
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the database connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Local view (fields/deleted/source/modified_at) plus the last
	-- server-confirmed state it was folded from.
	CREATE TABLE IF NOT EXISTS entities (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 0,
		fields TEXT NOT NULL,  -- JSON object
		deleted INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		modified_at INTEGER NOT NULL,
		has_server INTEGER NOT NULL DEFAULT 0,
		server_fields TEXT NOT NULL DEFAULT '{}',
		server_deleted INTEGER NOT NULL DEFAULT 0,
		server_modified_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE TABLE IF NOT EXISTS mutations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL,
		base_fields TEXT NOT NULL,
		base_revision INTEGER NOT NULL DEFAULT 0,
		local_timestamp INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		failure_kind TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		mutation_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		strategy TEXT NOT NULL,
		record TEXT NOT NULL,  -- full ConflictRecord JSON
		detected_at INTEGER NOT NULL,
		closed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		query TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL,
		policy TEXT NOT NULL,
		stale INTEGER NOT NULL DEFAULT 0,
		fetched_at INTEGER NOT NULL,
		accessed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_entity ON mutations(entity_type, entity_id, seq);
	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status, detected_at);
	CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_cache_entity ON cache_entries(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_cache_accessed ON cache_entries(accessed_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// withTx runs fn inside a write transaction, serialized with other writers.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
