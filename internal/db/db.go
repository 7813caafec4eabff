// Package db provides the embedded SQLite database that backs the local
// store.
//
// The database holds serialized blobs under string keys. It runs in WAL
// mode so a long-running sync daemon and one-shot CLI commands can share
// the same file.
//
// Layout:
//   - Database file: ~/.quittances/state.db (configurable)
//   - Table kv: key -> JSON value, last write time
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrClosed is returned by operations on a closed database.
var ErrClosed = errors.New("database is closed")

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path and initializes its schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open("/home/me/.quittances/state.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.conn.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
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

// InitSchemaContext creates the kv table if it doesn't exist. Idempotent.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Get returns the blob stored under key. ok is false when the key is absent.
func (db *DB) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	if db.conn == nil {
		return nil, false, ErrClosed
	}

	var s string
	err = db.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return []byte(s), true, nil
}

// Put inserts or replaces the blob under key.
func (db *DB) Put(ctx context.Context, key string, value []byte) error {
	if db.conn == nil {
		return ErrClosed
	}

	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	_, err := db.conn.ExecContext(ctx, query, key, string(value), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Returns nil if the key doesn't exist (idempotent).
func (db *DB) Delete(ctx context.Context, key string) error {
	if db.conn == nil {
		return ErrClosed
	}

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Keys lists stored keys in lexical order.
func (db *DB) Keys(ctx context.Context) ([]string, error) {
	if db.conn == nil {
		return nil, ErrClosed
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
