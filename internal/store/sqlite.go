// Package store provides storage backends for KlarePipe.
//
// This file implements an SQLite-backed key-value store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists keys in a local SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "", "ttl", cfg.TTL)

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to open connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied", "path", dsn)

	return &SQLiteStore{db: db, ttl: cfg.TTL}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, time.Now().Unix()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.Get failed", "error", err, "key", key)
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv_entries (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)`,
		key, value, expiryFor(now, s.ttl), now.Unix())
	if err != nil {
		slog.Error("SQLiteStore.Set failed", "error", err, "key", key)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	slog.Debug("SQLiteStore.Set succeeded", "key", key, "bytes", len(value))
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		slog.Error("SQLiteStore.Delete entry failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_lists WHERE key = ?`, key); err != nil {
		slog.Error("SQLiteStore.Delete list failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete list %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Append(ctx context.Context, key string, values ...string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(values) == 0 {
		return nil
	}
	now := time.Now()
	expiresAt := expiryFor(now, s.ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append to %s: %w", key, err)
	}
	defer tx.Rollback()

	for _, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_lists (key, value, expires_at, created_at) VALUES (?, ?, ?, ?)`,
			key, v, expiresAt, now.Unix()); err != nil {
			slog.Error("SQLiteStore.Append failed", "error", err, "key", key)
			return fmt.Errorf("failed to append to %s: %w", key, err)
		}
	}
	// Appending refreshes the expiry of the whole list.
	if _, err := tx.ExecContext(ctx, `UPDATE kv_lists SET expires_at = ? WHERE key = ?`, expiresAt, key); err != nil {
		return fmt.Errorf("failed to refresh expiry of %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Range(ctx context.Context, key string) ([]string, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM kv_lists WHERE key = ? AND (expires_at IS NULL OR expires_at > ?) ORDER BY id`,
		key, time.Now().Unix())
	if err != nil {
		slog.Error("SQLiteStore.Range query failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query list %s: %w", key, err)
	}
	defer rows.Close()
	return scanValues(rows, key)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// scanValues collects a single string column from rows.
func scanValues(rows *sql.Rows, key string) ([]string, error) {
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan list %s: %w", key, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate list %s: %w", key, err)
	}
	return values, nil
}
