// Package store provides storage backends for KlarePipe.
//
// This file implements a PostgreSQL-backed key-value store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists keys in PostgreSQL. The pool is shared by all turns.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "", "ttl", cfg.TTL)

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")

	return &PostgresStore{db: db, ttl: cfg.TTL}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, time.Now().Unix()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		slog.Error("PostgresStore.Get failed", "error", err, "key", key)
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		key, value, expiryFor(now, s.ttl), now.Unix())
	if err != nil {
		slog.Error("PostgresStore.Set failed", "error", err, "key", key)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	slog.Debug("PostgresStore.Set succeeded", "key", key, "bytes", len(value))
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		slog.Error("PostgresStore.Delete entry failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_lists WHERE key = $1`, key); err != nil {
		slog.Error("PostgresStore.Delete list failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete list %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Append(ctx context.Context, key string, values ...string) error {
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
			`INSERT INTO kv_lists (key, value, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
			key, v, expiresAt, now.Unix()); err != nil {
			slog.Error("PostgresStore.Append failed", "error", err, "key", key)
			return fmt.Errorf("failed to append to %s: %w", key, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE kv_lists SET expires_at = $1 WHERE key = $2`, expiresAt, key); err != nil {
		return fmt.Errorf("failed to refresh expiry of %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Range(ctx context.Context, key string) ([]string, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM kv_lists WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2) ORDER BY id`,
		key, time.Now().Unix())
	if err != nil {
		slog.Error("PostgresStore.Range query failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query list %s: %w", key, err)
	}
	defer rows.Close()
	return scanValues(rows, key)
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
