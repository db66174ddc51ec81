// Package store provides key-value storage backends for KlarePipe.
//
// Every backend implements ContextStore: string values addressed by key, plus
// append-only string lists used for history records. Backends carry no business
// logic; key naming and record shapes belong to their callers.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ContextStore is the narrow key-value interface the conversation core depends on.
// Implementations must be safe for concurrent use.
type ContextStore interface {
	// Get returns the value for key. The boolean is false on a miss.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key, whether it holds a value or a list. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Append adds values to the end of the list stored under key.
	Append(ctx context.Context, key string, values ...string) error
	// Range returns every element of the list stored under key, oldest first.
	Range(ctx context.Context, key string) ([]string, error)
	// Close releases the underlying connection.
	Close() error
}

// ErrEmptyKey is returned when an operation is called with an empty key.
var ErrEmptyKey = errors.New("store: empty key")

// DSN types recognized by DetectDSNType.
const (
	DSNTypeMemory   = "memory"
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
	DSNTypeRedis    = "redis"
)

// Opts holds configuration shared by the store backends.
type Opts struct {
	DSN string        // connection string: file path, postgres DSN or redis URL
	TTL time.Duration // expiry applied on every write; zero disables expiry
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the connection string; the backend is picked by DetectDSNType.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithTTL sets a time-based expiry for written keys.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// DetectDSNType classifies a connection string as postgres, redis, sqlite or memory.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case d == "" || d == ":memory:" || d == "memory://":
		return DSNTypeMemory
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(d, "host=") && strings.Contains(d, "dbname="):
		return DSNTypePostgres
	case strings.HasPrefix(d, "redis://"), strings.HasPrefix(d, "rediss://"), strings.HasPrefix(d, "unix://"):
		return DSNTypeRedis
	default:
		return DSNTypeSQLite
	}
}

// New opens the backend selected by the configured DSN.
func New(opts ...Option) (ContextStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	kind := DetectDSNType(cfg.DSN)
	slog.Debug("store.New: selecting backend", "type", kind, "ttl", cfg.TTL)
	switch kind {
	case DSNTypeMemory:
		return NewInMemoryStore(opts...), nil
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	case DSNTypeRedis:
		return NewRedisStore(opts...)
	case DSNTypeSQLite:
		return NewSQLiteStore(opts...)
	}
	return nil, fmt.Errorf("unsupported DSN type %q", kind)
}

// expiryFor returns the absolute expiry for a write at now, or nil when ttl is disabled.
func expiryFor(now time.Time, ttl time.Duration) interface{} {
	if ttl <= 0 {
		return nil
	}
	return now.Add(ttl).Unix()
}
