// Package store provides storage backends for KlarePipe.
//
// This file implements a Redis-backed key-value store.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps values as Redis strings and lists as Redis lists.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the Redis URL set in the options and verifies it with PING.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("RedisStore.NewRedisStore: creating Redis store", "URL_set", cfg.DSN != "", "ttl", cfg.TTL)

	if cfg.DSN == "" {
		slog.Error("RedisStore URL not set")
		return nil, fmt.Errorf("redis URL not set")
	}
	redisOpts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		slog.Error("RedisStore.NewRedisStore: invalid URL", "error", err)
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("RedisStore.NewRedisStore: ping failed", "error", err, "addr", redisOpts.Addr)
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", redisOpts.Addr, err)
	}
	slog.Debug("RedisStore.NewRedisStore: connected", "addr", redisOpts.Addr, "db", redisOpts.DB)

	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		slog.Error("RedisStore.Get failed", "error", err, "key", key)
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.client.Set(ctx, key, value, s.ttl).Err(); err != nil {
		slog.Error("RedisStore.Set failed", "error", err, "key", key)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		slog.Error("RedisStore.Delete failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, key string, values ...string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, args...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore.Append failed", "error", err, "key", key)
		return fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Range(ctx context.Context, key string) ([]string, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	values, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		slog.Error("RedisStore.Range failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to read list %s: %w", key, err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
