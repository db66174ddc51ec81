package store

import (
	"context"
	"sync"
	"time"
)

type memoryValue struct {
	value     string
	expiresAt time.Time
}

type memoryList struct {
	items     []string
	expiresAt time.Time
}

// InMemoryStore is a process-local ContextStore used when no DSN is configured and in tests.
type InMemoryStore struct {
	mu     sync.RWMutex
	values map[string]memoryValue
	lists  map[string]memoryList
	ttl    time.Duration
	now    func() time.Time
}

// NewInMemoryStore creates an empty in-memory store. Only the TTL option is honored.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &InMemoryStore{
		values: make(map[string]memoryValue),
		lists:  make(map[string]memoryList),
		ttl:    cfg.TTL,
		now:    time.Now,
	}
}

func (s *InMemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !s.now().Before(at)
}

func (s *InMemoryStore) expiry() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(s.ttl)
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok || s.expired(v.expiresAt) {
		return "", false, nil
	}
	return v.value, true, nil
}

func (s *InMemoryStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memoryValue{value: value, expiresAt: s.expiry()}
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.lists, key)
	return nil
}

func (s *InMemoryStore) Append(ctx context.Context, key string, values ...string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	if s.expired(l.expiresAt) {
		l.items = nil
	}
	l.items = append(l.items, values...)
	l.expiresAt = s.expiry()
	s.lists[key] = l
	return nil
}

func (s *InMemoryStore) Range(ctx context.Context, key string) ([]string, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[key]
	if !ok || s.expired(l.expiresAt) {
		return nil, nil
	}
	out := make([]string, len(l.items))
	copy(out, l.items)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
