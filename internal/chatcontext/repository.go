// Package chatcontext owns the per-user conversation Context record.
//
// Repository hides the key layout of the Context and history records and
// implements the merge semantics used by every turn. Read-modify-write
// operations are not atomic: two concurrent merges for the same user can lose
// one of the writes (last write wins). Callers that need strict ordering must
// serialize turns per user themselves.
package chatcontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/BTreeMap/KlarePipe/internal/store"
	"github.com/google/uuid"
)

// DefaultKeyPrefix is the namespace used for context and history keys.
const DefaultKeyPrefix = "msg"

// Opts holds configuration for a Repository.
type Opts struct {
	KeyPrefix string
}

// Option defines a configuration option for a Repository.
type Option func(*Opts)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) {
		o.KeyPrefix = prefix
	}
}

// Repository reads and mutates Context records on top of a store.ContextStore.
type Repository struct {
	store  store.ContextStore
	prefix string
	now    func() time.Time
}

// NewRepository creates a Repository over the given store.
func NewRepository(st store.ContextStore, opts ...Option) *Repository {
	cfg := Opts{KeyPrefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Repository{
		store:  st,
		prefix: strings.TrimSuffix(cfg.KeyPrefix, ":"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ContextKey returns the store key of the user's Context record.
func (r *Repository) ContextKey(userID string) string {
	return r.prefix + ":context:" + userID
}

// HistoryKey returns the store key of the user's history record.
func (r *Repository) HistoryKey(userID string) string {
	return r.prefix + ":history:" + userID
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return &models.ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	return nil
}

// Get returns the stored Context, or nil when the user has none.
func (r *Repository) Get(ctx context.Context, userID string) (*models.Context, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	key := r.ContextKey(userID)
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		slog.Error("Repository.Get: store read failed", "error", err, "user_id", userID)
		return nil, &models.StoreAccessError{Op: "get", Key: key, Err: err}
	}
	if !ok {
		return nil, nil
	}

	var c models.Context
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		slog.Error("Repository.Get: malformed context payload", "error", err, "user_id", userID)
		return nil, &models.StoreAccessError{Op: "get", Key: key, Err: fmt.Errorf("decode context: %w", err)}
	}
	return &c, nil
}

// Save overwrites the user's Context record.
func (r *Repository) Save(ctx context.Context, userID string, c models.Context) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	key := r.ContextKey(userID)
	data, err := json.Marshal(c)
	if err != nil {
		return &models.StoreAccessError{Op: "set", Key: key, Err: fmt.Errorf("encode context: %w", err)}
	}
	if err := r.store.Set(ctx, key, string(data)); err != nil {
		slog.Error("Repository.Save: store write failed", "error", err, "user_id", userID)
		return &models.StoreAccessError{Op: "set", Key: key, Err: err}
	}
	slog.Debug("Repository.Save: context written", "user_id", userID, "flow", c.Flow, "bytes", len(data))
	return nil
}

// Update merges patch over an existing Context. It fails with
// models.ErrContextNotFound when the user has no Context.
func (r *Repository) Update(ctx context.Context, userID string, patch models.ContextPatch) error {
	current, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}
	if current == nil {
		slog.Debug("Repository.Update: no context to update", "user_id", userID)
		return fmt.Errorf("update context for %s: %w", userID, models.ErrContextNotFound)
	}
	return r.Save(ctx, userID, r.merge(*current, patch))
}

// Upsert merges patch over the user's Context, starting from an empty Context
// when none exists yet.
func (r *Repository) Upsert(ctx context.Context, userID string, patch models.ContextPatch) error {
	current, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}

	var base models.Context
	if current != nil {
		base = *current
	} else {
		sessionID := ""
		if patch.SessionID != nil {
			sessionID = *patch.SessionID
		}
		base = emptyContext(sessionID)
		base.UserID = userID
		slog.Debug("Repository.Upsert: creating context", "user_id", userID, "session_id", base.SessionID)
	}
	return r.Save(ctx, userID, r.merge(base, patch))
}

func (r *Repository) merge(base models.Context, patch models.ContextPatch) models.Context {
	merged := base.Apply(patch)
	merged.LastUpdated = r.now()
	return merged
}

// emptyContext is the only place a default Context is built.
func emptyContext(sessionID string) models.Context {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return models.Context{
		SessionID: sessionID,
		Flow:      models.FlowNormal,
	}
}

// Clear deletes both the Context and the history record. Both deletes are
// always attempted; if either fails the error reports the partial state.
func (r *Repository) Clear(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	contextKey, historyKey := r.ContextKey(userID), r.HistoryKey(userID)

	var errs []error
	if err := r.store.Delete(ctx, contextKey); err != nil {
		errs = append(errs, fmt.Errorf("delete %s: %w", contextKey, err))
	}
	if err := r.store.Delete(ctx, historyKey); err != nil {
		errs = append(errs, fmt.Errorf("delete %s: %w", historyKey, err))
	}
	if len(errs) > 0 {
		slog.Error("Repository.Clear: partial clear", "user_id", userID, "failed", len(errs))
		return &models.StoreAccessError{Op: "clear", Key: contextKey, Err: errors.Join(errs...)}
	}
	slog.Debug("Repository.Clear: context and history removed", "user_id", userID)
	return nil
}

// AppendHistory appends turns to the user's history record.
func (r *Repository) AppendHistory(ctx context.Context, userID string, msgs ...models.Message) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	key := r.HistoryKey(userID)
	entries := make([]string, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return &models.StoreAccessError{Op: "append", Key: key, Err: err}
		}
		entries = append(entries, string(data))
	}
	if err := r.store.Append(ctx, key, entries...); err != nil {
		slog.Error("Repository.AppendHistory: store append failed", "error", err, "user_id", userID)
		return &models.StoreAccessError{Op: "append", Key: key, Err: err}
	}
	return nil
}

// History returns the user's history record, oldest first.
func (r *Repository) History(ctx context.Context, userID string) ([]models.Message, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	key := r.HistoryKey(userID)
	entries, err := r.store.Range(ctx, key)
	if err != nil {
		slog.Error("Repository.History: store read failed", "error", err, "user_id", userID)
		return nil, &models.StoreAccessError{Op: "range", Key: key, Err: err}
	}
	msgs := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		var m models.Message
		if err := json.Unmarshal([]byte(e), &m); err != nil {
			return nil, &models.StoreAccessError{Op: "range", Key: key, Err: fmt.Errorf("decode history entry: %w", err)}
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
