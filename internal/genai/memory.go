package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/BTreeMap/KlarePipe/internal/store"
)

// DefaultMemoryWindow is the number of most recent messages replayed to the model.
const DefaultMemoryWindow = 20

// SessionMemory keeps the backend's chat history per session in a ContextStore list.
type SessionMemory struct {
	store  store.ContextStore
	prefix string
	window int
}

// NewSessionMemory creates a memory under keys "<prefix>:memory:<sessionId>".
// A window of zero or less replays the full history.
func NewSessionMemory(st store.ContextStore, prefix string, window int) *SessionMemory {
	if prefix == "" {
		prefix = "msg"
	}
	return &SessionMemory{
		store:  st,
		prefix: strings.TrimSuffix(prefix, ":"),
		window: window,
	}
}

// Key returns the store key for a session.
func (m *SessionMemory) Key(sessionID string) string {
	return m.prefix + ":memory:" + sessionID
}

// Load returns the most recent messages of a session, oldest first. Failures
// are *models.StoreAccessError.
func (m *SessionMemory) Load(ctx context.Context, sessionID string) ([]models.Message, error) {
	key := m.Key(sessionID)
	entries, err := m.store.Range(ctx, key)
	if err != nil {
		return nil, &models.StoreAccessError{Op: "range", Key: key, Err: err}
	}
	if m.window > 0 && len(entries) > m.window {
		entries = entries[len(entries)-m.window:]
	}
	msgs := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		var msg models.Message
		if err := json.Unmarshal([]byte(e), &msg); err != nil {
			return nil, &models.StoreAccessError{Op: "range", Key: key, Err: fmt.Errorf("decode session memory entry: %w", err)}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Append adds messages to a session's memory.
func (m *SessionMemory) Append(ctx context.Context, sessionID string, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	entries := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		entries = append(entries, string(data))
	}
	if err := m.store.Append(ctx, m.Key(sessionID), entries...); err != nil {
		return fmt.Errorf("append session memory: %w", err)
	}
	return nil
}
