package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DedupKeyPrefix namespaces inbound message records.
const DedupKeyPrefix = "dedup:"

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"messageId"`
	UserID      string     `json:"userId"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// IsDuplicate reports whether a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound records a new inbound message. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, userID string) (bool, error)

	// MarkProcessed sets the processed timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

// KVDedupRepo implements DedupRepo on any ContextStore. Check and record are
// not atomic; callers must not race on the same message ID.
type KVDedupRepo struct {
	store ContextStore
	now   func() time.Time
}

// Compile-time check that KVDedupRepo implements DedupRepo.
var _ DedupRepo = (*KVDedupRepo)(nil)

// NewDedupRepo creates a DedupRepo backed by st.
func NewDedupRepo(st ContextStore) *KVDedupRepo {
	return &KVDedupRepo{store: st, now: time.Now}
}

func dedupKey(messageID string) string {
	return DedupKeyPrefix + messageID
}

func (r *KVDedupRepo) load(ctx context.Context, messageID string) (*DedupRecord, error) {
	raw, ok, err := r.store.Get(ctx, dedupKey(messageID))
	if err != nil {
		return nil, fmt.Errorf("dedup check failed: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var rec DedupRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("dedup record %s is corrupt: %w", messageID, err)
	}
	return &rec, nil
}

func (r *KVDedupRepo) save(ctx context.Context, rec *DedupRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, dedupKey(rec.MessageID), string(data))
}

func (r *KVDedupRepo) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, ErrEmptyKey
	}
	rec, err := r.load(ctx, messageID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (r *KVDedupRepo) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	exists, err := r.IsDuplicate(ctx, messageID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	rec := &DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: r.now().UTC()}
	if err := r.save(ctx, rec); err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return true, nil
}

func (r *KVDedupRepo) MarkProcessed(ctx context.Context, messageID string) error {
	rec, err := r.load(ctx, messageID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("mark processed failed: message %s not recorded", messageID)
	}
	now := r.now().UTC()
	rec.ProcessedAt = &now
	if err := r.save(ctx, rec); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
