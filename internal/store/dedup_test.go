package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func exerciseDedupRepo(t *testing.T, r DedupRepo) {
	t.Helper()
	ctx := context.Background()

	dup, err := r.IsDuplicate(ctx, "msg-1")
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if dup {
		t.Error("Expected false for new message")
	}

	isNew, err := r.RecordInbound(ctx, "msg-1", "wa:15551234567")
	if err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if !isNew {
		t.Error("Expected isNew=true for first record")
	}

	if dup, _ := r.IsDuplicate(ctx, "msg-1"); !dup {
		t.Error("Expected true for duplicate message")
	}
	isNew, err = r.RecordInbound(ctx, "msg-1", "wa:15551234567")
	if err != nil {
		t.Fatalf("RecordInbound duplicate failed: %v", err)
	}
	if isNew {
		t.Error("Expected isNew=false for duplicate record")
	}

	if err := r.MarkProcessed(ctx, "msg-1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if err := r.MarkProcessed(ctx, "never-recorded"); err == nil {
		t.Error("Expected error marking an unknown message")
	}
	if _, err := r.IsDuplicate(ctx, ""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Expected ErrEmptyKey, got %v", err)
	}
}

func TestDedupRepoInMemory(t *testing.T) {
	st := NewInMemoryStore()
	repo := NewDedupRepo(st)
	exerciseDedupRepo(t, repo)

	rec, err := repo.load(context.Background(), "msg-1")
	if err != nil || rec == nil {
		t.Fatalf("expected stored record, got %v %v", rec, err)
	}
	if rec.UserID != "wa:15551234567" || rec.ProcessedAt == nil {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestDedupRepoSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "klarepipe.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if _, err := NewDedupRepo(s1).RecordInbound(ctx, "msg-restart", "wa:1"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithDSN(dbPath))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	if dup, err := NewDedupRepo(s2).IsDuplicate(ctx, "msg-restart"); err != nil || !dup {
		t.Errorf("expected record to survive restart, got dup=%v err=%v", dup, err)
	}
}

func TestDedupRepoCorruptRecord(t *testing.T) {
	st := NewInMemoryStore()
	if err := st.Set(context.Background(), dedupKey("bad"), "{not json"); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDedupRepo(st).IsDuplicate(context.Background(), "bad"); err == nil {
		t.Error("expected error for corrupt record")
	}
}
