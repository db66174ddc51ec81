package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	if !strings.HasPrefix(string(content), "pid="+strconv.Itoa(os.Getpid())+"\n") {
		t.Errorf("lock file should start with our pid, got %q", content)
	}

	h := ReadHolder(lock.Path())
	if h.PID != os.Getpid() || !h.Running || h.Started == "" {
		t.Errorf("unexpected holder %+v", h)
	}
}

func TestAcquireCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir)
	if err == nil {
		second.Release()
		t.Fatal("Expected second acquire to fail")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected *LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("expected holder pid %d, got %d", os.Getpid(), lockErr.Holder.PID)
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		t.Errorf("expected EWOULDBLOCK cause, got %v", lockErr.Cause)
	}
	if !strings.Contains(err.Error(), "rm "+lockErr.LockPath) {
		t.Errorf("error should explain how to clear a stale lock: %s", err)
	}

	// The failed attempt must not clobber the holder's record.
	if h := ReadHolder(first.Path()); h.PID != os.Getpid() {
		t.Errorf("holder record lost after failed acquire: %+v", h)
	}
}

func TestReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed after release")
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock: %v", err)
	}
	again.Release()
}

func TestReadHolder(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantPID int
	}{
		{"missing", "", 0},
		{"garbage", "hello\nworld\n", 0},
		{"pid only", "pid=99999999\n", 99999999},
		{"bad pid", "pid=abc\n", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if tt.content != "" {
				if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			h := ReadHolder(path)
			if h.PID != tt.wantPID {
				t.Errorf("PID = %d, want %d", h.PID, tt.wantPID)
			}
			if h.PID > 0 && h.Running {
				t.Errorf("pid %d should not be running", h.PID)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if s := (Holder{}).String(); s != "unknown holder" {
		t.Errorf("unexpected %q", s)
	}
	s := Holder{PID: 42, Started: "2026-01-01T00:00:00Z"}.String()
	if !strings.Contains(s, "PID 42") || !strings.Contains(s, "stale") || !strings.Contains(s, "2026-01-01") {
		t.Errorf("unexpected %q", s)
	}
}
