// Package testutil provides common test utilities and helpers for KlarePipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BTreeMap/KlarePipe/internal/store"
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s' (message: %v)", expectedStatus, status, response["message"])
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// FlakyStore wraps an InMemoryStore and injects failures per operation and key.
// It also counts calls so tests can assert how often the store was touched.
type FlakyStore struct {
	*store.InMemoryStore

	mu       sync.Mutex
	failures map[string]error
	calls    map[string]int
}

// NewFlakyStore returns a FlakyStore with no failures configured.
func NewFlakyStore() *FlakyStore {
	return &FlakyStore{
		InMemoryStore: store.NewInMemoryStore(),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
	}
}

// FailOn makes op ("get", "set", "delete", "append", "range") fail with err for key.
// An empty key matches every key.
func (s *FlakyStore) FailOn(op, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op+"|"+key] = err
}

// Reset clears configured failures and call counts.
func (s *FlakyStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]error)
	s.calls = make(map[string]int)
}

// Calls returns how many times op was invoked.
func (s *FlakyStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *FlakyStore) check(op, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if err, ok := s.failures[op+"|"+key]; ok {
		return err
	}
	return s.failures[op+"|"]
}

func (s *FlakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.check("get", key); err != nil {
		return "", false, err
	}
	return s.InMemoryStore.Get(ctx, key)
}

func (s *FlakyStore) Set(ctx context.Context, key, value string) error {
	if err := s.check("set", key); err != nil {
		return err
	}
	return s.InMemoryStore.Set(ctx, key, value)
}

func (s *FlakyStore) Delete(ctx context.Context, key string) error {
	if err := s.check("delete", key); err != nil {
		return err
	}
	return s.InMemoryStore.Delete(ctx, key)
}

func (s *FlakyStore) Append(ctx context.Context, key string, values ...string) error {
	if err := s.check("append", key); err != nil {
		return err
	}
	return s.InMemoryStore.Append(ctx, key, values...)
}

func (s *FlakyStore) Range(ctx context.Context, key string) ([]string, error) {
	if err := s.check("range", key); err != nil {
		return nil, err
	}
	return s.InMemoryStore.Range(ctx, key)
}
