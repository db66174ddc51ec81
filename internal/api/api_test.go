package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/KlarePipe/internal/chatcontext"
	"github.com/BTreeMap/KlarePipe/internal/flow"
	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/BTreeMap/KlarePipe/internal/offline"
	"github.com/BTreeMap/KlarePipe/internal/store"
	"github.com/BTreeMap/KlarePipe/internal/testutil"
	"github.com/BTreeMap/KlarePipe/internal/users"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	server *Server
	repo   *chatcontext.Repository
	users  *users.Service
	tokens *users.TokenIssuer
}

// newTestEnv wires the server to real components with the offline responder.
func newTestEnv(t *testing.T, orch Orchestrator, opts ...Option) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	repo := chatcontext.NewRepository(st)
	tokens := users.NewTokenIssuer([]byte("test-secret"), time.Hour)
	userSvc := users.NewService(st, tokens, users.WithBcryptCost(bcrypt.MinCost))
	if orch == nil {
		orch = flow.NewOrchestrator(repo, nil, nil, flow.WithOffline(offline.NewResponder()))
	}
	return &testEnv{
		server: NewServer(orch, repo, userSvc, tokens, opts...),
		repo:   repo,
		users:  userSvc,
		tokens: tokens,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) login(t *testing.T) (token string, u *models.User) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.users.Register(ctx, "alice", "password123"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	token, u, err := e.users.Login(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return token, u
}

func authed(t *testing.T, method, url, token string, body interface{}) *http.Request {
	req := testutil.CreateHTTPRequest(t, method, url, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestRegisterAndLoginEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/user/register",
		map[string]string{"username": "bob_smith", "password": "password123"}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "register")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["sessionId"] == "" || result["id"] == "" {
		t.Errorf("expected minted ids, got %v", result)
	}

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/user/register",
		map[string]string{"username": "bob_smith", "password": "password123"}))
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "duplicate register")

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/user/login",
		map[string]string{"username": "bob_smith", "password": "password123"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "login")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	token, _ := resp["result"].(map[string]interface{})["token"].(string)
	if _, err := env.tokens.Verify(token); err != nil {
		t.Errorf("login returned an invalid token: %v", err)
	}

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/user/login",
		map[string]string{"username": "bob_smith", "password": "wrong-password"}))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "bad login")
	testutil.AssertJSONResponse(t, rr, "error")

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/user/register",
		map[string]string{"username": "x", "password": "short"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid register")
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	paths := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/chat/send"},
		{http.MethodPost, "/api/v1/chat/check-in"},
		{http.MethodGet, "/api/v1/context"},
		{http.MethodPut, "/api/v1/context"},
		{http.MethodDelete, "/api/v1/context"},
		{http.MethodGet, "/api/v1/context/history"},
	}
	for _, p := range paths {
		rr := env.do(t, testutil.CreateHTTPRequest(t, p.method, p.path, nil))
		testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, p.method+" "+p.path)
	}

	rr := env.do(t, authed(t, http.MethodGet, "/api/v1/context", "garbage", nil))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "garbage token")
}

func TestChatFlowEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	token, u := env.login(t)

	rr := env.do(t, authed(t, http.MethodGet, "/api/v1/context", token, nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "context before first turn")

	rr = env.do(t, authed(t, http.MethodPost, "/api/v1/chat/send", token,
		map[string]string{"input": "  <b>How long are sessions</b> "}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "send")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	reply := resp["result"].(map[string]interface{})["reply"]
	if reply != offline.FAQResponses["how long are sessions"] {
		t.Errorf("unexpected reply %v", reply)
	}

	c, err := env.repo.Get(context.Background(), u.ID)
	if err != nil || c == nil {
		t.Fatalf("expected stored context, got %v, %v", c, err)
	}
	if c.SessionID != u.SessionID || c.LastMessage != "How long are sessions" || c.Intent != models.IntentFAQ {
		t.Errorf("unexpected context %+v", c)
	}

	rr = env.do(t, authed(t, http.MethodGet, "/api/v1/context/history", token, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "history")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	history := resp["result"].(map[string]interface{})["history"].([]interface{})
	if len(history) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(history))
	}

	rr = env.do(t, authed(t, http.MethodPut, "/api/v1/context", token,
		map[string]interface{}{"updates": map[string]string{"mood": "calm"}}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "update")
	c, _ = env.repo.Get(context.Background(), u.ID)
	if c.Mood != "calm" || c.Intent != models.IntentFAQ {
		t.Errorf("update should merge, got %+v", c)
	}

	rr = env.do(t, authed(t, http.MethodDelete, "/api/v1/context", token, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "clear")
	if c, _ := env.repo.Get(context.Background(), u.ID); c != nil {
		t.Errorf("context should be cleared, got %+v", c)
	}

	rr = env.do(t, authed(t, http.MethodPut, "/api/v1/context", token,
		map[string]interface{}{"updates": map[string]string{"mood": "calm"}}))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "update after clear")
}

func TestCheckInEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	token, u := env.login(t)

	rr := env.do(t, authed(t, http.MethodPost, "/api/v1/chat/check-in", token, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "check-in")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if resp["result"].(map[string]interface{})["reply"] != offline.CheckInOpeningPrompt {
		t.Errorf("unexpected reply %v", resp["result"])
	}
	c, _ := env.repo.Get(context.Background(), u.ID)
	if c.Flow != models.FlowCheckIn {
		t.Errorf("expected CHECK_IN flow, got %q", c.Flow)
	}
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _ := env.login(t)

	rr := env.do(t, authed(t, http.MethodPost, "/api/v1/chat/send", token, map[string]string{"input": "<p>  </p>"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty input")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/send", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	rr = env.do(t, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "malformed JSON")

	rr = env.do(t, authed(t, http.MethodPut, "/api/v1/context", token,
		map[string]interface{}{"updates": map[string]string{"flow": "SOMETHING"}}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid flow")

	rr = env.do(t, authed(t, http.MethodPut, "/api/v1/context", token, map[string]string{}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing updates")
}

// mockOrchestrator returns a fixed error for every turn.
type mockOrchestrator struct {
	err   error
	input string
}

func (m *mockOrchestrator) SendMessage(ctx context.Context, input, userID, sessionID string) (string, error) {
	m.input = input
	return "", m.err
}

func (m *mockOrchestrator) InitiateCheckIn(ctx context.Context, userID, sessionID string) (string, error) {
	return "", m.err
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"backend", &models.BackendError{Variant: "agent", Attempts: 4, Err: errors.New("timeout")}, http.StatusServiceUnavailable},
		{"store", &models.StoreAccessError{Op: "get", Key: "k", Err: errors.New("down")}, http.StatusInternalServerError},
		{"validation", &models.ValidationError{Field: "userId", Reason: "must not be empty"}, http.StatusBadRequest},
		{"not found", models.ErrContextNotFound, http.StatusNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &mockOrchestrator{err: tt.err})
			token, _ := env.login(t)
			rr := env.do(t, authed(t, http.MethodPost, "/api/v1/chat/send", token, map[string]string{"input": "hello"}))
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
			resp := testutil.AssertJSONResponse(t, rr, "error")
			if msg, _ := resp["message"].(string); strings.Contains(msg, "down") || strings.Contains(msg, "boom") {
				t.Errorf("internal error detail leaked: %q", msg)
			}
		})
	}
}

func TestInputIsCapped(t *testing.T) {
	orch := &mockOrchestrator{err: errors.New("stop")}
	env := newTestEnv(t, orch, WithMaxInputChars(10))
	token, _ := env.login(t)
	env.do(t, authed(t, http.MethodPost, "/api/v1/chat/send", token, map[string]string{"input": strings.Repeat("a", 50)}))
	if len(orch.input) != 10 {
		t.Errorf("expected input capped at 10 chars, got %d", len(orch.input))
	}
}

func TestTwilioWebhookMounted(t *testing.T) {
	called := false
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	env := newTestEnv(t, nil, WithTwilioWebhook(hook))
	rr := env.do(t, httptest.NewRequest(http.MethodPost, "/twilio/webhook", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")
	if !called {
		t.Error("webhook handler was not invoked")
	}

	env = newTestEnv(t, nil)
	rr = env.do(t, httptest.NewRequest(http.MethodPost, "/twilio/webhook", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "webhook without twilio")
}
