package models

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestParseBackendAnswer(t *testing.T) {
	tests := []struct {
		name         string
		answer       string
		wantKind     AnswerKind
		wantResponse string
		wantIntent   Intent
	}{
		{
			name:         "structured",
			answer:       `{"response":"Hi","intent":"NORMAL"}`,
			wantKind:     AnswerStructured,
			wantResponse: "Hi",
			wantIntent:   IntentNormal,
		},
		{
			name:         "structured faq lowercase intent",
			answer:       `{"response":"Sessions last 50 minutes.","intent":"faq"}`,
			wantKind:     AnswerStructured,
			wantResponse: "Sessions last 50 minutes.",
			wantIntent:   IntentFAQ,
		},
		{
			name:         "plain text",
			answer:       "plain text reply",
			wantKind:     AnswerRaw,
			wantResponse: "plain text reply",
			wantIntent:   IntentNormal,
		},
		{
			name:         "malformed json",
			answer:       `{"response": "Hi"`,
			wantKind:     AnswerRaw,
			wantResponse: `{"response": "Hi"`,
			wantIntent:   IntentNormal,
		},
		{
			name:         "json without response field",
			answer:       `{"intent":"FAQ"}`,
			wantKind:     AnswerRaw,
			wantResponse: `{"intent":"FAQ"}`,
			wantIntent:   IntentNormal,
		},
		{
			name:         "unknown intent falls back to normal",
			answer:       `{"response":"ok","intent":"GREETING"}`,
			wantKind:     AnswerStructured,
			wantResponse: "ok",
			wantIntent:   IntentNormal,
		},
		{
			name:         "fenced json",
			answer:       "```json\n{\"response\":\"Please reach out for help.\",\"intent\":\"SUICIDE_RISK\"}\n```",
			wantKind:     AnswerStructured,
			wantResponse: "Please reach out for help.",
			wantIntent:   IntentSuicideRisk,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseBackendAnswer(tt.answer)
			if got.Kind != tt.wantKind {
				t.Errorf("expected kind %v, got %v", tt.wantKind, got.Kind)
			}
			if got.Response != tt.wantResponse {
				t.Errorf("expected response %q, got %q", tt.wantResponse, got.Response)
			}
			if got.Intent != tt.wantIntent {
				t.Errorf("expected intent %q, got %q", tt.wantIntent, got.Intent)
			}
		})
	}
}

func TestContextApplyKeepsOmittedFields(t *testing.T) {
	base := Context{
		UserID:       "u1",
		SessionID:    "s1",
		Flow:         FlowNormal,
		LastMessage:  "hello",
		LastResponse: "hi there",
		ChatHistory:  []Message{HumanMessage("hello"), AssistantMessage("hi there")},
	}

	merged := base.Apply(ContextPatch{Mood: strPtr("calm")})

	if merged.Mood != "calm" {
		t.Errorf("expected mood to be overwritten, got %q", merged.Mood)
	}
	if merged.LastMessage != "hello" || merged.LastResponse != "hi there" {
		t.Errorf("omitted fields were not retained: %+v", merged)
	}
	if len(merged.ChatHistory) != 2 {
		t.Errorf("expected chat history to be retained, got %d entries", len(merged.ChatHistory))
	}
	if base.Mood != "" {
		t.Error("Apply must not modify the receiver")
	}
}

func TestContextPatchValidate(t *testing.T) {
	bad := FlowType("SLEEPING")
	err := ContextPatch{Flow: &bad}.Validate()
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "flow" {
		t.Fatalf("expected flow validation error, got %v", err)
	}

	ok := FlowCheckIn
	if err := (ContextPatch{Flow: &ok, Mood: strPtr("tired")}).Validate(); err != nil {
		t.Errorf("expected valid patch, got %v", err)
	}
}

func TestContextJSONFieldNames(t *testing.T) {
	c := Context{SessionID: "s1", Flow: FlowCheckIn, Intent: IntentFAQ}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{"sessionId", "flow", "intent", "lastUpdated"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("expected key %q in %s", key, data)
		}
	}
}

func TestErrorsUnwrap(t *testing.T) {
	storeErr := &StoreAccessError{Op: "get", Key: "msg:context:u1", Err: io.ErrUnexpectedEOF}
	if !errors.Is(storeErr, io.ErrUnexpectedEOF) {
		t.Error("StoreAccessError should unwrap to its cause")
	}

	backendErr := &BackendError{Variant: "classifier", Attempts: 4, Err: io.EOF}
	if !errors.Is(backendErr, io.EOF) {
		t.Error("BackendError should unwrap to its cause")
	}
}

func TestAPIResponseBuilders(t *testing.T) {
	if r := Success(map[string]string{"reply": "hi"}); r.Status != "ok" || r.Result == nil {
		t.Errorf("unexpected success response: %+v", r)
	}
	if r := Error("boom"); r.Status != "error" || r.Message != "boom" {
		t.Errorf("unexpected error response: %+v", r)
	}
}
