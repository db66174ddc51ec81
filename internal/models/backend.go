package models

import (
	"encoding/json"
	"strings"
)

// BackendResponse is what a chat backend returns for one invocation.
type BackendResponse struct {
	// Answer may itself be a JSON-encoded {"response": ..., "intent": ...} object.
	Answer           string            `json:"answer"`
	RetrievedContext []json.RawMessage `json:"context,omitempty"`
	ChatHistory      []Message         `json:"chat_history,omitempty"`
}

// AnswerKind tags the shape of a parsed BackendAnswer.
type AnswerKind int

const (
	// AnswerRaw is a bare string answer used verbatim.
	AnswerRaw AnswerKind = iota
	// AnswerStructured carries an explicit response and intent.
	AnswerStructured
)

// BackendAnswer is the result of parsing BackendResponse.Answer exactly once.
type BackendAnswer struct {
	Kind     AnswerKind
	Response string
	Intent   Intent
}

// StructuredAnswer is the wire shape of a structured backend answer.
type StructuredAnswer struct {
	Response string `json:"response"`
	Intent   Intent `json:"intent"`
}

// ParseBackendAnswer interprets a backend answer. A JSON object with a string
// "response" field becomes a structured answer; anything else is kept verbatim
// as a raw answer with intent NORMAL. Unknown intents resolve to NORMAL.
func ParseBackendAnswer(answer string) BackendAnswer {
	raw := BackendAnswer{Kind: AnswerRaw, Response: answer, Intent: IntentNormal}

	body := stripCodeFence(strings.TrimSpace(answer))
	if !strings.HasPrefix(body, "{") {
		return raw
	}

	var payload struct {
		Response *string `json:"response"`
		Intent   string  `json:"intent"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil || payload.Response == nil {
		return raw
	}

	intent, _ := ParseIntent(payload.Intent)
	return BackendAnswer{Kind: AnswerStructured, Response: *payload.Response, Intent: intent}
}

// stripCodeFence removes a surrounding markdown code fence such as ```json ... ```.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if i := strings.IndexByte(inner, '\n'); i >= 0 && !strings.HasPrefix(strings.TrimSpace(inner[:i]), "{") {
		inner = inner[i+1:]
	}
	return strings.TrimSpace(inner)
}
