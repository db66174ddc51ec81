// Package models defines the core data structures for KlarePipe.
//
// It includes the per-user conversation Context, chat messages, backend results,
// user records, messaging receipts and the JSON envelope used by the HTTP API.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// FlowType is the conversational mode that decides which backend handles the next turn.
type FlowType string

const (
	// FlowNone means no flow is established yet; the next turn is classified from scratch.
	FlowNone FlowType = ""
	// FlowNormal is the regular conversation flow.
	FlowNormal FlowType = "NORMAL"
	// FlowCheckIn is a system-initiated check-in conversation.
	FlowCheckIn FlowType = "CHECK_IN"
)

// IsValid reports whether f is a known flow, including FlowNone.
func (f FlowType) IsValid() bool {
	switch f {
	case FlowNone, FlowNormal, FlowCheckIn:
		return true
	}
	return false
}

// Intent is the classification of a single turn.
type Intent string

const (
	IntentNormal      Intent = "NORMAL"
	IntentFAQ         Intent = "FAQ"
	IntentSuicideRisk Intent = "SUICIDE_RISK"
)

// ParseIntent maps a free-form label to a known Intent, case-insensitively.
// The second return value is false when the label is not recognized.
func ParseIntent(s string) (Intent, bool) {
	switch Intent(strings.ToUpper(strings.TrimSpace(s))) {
	case IntentNormal:
		return IntentNormal, true
	case IntentFAQ:
		return IntentFAQ, true
	case IntentSuicideRisk:
		return IntentSuicideRisk, true
	}
	return IntentNormal, false
}

// MessageRole tags who produced a Message.
type MessageRole string

const (
	RoleHuman     MessageRole = "human"
	RoleAssistant MessageRole = "assistant"
)

// Message is a role-tagged text unit of a conversation.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// HumanMessage builds a Message authored by the user.
func HumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// AssistantMessage builds a Message authored by the assistant.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Context is the persisted conversational state of one user. Metadata and
// LLMContext hold opaque JSON, and nil and empty lists are stored distinctly,
// so a saved Context reads back deep-equal.
type Context struct {
	UserID       string                     `json:"userId,omitempty"`
	SessionID    string                     `json:"sessionId"`
	Flow         FlowType                   `json:"flow,omitempty"`
	Mood         string                     `json:"mood,omitempty"`
	LastMessage  string                     `json:"lastMessage,omitempty"`
	LastResponse string                     `json:"lastResponse,omitempty"`
	Intent       Intent                     `json:"intent,omitempty"`
	LastUpdated  time.Time                  `json:"lastUpdated"`
	LLMContext   []json.RawMessage          `json:"llmContext"`
	ChatHistory  []Message                  `json:"chatHistory"`
	Metadata     map[string]json.RawMessage `json:"metadata"`
}

// ContextPatch is a partial Context. A nil field is omitted and keeps the stored value;
// a non-nil field overwrites it.
type ContextPatch struct {
	SessionID    *string                    `json:"sessionId,omitempty"`
	Flow         *FlowType                  `json:"flow,omitempty"`
	Mood         *string                    `json:"mood,omitempty"`
	LastMessage  *string                    `json:"lastMessage,omitempty"`
	LastResponse *string                    `json:"lastResponse,omitempty"`
	Intent       *Intent                    `json:"intent,omitempty"`
	LLMContext   []json.RawMessage          `json:"llmContext,omitempty"`
	ChatHistory  []Message                  `json:"chatHistory,omitempty"`
	Metadata     map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Apply merges p over c field by field and returns the result. c is not modified.
func (c Context) Apply(p ContextPatch) Context {
	if p.SessionID != nil {
		c.SessionID = *p.SessionID
	}
	if p.Flow != nil {
		c.Flow = *p.Flow
	}
	if p.Mood != nil {
		c.Mood = *p.Mood
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastResponse != nil {
		c.LastResponse = *p.LastResponse
	}
	if p.Intent != nil {
		c.Intent = *p.Intent
	}
	if p.LLMContext != nil {
		c.LLMContext = p.LLMContext
	}
	if p.ChatHistory != nil {
		c.ChatHistory = p.ChatHistory
	}
	if p.Metadata != nil {
		c.Metadata = p.Metadata
	}
	return c
}

// Validate checks the enumerated fields of a patch coming from outside the core.
func (p ContextPatch) Validate() error {
	if p.Flow != nil && !p.Flow.IsValid() {
		return &ValidationError{Field: "flow", Reason: "unknown flow " + string(*p.Flow)}
	}
	if p.Intent != nil {
		if _, ok := ParseIntent(string(*p.Intent)); !ok {
			return &ValidationError{Field: "intent", Reason: "unknown intent " + string(*p.Intent)}
		}
	}
	if p.SessionID != nil && strings.TrimSpace(*p.SessionID) == "" {
		return &ValidationError{Field: "sessionId", Reason: "must not be empty"}
	}
	return nil
}

// User is a registered account or an implicitly created messaging-channel user.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username,omitempty"`
	PasswordHash string    `json:"password,omitempty"`
	SessionID    string    `json:"sessionId"`
	CreatedAt    time.Time `json:"createdAt"`
}
