package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/KlarePipe/internal/models"
)

// Variant names a backend personality.
type Variant string

const (
	// VariantClassifier answers and classifies an unclassified turn.
	VariantClassifier Variant = "classifier"
	// VariantAgent continues an established flow.
	VariantAgent Variant = "agent"
)

// Generator runs one chat completion over a system prompt and a conversation
// that ends with the user's turn. *Client and *AnthropicClient implement it.
type Generator interface {
	Generate(ctx context.Context, system string, messages []models.Message) (string, error)
}

// BackendOpts holds configuration for a Backend.
type BackendOpts struct {
	Memory    *SessionMemory
	Retriever *FAQRetriever
	TopK      int
}

// BackendOption defines a configuration option for a Backend.
type BackendOption func(*BackendOpts)

// WithMemory enables per-session chat memory.
func WithMemory(m *SessionMemory) BackendOption {
	return func(o *BackendOpts) { o.Memory = m }
}

// WithRetriever attaches FAQ retrieval to classifier prompts.
func WithRetriever(r *FAQRetriever, topK int) BackendOption {
	return func(o *BackendOpts) {
		o.Retriever = r
		o.TopK = topK
	}
}

// Backend is a chat backend built on a Generator.
type Backend struct {
	variant   Variant
	gen       Generator
	memory    *SessionMemory
	retriever *FAQRetriever
	topK      int
}

// NewBackend creates a backend of the given variant.
func NewBackend(variant Variant, gen Generator, opts ...BackendOption) *Backend {
	cfg := BackendOpts{TopK: DefaultTopK}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Backend{
		variant:   variant,
		gen:       gen,
		memory:    cfg.Memory,
		retriever: cfg.Retriever,
		topK:      cfg.TopK,
	}
}

// Variant returns the backend's variant.
func (b *Backend) Variant() Variant {
	return b.variant
}

// Invoke runs one turn. The returned ChatHistory is the session memory
// including this turn.
func (b *Backend) Invoke(ctx context.Context, input string, flow models.FlowType, sessionID string) (*models.BackendResponse, error) {
	var history []models.Message
	if b.memory != nil && sessionID != "" {
		h, err := b.memory.Load(ctx, sessionID)
		if err != nil {
			slog.Error("Backend.Invoke: session memory unavailable", "error", err, "variant", b.variant, "session_id", sessionID)
			return nil, err
		}
		history = h
	}

	var docs []Document
	if b.variant == VariantClassifier {
		docs = b.retriever.Retrieve(input, b.topK)
	}

	conversation := make([]models.Message, 0, len(history)+1)
	conversation = append(conversation, history...)
	conversation = append(conversation, models.HumanMessage(input))

	slog.Debug("Backend.Invoke: generating", "variant", b.variant, "flow", flow, "session_id", sessionID, "history", len(history), "docs", len(docs))
	answer, err := b.gen.Generate(ctx, b.systemPrompt(flow, docs), conversation)
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", b.variant, err)
	}

	turn := []models.Message{models.HumanMessage(input), models.AssistantMessage(answer)}
	if b.memory != nil && sessionID != "" {
		if err := b.memory.Append(ctx, sessionID, turn...); err != nil {
			slog.Warn("Backend.Invoke: failed to persist session memory", "error", err, "session_id", sessionID)
		}
	}

	return &models.BackendResponse{
		Answer:           answer,
		RetrievedContext: RawDocuments(docs),
		ChatHistory:      append(history, turn...),
	}, nil
}

func (b *Backend) systemPrompt(flow models.FlowType, docs []Document) string {
	if b.variant != VariantClassifier {
		if flow == models.FlowCheckIn {
			return ConversationSystemPrompt + "\n\n" + CheckInInstruction
		}
		return ConversationSystemPrompt
	}

	var sb strings.Builder
	sb.WriteString(ClassifySystemPrompt)
	if len(docs) > 0 {
		sb.WriteString(contextHeader)
		for _, d := range docs {
			sb.WriteString(d.PageContent)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
