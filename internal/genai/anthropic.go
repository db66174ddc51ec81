package genai

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when no Anthropic model is configured.
const DefaultAnthropicModel = "claude-3-5-haiku-latest"

// messageService defines the minimal interface for the Anthropic Messages API.
type messageService interface {
	New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

// messagesAdapter adapts the SDK messages service to messageService.
type messagesAdapter struct {
	client anthropic.Client
}

func (a messagesAdapter) New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return a.client.Messages.New(ctx, params)
}

// AnthropicClient runs chat completions against the Anthropic Messages API.
type AnthropicClient struct {
	messages    messageService
	model       string
	temperature float64
	maxTokens   int
}

// NewAnthropicClient creates an Anthropic client from the same options as
// NewClient. An API key is required.
func NewAnthropicClient(opts ...Option) (*AnthropicClient, error) {
	cfg := Opts{
		Model:       DefaultAnthropicModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("Anthropic API key not set")
	}
	// max_tokens is mandatory for this API.
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	slog.Debug("genai.NewAnthropicClient: client configured", "model", cfg.Model, "temperature", cfg.Temperature, "max_tokens", cfg.MaxTokens)

	return &AnthropicClient{
		messages:    messagesAdapter{client: anthropic.NewClient(reqOpts...)},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Generate implements Generator. The text blocks of the reply are concatenated.
func (c *AnthropicClient) Generate(ctx context.Context, system string, messages []models.Message) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(c.maxTokens),
		Messages:    anthropicMessages(messages),
		Temperature: anthropic.Float(c.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	slog.Debug("AnthropicClient.Generate: calling model", "model", c.model, "messages", len(params.Messages))
	resp, err := c.messages.New(ctx, params)
	if err != nil {
		slog.Warn("AnthropicClient.Generate: completion failed", "error", err, "model", c.model)
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrNoChoicesReturned
	}
	return sb.String(), nil
}

// anthropicMessages converts a conversation. The API requires the first turn
// to be the user's, so leading assistant messages are dropped.
func anthropicMessages(msgs []models.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleAssistant {
			if len(out) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			continue
		}
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}
	return out
}
