// Package flow drives a conversation turn by turn.
//
// The Orchestrator is a small state machine keyed on the stored Context flow:
// a user with no flow is classified from scratch, a user inside a flow is
// handed to the continuation agent, and a check-in can be started from any
// state. Every successful turn ends in exactly one Context upsert.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/BTreeMap/KlarePipe/internal/offline"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Default backend invocation policy.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Backend variant names reported in BackendError.
const (
	VariantClassifier = "classifier"
	VariantAgent      = "agent"
	VariantOffline    = "offline"
)

// ChatBackend produces the answer for one turn.
type ChatBackend interface {
	Invoke(ctx context.Context, input string, flow models.FlowType, sessionID string) (*models.BackendResponse, error)
}

// ContextRepository is the part of chatcontext.Repository the orchestrator needs.
type ContextRepository interface {
	Get(ctx context.Context, userID string) (*models.Context, error)
	Upsert(ctx context.Context, userID string, patch models.ContextPatch) error
	AppendHistory(ctx context.Context, userID string, msgs ...models.Message) error
}

// errNilResponse is returned when a backend reports success without a response.
var errNilResponse = errors.New("backend returned no response")

// Opts holds configuration for an Orchestrator.
type Opts struct {
	Offline    *offline.Responder
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Transient  func(error) bool
}

// Option defines a configuration option for an Orchestrator.
type Option func(*Opts)

// WithOffline serves every turn from the deterministic responder instead of the
// injected backends.
func WithOffline(r *offline.Responder) Option {
	return func(o *Opts) { o.Offline = r }
}

// WithTimeout bounds each backend attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRetry sets the number of retries after the first attempt and the base backoff delay.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(o *Opts) {
		o.MaxRetries = maxRetries
		o.RetryDelay = delay
	}
}

// WithTransient sets the predicate deciding which backend errors are retried.
func WithTransient(fn func(error) bool) Option {
	return func(o *Opts) { o.Transient = fn }
}

// Orchestrator runs conversation turns against a ContextRepository and two backends.
type Orchestrator struct {
	repo       ContextRepository
	classifier ChatBackend
	agent      ChatBackend
	offline    bool
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	transient  func(error) bool
}

// NewOrchestrator creates an Orchestrator. With WithOffline the classifier and
// agent may be nil.
func NewOrchestrator(repo ContextRepository, classifier, agent ChatBackend, opts ...Option) *Orchestrator {
	cfg := Opts{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Transient == nil {
		cfg.Transient = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}

	o := &Orchestrator{
		repo:       repo,
		classifier: classifier,
		agent:      agent,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		transient:  cfg.Transient,
	}
	if cfg.Offline != nil {
		ob := &offlineBackend{responder: cfg.Offline}
		o.classifier, o.agent, o.offline = ob, ob, true
	}
	slog.Debug("NewOrchestrator: configured", "offline", o.offline, "timeout", o.timeout, "max_retries", o.maxRetries, "retry_delay", o.retryDelay)
	return o
}

// Offline reports whether turns are served by the deterministic responder.
func (o *Orchestrator) Offline() bool {
	return o.offline
}

// SendMessage runs one user turn and returns the reply text.
func (o *Orchestrator) SendMessage(ctx context.Context, input, userID, sessionID string) (string, error) {
	current, err := o.repo.Get(ctx, userID)
	if err != nil {
		return "", err
	}

	flow := models.FlowNone
	if current != nil {
		flow = current.Flow
		if sessionID == "" {
			sessionID = current.SessionID
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	backend, variant, invokeFlow := o.classifier, VariantClassifier, models.FlowNormal
	if flow != models.FlowNone {
		backend, variant, invokeFlow = o.agent, VariantAgent, flow
	}
	if o.offline {
		variant = VariantOffline
	}
	slog.Debug("Orchestrator.SendMessage: routing turn", "user_id", userID, "flow", flow, "variant", variant)

	resp, err := o.invoke(ctx, backend, variant, input, invokeFlow, sessionID)
	if err != nil {
		slog.Error("Orchestrator.SendMessage: backend failed", "error", err, "user_id", userID, "variant", variant)
		return "", err
	}

	answer := models.ParseBackendAnswer(resp.Answer)
	if answer.Kind == models.AnswerRaw {
		slog.Debug("Orchestrator.SendMessage: unstructured answer used verbatim", "user_id", userID)
	}

	nextFlow := models.FlowNormal
	patch := models.ContextPatch{
		Flow:         &nextFlow,
		SessionID:    &sessionID,
		LastMessage:  &input,
		LastResponse: &answer.Response,
		Intent:       &answer.Intent,
		LLMContext:   resp.RetrievedContext,
		ChatHistory:  resp.ChatHistory,
	}
	if err := o.repo.Upsert(ctx, userID, patch); err != nil {
		return "", err
	}
	if err := o.repo.AppendHistory(ctx, userID, models.HumanMessage(input), models.AssistantMessage(answer.Response)); err != nil {
		return "", err
	}

	slog.Info("Orchestrator.SendMessage: turn complete", "user_id", userID, "intent", answer.Intent, "variant", variant)
	return answer.Response, nil
}

// InitiateCheckIn starts a system-initiated check-in for the user and returns the
// greeting to deliver. It does not read the stored Context.
func (o *Orchestrator) InitiateCheckIn(ctx context.Context, userID, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	variant := VariantAgent
	if o.offline {
		variant = VariantOffline
	}

	resp, err := o.invoke(ctx, o.agent, variant, offline.ConversationOpener, models.FlowCheckIn, sessionID)
	if err != nil {
		slog.Error("Orchestrator.InitiateCheckIn: backend failed", "error", err, "user_id", userID)
		return "", err
	}

	answer := models.ParseBackendAnswer(resp.Answer)
	flow := models.FlowCheckIn
	empty := ""
	patch := models.ContextPatch{
		Flow:         &flow,
		SessionID:    &sessionID,
		LastMessage:  &empty,
		LastResponse: &answer.Response,
		Intent:       &answer.Intent,
		LLMContext:   resp.RetrievedContext,
		ChatHistory:  resp.ChatHistory,
	}
	if err := o.repo.Upsert(ctx, userID, patch); err != nil {
		return "", err
	}
	if err := o.repo.AppendHistory(ctx, userID, models.AssistantMessage(answer.Response)); err != nil {
		return "", err
	}

	slog.Info("Orchestrator.InitiateCheckIn: check-in started", "user_id", userID, "variant", variant)
	return answer.Response, nil
}

// invoke calls backend with a per-attempt timeout, retrying transient failures
// with exponential backoff. Store failures are returned as is.
func (o *Orchestrator) invoke(ctx context.Context, backend ChatBackend, variant, input string, flow models.FlowType, sessionID string) (*models.BackendResponse, error) {
	if backend == nil {
		return nil, &models.BackendError{Variant: variant, Err: errors.New("backend not configured")}
	}

	var (
		resp     *models.BackendResponse
		lastErr  error
		attempts int
	)
	policy := retry.WithMaxRetries(uint64(o.maxRetries), retry.NewExponential(o.retryDelay))
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		r, err := backend.Invoke(callCtx, input, flow, sessionID)
		if err == nil && r == nil {
			err = errNilResponse
		}
		if err != nil {
			lastErr = err
			if isStoreFailure(err) {
				return err
			}
			if o.transient(err) {
				slog.Warn("Orchestrator.invoke: transient backend failure", "error", err, "variant", variant, "attempt", attempts)
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		if isStoreFailure(lastErr) {
			return nil, lastErr
		}
		return nil, &models.BackendError{Variant: variant, Attempts: attempts, Err: lastErr}
	}
	return resp, nil
}

// isStoreFailure reports whether a backend failed on its own state store.
// Such failures are not retried and surface unchanged.
func isStoreFailure(err error) bool {
	var storeErr *models.StoreAccessError
	return errors.As(err, &storeErr)
}
