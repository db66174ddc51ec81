// Package api provides the HTTP server for KlarePipe.
//
// It exposes chat, check-in, context and user endpoints on a chi router. Chat
// and context routes require a bearer token issued at login; the token carries
// the user id and session id handed to the orchestrator.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/BTreeMap/KlarePipe/internal/users"
	"github.com/BTreeMap/KlarePipe/internal/validation"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Server timeouts. The write timeout leaves room for backend retries.
const (
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	maxRequestBodyBytes    = 64 << 10
)

// Orchestrator runs conversation turns.
type Orchestrator interface {
	SendMessage(ctx context.Context, input, userID, sessionID string) (string, error)
	InitiateCheckIn(ctx context.Context, userID, sessionID string) (string, error)
}

// ContextRepository reads and mutates stored conversation state.
type ContextRepository interface {
	Get(ctx context.Context, userID string) (*models.Context, error)
	Update(ctx context.Context, userID string, patch models.ContextPatch) error
	Clear(ctx context.Context, userID string) error
	History(ctx context.Context, userID string) ([]models.Message, error)
}

// UserService registers and authenticates users.
type UserService interface {
	Register(ctx context.Context, username, password string) (*models.User, error)
	Login(ctx context.Context, username, password string) (string, *models.User, error)
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*users.Claims, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr          string
	MaxInputChars int
	TwilioWebhook http.Handler
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMaxInputChars caps chat input length after sanitization.
func WithMaxInputChars(n int) Option {
	return func(o *Opts) { o.MaxInputChars = n }
}

// WithTwilioWebhook mounts the inbound Twilio webhook at /twilio/webhook.
func WithTwilioWebhook(h http.Handler) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	orch      Orchestrator
	contexts  ContextRepository
	users     UserService
	tokens    TokenVerifier
	sanitizer *validation.Sanitizer
	addr      string
	router    chi.Router
}

// NewServer creates a Server and registers its routes.
func NewServer(orch Orchestrator, contexts ContextRepository, userSvc UserService, tokens TokenVerifier, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, MaxInputChars: validation.DefaultMaxInputChars}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		orch:      orch,
		contexts:  contexts,
		users:     userSvc,
		tokens:    tokens,
		sanitizer: validation.NewSanitizer(cfg.MaxInputChars),
		addr:      cfg.Addr,
	}
	s.router = s.routes(cfg.TwilioWebhook)
	return s
}

func (s *Server) routes(twilioWebhook http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.healthHandler)
	if twilioWebhook != nil {
		r.Post("/twilio/webhook", twilioWebhook.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/user/register", s.registerHandler)
		r.Post("/user/login", s.loginHandler)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/chat/send", s.sendMessageHandler)
			r.Post("/chat/check-in", s.checkInHandler)
			r.Get("/context", s.getContextHandler)
			r.Put("/context", s.updateContextHandler)
			r.Delete("/context", s.clearContextHandler)
			r.Get("/context/history", s.historyHandler)
		})
	})
	return r
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Run: server failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: forced shutdown", "error", err)
		return err
	}
	slog.Info("Server.Run: stopped")
	return nil
}
