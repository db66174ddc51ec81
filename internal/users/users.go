// Package users is the user directory: registration, login and implicit
// messaging-channel users, stored on a store.ContextStore.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/BTreeMap/KlarePipe/internal/store"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Registration constraints.
const (
	DefaultBcryptCost = 10
	MinPasswordLength = 8
	MaxPasswordLength = 72 // bcrypt input limit
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{2,31}$`)

// dummyHash keeps login timing similar for unknown users.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("klarepipe-timing"), DefaultBcryptCost)

// ChannelUserPrefix prefixes the ids of implicit messaging users.
const ChannelUserPrefix = "wa:"

// Opts holds configuration for a Service.
type Opts struct {
	BcryptCost int
}

// Option defines a configuration option for a Service.
type Option func(*Opts)

// WithBcryptCost overrides the bcrypt work factor.
func WithBcryptCost(cost int) Option {
	return func(o *Opts) { o.BcryptCost = cost }
}

// Service manages user records.
type Service struct {
	store  store.ContextStore
	tokens *TokenIssuer
	cost   int
	now    func() time.Time
}

// NewService creates a user Service.
func NewService(st store.ContextStore, tokens *TokenIssuer, opts ...Option) *Service {
	cfg := Opts{BcryptCost: DefaultBcryptCost}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		cfg.BcryptCost = DefaultBcryptCost
	}
	return &Service{
		store:  st,
		tokens: tokens,
		cost:   cfg.BcryptCost,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func userKey(id string) string {
	return "user:" + id
}

func usernameKey(username string) string {
	return "username:" + strings.ToLower(username)
}

// ValidateCredentials checks the shape of a username and password.
func ValidateCredentials(username, password string) error {
	if !usernameRegex.MatchString(username) {
		return &models.ValidationError{Field: "username", Reason: "must be 3-32 characters, start with a letter and contain only letters, digits or underscores"}
	}
	if len(password) < MinPasswordLength {
		return &models.ValidationError{Field: "password", Reason: fmt.Sprintf("must be at least %d characters", MinPasswordLength)}
	}
	if len(password) > MaxPasswordLength {
		return &models.ValidationError{Field: "password", Reason: fmt.Sprintf("must be at most %d bytes", MaxPasswordLength)}
	}
	return nil
}

// Register creates a user with a fresh id and session id.
// The username check and the writes are not atomic.
func (s *Service) Register(ctx context.Context, username, password string) (*models.User, error) {
	if err := ValidateCredentials(username, password); err != nil {
		return nil, err
	}

	_, taken, err := s.store.Get(ctx, usernameKey(username))
	if err != nil {
		return nil, &models.StoreAccessError{Op: "get", Key: usernameKey(username), Err: err}
	}
	if taken {
		return nil, models.ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		SessionID:    uuid.NewString(),
		CreatedAt:    s.now(),
	}
	if err := s.save(ctx, u); err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, usernameKey(username), u.ID); err != nil {
		return nil, &models.StoreAccessError{Op: "set", Key: usernameKey(username), Err: err}
	}

	slog.Info("Service.Register: user registered", "user_id", u.ID, "username", username)
	return u, nil
}

// Login checks credentials and returns a bearer token with the user.
func (s *Service) Login(ctx context.Context, username, password string) (string, *models.User, error) {
	id, ok, err := s.store.Get(ctx, usernameKey(username))
	if err != nil {
		return "", nil, &models.StoreAccessError{Op: "get", Key: usernameKey(username), Err: err}
	}
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		slog.Debug("Service.Login: unknown username", "username", username)
		return "", nil, models.ErrInvalidCredentials
	}

	u, err := s.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if u.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", nil, models.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		slog.Debug("Service.Login: password mismatch", "user_id", u.ID)
		return "", nil, models.ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(u)
	if err != nil {
		return "", nil, fmt.Errorf("failed to issue token: %w", err)
	}
	slog.Info("Service.Login: user logged in", "user_id", u.ID)
	return token, u, nil
}

// Get returns the user with the given id.
func (s *Service) Get(ctx context.Context, id string) (*models.User, error) {
	raw, ok, err := s.store.Get(ctx, userKey(id))
	if err != nil {
		return nil, &models.StoreAccessError{Op: "get", Key: userKey(id), Err: err}
	}
	if !ok {
		return nil, models.ErrUserNotFound
	}
	var u models.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, &models.StoreAccessError{Op: "get", Key: userKey(id), Err: fmt.Errorf("decode user: %w", err)}
	}
	return &u, nil
}

// EnsureChannelUser returns the implicit user for a WhatsApp address, creating
// it on first contact. Ids look like "wa:<digits>" whichever channel delivered
// the message.
func (s *Service) EnsureChannelUser(ctx context.Context, address string) (*models.User, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, address)
	if digits == "" {
		return nil, &models.ValidationError{Field: "address", Reason: "no digits in " + address}
	}

	id := ChannelUserPrefix + digits

	u, err := s.Get(ctx, id)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, models.ErrUserNotFound) {
		return nil, err
	}

	u = &models.User{ID: id, SessionID: uuid.NewString(), CreatedAt: s.now()}
	if err := s.save(ctx, u); err != nil {
		return nil, err
	}
	slog.Info("Service.EnsureChannelUser: channel user created", "user_id", id)
	return u, nil
}

func (s *Service) save(ctx context.Context, u *models.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, userKey(u.ID), string(data)); err != nil {
		return &models.StoreAccessError{Op: "set", Key: userKey(u.ID), Err: err}
	}
	return nil
}
