package models

import (
	"errors"
	"fmt"
)

// Error variables for the conversation core and the user directory.
var (
	// ErrContextNotFound is returned by a strict update against a user with no stored Context.
	ErrContextNotFound    = errors.New("context not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// StoreAccessError reports a failed key-value operation. It always wraps the cause.
type StoreAccessError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreAccessError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %q failed: %v", e.Op, e.Key, e.Err)
}

func (e *StoreAccessError) Unwrap() error {
	return e.Err
}

// BackendError reports that a chat backend failed after the configured retries.
type BackendError struct {
	Variant  string
	Attempts int
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend failed after %d attempt(s): %v", e.Variant, e.Attempts, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}
