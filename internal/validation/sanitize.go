// Package validation cleans free-text input before it reaches the conversation core.
package validation

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxInputChars caps a single chat input.
const DefaultMaxInputChars = 1000

// Sanitizer strips markup, collapses whitespace and caps length.
type Sanitizer struct {
	policy   *bluemonday.Policy
	maxChars int
}

// NewSanitizer creates a Sanitizer. A non-positive maxChars uses DefaultMaxInputChars.
func NewSanitizer(maxChars int) *Sanitizer {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	return &Sanitizer{
		policy:   bluemonday.StrictPolicy(),
		maxChars: maxChars,
	}
}

// MaxChars returns the configured cap.
func (s *Sanitizer) MaxChars() int {
	return s.maxChars
}

// Clean returns the sanitized input. Input that is empty after cleaning is a
// *models.ValidationError for field.
func (s *Sanitizer) Clean(field, input string) (string, error) {
	text := html.UnescapeString(s.policy.Sanitize(input))
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", &models.ValidationError{Field: field, Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(text) > s.maxChars {
		text = strings.TrimSpace(string([]rune(text)[:s.maxChars]))
	}
	return text, nil
}
