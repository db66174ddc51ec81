// Package offline implements the deterministic responder used when no generative
// backend is enabled.
//
// Rules are evaluated in a fixed order on the trimmed, lower-cased input:
// suicide-risk keywords, exact FAQ questions, exact small-talk prompts, check-in
// triggers (including the conversation opener), and finally a fixed no-answer text.
package offline

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BTreeMap/KlarePipe/internal/models"
)

// Reply is a classified offline answer.
type Reply struct {
	Response string        `json:"response"`
	Intent   models.Intent `json:"intent"`
}

// Opts holds the lookup tables of a Responder.
type Opts struct {
	Keywords []string
	FAQ      map[string]string
	Normal   map[string]string
	CheckIn  []string
}

// Option defines a configuration option for a Responder.
type Option func(*Opts)

// WithFAQ replaces the FAQ table. Questions are normalized on load.
func WithFAQ(faq map[string]string) Option {
	return func(o *Opts) { o.FAQ = faq }
}

// WithNormalResponses replaces the small-talk table.
func WithNormalResponses(normal map[string]string) Option {
	return func(o *Opts) { o.Normal = normal }
}

// WithKeywords replaces the suicide-risk keyword list.
func WithKeywords(keywords []string) Option {
	return func(o *Opts) { o.Keywords = keywords }
}

// Responder answers from static tables. It holds no mutable state and is safe for concurrent use.
type Responder struct {
	keywords []string
	faq      map[string]string
	normal   map[string]string
	checkIn  map[string]struct{}
}

// NewResponder builds a Responder from the default tables, overridden by opts.
func NewResponder(opts ...Option) *Responder {
	cfg := Opts{
		Keywords: SuicideRiskKeywords,
		FAQ:      FAQResponses,
		Normal:   NormalResponses,
		CheckIn:  CheckInTriggers,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Responder{
		faq:     normalizeTable(cfg.FAQ),
		normal:  normalizeTable(cfg.Normal),
		checkIn: map[string]struct{}{normalize(ConversationOpener): {}},
	}
	for _, k := range cfg.Keywords {
		if k = normalize(k); k != "" {
			r.keywords = append(r.keywords, k)
		}
	}
	for _, trigger := range cfg.CheckIn {
		r.checkIn[normalize(trigger)] = struct{}{}
	}
	return r
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeTable(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for q, a := range in {
		out[normalize(q)] = a
	}
	return out
}

// Respond classifies input and returns the matching reply.
func (r *Responder) Respond(input string) Reply {
	text := normalize(input)

	if r.ContainsSuicideRiskKeyword(text) {
		return Reply{Response: SuicideRiskResponse, Intent: models.IntentSuicideRisk}
	}
	if answer, ok := r.faq[text]; ok {
		return Reply{Response: answer, Intent: models.IntentFAQ}
	}
	if answer, ok := r.normal[text]; ok {
		return Reply{Response: answer, Intent: models.IntentNormal}
	}
	if _, ok := r.checkIn[text]; ok {
		return Reply{Response: CheckInOpeningPrompt, Intent: models.IntentNormal}
	}
	return Reply{Response: NoAnswerResponse, Intent: models.IntentNormal}
}

// ContainsSuicideRiskKeyword reports whether input contains any risk keyword.
func (r *Responder) ContainsSuicideRiskKeyword(input string) bool {
	text := normalize(input)
	for _, k := range r.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// IsFAQ reports whether input exactly matches a known FAQ question.
func (r *Responder) IsFAQ(input string) bool {
	_, ok := r.faq[normalize(input)]
	return ok
}

// FAQ returns a copy of the normalized FAQ table.
func (r *Responder) FAQ() map[string]string {
	out := make(map[string]string, len(r.faq))
	for q, a := range r.faq {
		out[q] = a
	}
	return out
}

// LoadFAQFile reads a JSON object of question/answer pairs.
func LoadFAQFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read FAQ file %s: %w", path, err)
	}
	var faq map[string]string
	if err := json.Unmarshal(data, &faq); err != nil {
		return nil, fmt.Errorf("failed to parse FAQ file %s: %w", path, err)
	}
	if len(faq) == 0 {
		return nil, fmt.Errorf("FAQ file %s has no entries", path)
	}
	return faq, nil
}
