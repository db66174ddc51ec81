package genai

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"
)

// DefaultTopK is the number of FAQ documents attached to a classifier prompt.
const DefaultTopK = 2

// Document is a retrieved snippet as it is stored in Context.llmContext.
type Document struct {
	PageContent string            `json:"pageContent"`
	Metadata    map[string]string `json:"metadata"`
}

type faqEntry struct {
	question string
	answer   string
	tokens   map[string]struct{}
}

// FAQRetriever ranks FAQ entries by word overlap with the query.
type FAQRetriever struct {
	entries []faqEntry
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "do": {}, "does": {}, "i": {}, "is": {},
	"it": {}, "my": {}, "of": {}, "the": {}, "to": {}, "what": {}, "you": {}, "your": {},
	"how": {}, "can": {}, "me": {},
}

// NewFAQRetriever indexes a question/answer table.
func NewFAQRetriever(faq map[string]string) *FAQRetriever {
	r := &FAQRetriever{}
	for q, a := range faq {
		r.entries = append(r.entries, faqEntry{question: q, answer: a, tokens: tokenize(q)})
	}
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].question < r.entries[j].question })
	return r
}

func tokenize(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// Retrieve returns up to k documents sharing at least one word with query, best first.
func (r *FAQRetriever) Retrieve(query string, k int) []Document {
	if r == nil || k <= 0 {
		return nil
	}
	qt := tokenize(query)
	if len(qt) == 0 {
		return nil
	}

	type scored struct {
		idx   int
		score int
	}
	var hits []scored
	for i, e := range r.entries {
		score := 0
		for w := range qt {
			if _, ok := e.tokens[w]; ok {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{idx: i, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > k {
		hits = hits[:k]
	}

	docs := make([]Document, 0, len(hits))
	for _, h := range hits {
		e := r.entries[h.idx]
		docs = append(docs, Document{
			PageContent: "Q: " + e.question + "\nA: " + e.answer,
			Metadata:    map[string]string{"source": "faq"},
		})
	}
	return docs
}

// RawDocuments encodes documents for Context.llmContext.
func RawDocuments(docs []Document) []json.RawMessage {
	if len(docs) == 0 {
		return nil
	}
	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		data, err := json.Marshal(d)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}
