package smartreply

import (
	"context"
	"sort"
	"strings"

	"careline/cmd/internal/message"
)

// Candidate is a generated reply before it is stored.
type Candidate struct {
	Text       string
	Confidence float64
}

// Generator proposes replies for forUser given the recent window, oldest first.
type Generator interface {
	Generate(ctx context.Context, window []message.Message, forUser string) ([]Candidate, error)
}

// Template maps trigger keywords to canned replies.
type Template struct {
	Keywords []string
	Replies  []Candidate
}

// KeywordGenerator answers the latest message from someone else with the
// replies of every template whose keywords it contains. Confidences are fixed
// per template so output is deterministic.
type KeywordGenerator struct {
	Templates []Template
	Fallback  []Candidate
}

// DefaultTemplates cover common patient and clinician exchanges.
func DefaultTemplates() []Template {
	return []Template{
		{
			Keywords: []string{"pain", "hurts", "ache"},
			Replies: []Candidate{
				{Text: "On a scale of 1 to 10, how bad is the pain right now?", Confidence: 0.86},
				{Text: "When did the pain start?", Confidence: 0.74},
			},
		},
		{
			Keywords: []string{"refill", "prescription", "medication", "pharmacy"},
			Replies: []Candidate{
				{Text: "I'll review your prescription and follow up shortly.", Confidence: 0.81},
				{Text: "Which pharmacy should we send it to?", Confidence: 0.66},
			},
		},
		{
			Keywords: []string{"appointment", "reschedule", "schedule", "book"},
			Replies: []Candidate{
				{Text: "What day and time work best for you?", Confidence: 0.78},
				{Text: "I can move your appointment. Do mornings or afternoons suit you better?", Confidence: 0.61},
			},
		},
		{
			Keywords: []string{"result", "lab", "test"},
			Replies: []Candidate{
				{Text: "Your results are in. Let's go over them together.", Confidence: 0.7},
			},
		},
		{
			Keywords: []string{"thank", "thanks", "appreciate"},
			Replies: []Candidate{
				{Text: "You're welcome!", Confidence: 0.92},
				{Text: "Happy to help. Reach out anytime.", Confidence: 0.72},
			},
		},
		{
			Keywords: []string{"fever", "temperature", "chills"},
			Replies: []Candidate{
				{Text: "What was your last temperature reading?", Confidence: 0.84},
			},
		},
	}
}

// DefaultFallback is offered when no template matches.
func DefaultFallback() []Candidate {
	return []Candidate{
		{Text: "Thanks, I've received your message.", Confidence: 0.42},
		{Text: "I'll get back to you shortly.", Confidence: 0.38},
	}
}

// NewKeywordGenerator returns a generator with the default templates.
func NewKeywordGenerator() *KeywordGenerator {
	return &KeywordGenerator{Templates: DefaultTemplates(), Fallback: DefaultFallback()}
}

func (g *KeywordGenerator) Generate(ctx context.Context, window []message.Message, forUser string) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var last *message.Message
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].SenderID != forUser {
			last = &window[i]
			break
		}
	}
	// Nothing to answer if the user spoke last.
	if last == nil || last.Type == message.TypeTemplate {
		return nil, nil
	}

	content := strings.ToLower(last.Content)
	seen := make(map[string]bool)
	var out []Candidate
	for _, t := range g.Templates {
		if !containsAny(content, t.Keywords) {
			continue
		}
		for _, c := range t.Replies {
			if !seen[c.Text] {
				seen[c.Text] = true
				out = append(out, c)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, g.Fallback...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
