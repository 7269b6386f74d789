package message

import (
	"strings"

	"careline/cmd/internal/conversation"
)

// DefaultUrgentKeywords raise a message to at least high priority.
var DefaultUrgentKeywords = []string{
	"emergency",
	"chest pain",
	"can't breathe",
	"cannot breathe",
	"unconscious",
	"overdose",
	"suicide",
	"stroke",
	"severe bleeding",
	"seizure",
}

// NormalizeKeywords lowercases, trims and drops empty keywords.
func NormalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

// EffectivePriority raises requested to at least high inside emergency
// conversations or when content matches an urgent keyword. It never lowers.
func EffectivePriority(requested Priority, kind conversation.Kind, content string, keywords []string) Priority {
	p := requested
	if p == "" {
		p = PriorityNormal
	}
	if kind == conversation.KindEmergency {
		return p.AtLeast(PriorityHigh)
	}
	if matchesAny(content, keywords) {
		return p.AtLeast(PriorityHigh)
	}
	return p
}

func matchesAny(content string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(content)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
