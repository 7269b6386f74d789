// Package smartreply generates short reply suggestions off the write path.
//
// Suggestions are immutable once stored. They stop being served when used,
// when they expire, or when the conversation context they were generated
// for is superseded by newer messages.
package smartreply

import (
	"strconv"
	"time"

	"careline/cmd/internal/message"
	"careline/cmd/security/digest"
)

// Suggestion is one stored reply candidate for one user.
type Suggestion struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"suggested_for_user_id"`
	Text           string     `json:"text"`
	Confidence     float64    `json:"confidence"`
	ContextHash    string     `json:"context_hash"`
	IsUsed         bool       `json:"is_used"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// Servable reports whether s may still be offered at now.
func (s Suggestion) Servable(now time.Time) bool {
	return !s.IsUsed && now.Before(s.ExpiresAt)
}

// ContextHash fingerprints the message window suggestions were computed for.
// Edits and deletions change it as well as new messages.
func ContextHash(conversationID string, window []message.Message) string {
	parts := make([]string, 0, 1+2*len(window))
	parts = append(parts, conversationID)
	for _, m := range window {
		parts = append(parts, m.ID, strconv.Itoa(m.EditVersion))
	}
	return digest.Parts(parts...)
}
