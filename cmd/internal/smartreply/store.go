package smartreply

import (
	"context"
	"time"
)

// Store persists suggestions. Content is never updated after Insert.
type Store interface {
	// Insert stores suggestions, skipping any (conversation, user, context, text)
	// that already exists, and reports how many were new.
	Insert(ctx context.Context, s []Suggestion) (int, error)
	Get(ctx context.Context, id string) (Suggestion, error)
	// Active returns unused, unexpired suggestions for the context, best first.
	Active(ctx context.Context, conversationID, userID, contextHash string, now time.Time, limit int) ([]Suggestion, error)
	// MarkUsed sets is_used once and reports whether it changed.
	MarkUsed(ctx context.Context, id string, at time.Time) (Suggestion, bool, error)
}
