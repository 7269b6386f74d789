package message

import (
	"context"
	"time"
)

// Store persists messages.
//
// Requirements:
//   - Append assigns the next seq for the conversation atomically; seqs are
//     strictly increasing and gapless per conversation.
//   - Message rows are never hard-deleted.
//   - History is ordered by seq ASC.
type Store interface {
	Append(ctx context.Context, m Message) (Message, error)
	Get(ctx context.Context, id string) (Message, error)
	History(ctx context.Context, q HistoryQuery) (HistoryPage, error)
	UpdateContent(ctx context.Context, id, content string, fromVersion int, at time.Time) (Message, error)
	SoftDelete(ctx context.Context, id string, at time.Time) (Message, error)
	CountVisibleAfter(ctx context.Context, conversationID string, afterSeq int64, excludeSender string, now time.Time) (int, error)
	LastSeq(ctx context.Context, conversationID string) (int64, error)
}

// HistoryQuery selects a window of a conversation's messages.
type HistoryQuery struct {
	ConversationID string
	AfterSeq       int64
	// BeforeSeq bounds the window exclusively; 0 means unbounded.
	BeforeSeq int64
	Limit     int
	// IncludeHidden returns deleted and expired messages too.
	IncludeHidden bool
	Now           time.Time
}

// HistoryPage contains the retrieved window.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}
