package status

import (
	"context"
	"time"
)

// Store persists statuses and read watermarks.
//
// Requirements:
//   - Transition is atomic per (message, user) and never lowers a state; it
//     reports the previous state ("" when the row did not exist).
//   - AdvanceWatermark never moves a watermark backwards.
type Store interface {
	Init(ctx context.Context, rows []Status) error
	Transition(ctx context.Context, s Status) (prev State, err error)
	ReadUpTo(ctx context.Context, conversationID, userID string, uptoSeq int64, at time.Time) ([]Status, error)
	ListForMessage(ctx context.Context, messageID string) ([]Status, error)

	Watermark(ctx context.Context, conversationID, userID string) (int64, error)
	AdvanceWatermark(ctx context.Context, conversationID, userID string, seq int64, at time.Time) (bool, error)
}
