package conversation

import (
	"context"
	"time"
)

// Store persists conversations and participants.
//
// Requirements:
//   - At most one active participant row per (conversation, user); AddParticipant
//     returns apperr.ErrConflict otherwise.
//   - Missing rows are reported as apperr.ErrNotFound.
//   - Touch never moves updated_at backwards.
type Store interface {
	Create(ctx context.Context, c Conversation, members []Participant) error
	Get(ctx context.Context, id string) (Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]Conversation, error)

	Participants(ctx context.Context, conversationID string, activeOnly bool) ([]Participant, error)
	ActiveParticipant(ctx context.Context, conversationID, userID string) (Participant, error)
	AddParticipant(ctx context.Context, p Participant) error
	LeaveParticipant(ctx context.Context, conversationID, userID string, at time.Time) error
	SetRole(ctx context.Context, conversationID, userID string, role Role) error

	Deactivate(ctx context.Context, conversationID string, at time.Time) error
	Touch(ctx context.Context, conversationID string, at time.Time) error
}
