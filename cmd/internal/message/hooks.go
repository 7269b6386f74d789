package message

import (
	"context"
	"time"

	"careline/cmd/internal/conversation"
	"careline/cmd/internal/realtime"
)

// Conversations is the slice of the conversation service the pipeline needs.
type Conversations interface {
	Authorize(ctx context.Context, op, conversationID, userID string, perm conversation.Permission) (conversation.Conversation, conversation.Participant, error)
	ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]conversation.Participant, error)
	Touch(ctx context.Context, conversationID string, at time.Time) error
}

// Publisher receives committed events in per-conversation sequence order.
type Publisher interface {
	Publish(ev realtime.Event)
}

// StatusRecorder creates per-recipient status rows for new messages.
type StatusRecorder interface {
	Initialize(ctx context.Context, m Message, recipients []string) error
	AdvanceWatermark(ctx context.Context, conversationID, userID string, seq int64) error
}

// Escalator accepts high and emergency messages for rule evaluation.
// Submit must not block on delivery.
type Escalator interface {
	Submit(m Message, c conversation.Conversation)
}

// Listener observes persisted messages (smart replies, analytics).
// OnMessage must return promptly.
type Listener interface {
	OnMessage(ctx context.Context, m Message)
}

type nopPublisher struct{}

func (nopPublisher) Publish(realtime.Event) {}
