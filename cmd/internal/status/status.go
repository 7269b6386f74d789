// Package status tracks per-recipient delivery state of messages and
// per-participant read watermarks.
//
// Transitions are monotonic: sent -> delivered -> read. Writing the current
// state again is a no-op; writing a lower state is apperr.ErrInvalidTransition.
package status

import (
	"time"
)

// State is a message delivery state for one recipient.
type State string

const (
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateRead      State = "read"
)

// Rank orders states; unknown states rank below sent.
func (s State) Rank() int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	default:
		return 0
	}
}

// Status is one (message, recipient) row.
type Status struct {
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	State          State     `json:"state"`
	UpdatedAt      time.Time `json:"updated_at"`
}
