package escalation

import (
	"context"
	"time"
)

// Store persists escalation events and their attempts.
type Store interface {
	// CreateOrAttach inserts ev unless a non-expired event with the same dedup
	// key exists, in which case ev.TriggeringMessageID is attached to it.
	// It is atomic per dedup key and reports whether ev was inserted.
	CreateOrAttach(ctx context.Context, ev Event) (Event, bool, error)
	Get(ctx context.Context, id string) (Event, error)
	// Transition moves an event forward; illegal moves are ErrInvalidTransition.
	// A non-empty note replaces LastError.
	Transition(ctx context.Context, id string, to State, note string, at time.Time) (Event, error)
	// RecordAttempt persists a and increments the event's attempt counter.
	// a.N is assigned by the store.
	RecordAttempt(ctx context.Context, a Attempt) (Event, Attempt, error)
	Attempts(ctx context.Context, eventID string) ([]Attempt, error)
	// Acknowledge sets the acknowledgement once and reports whether it changed.
	Acknowledge(ctx context.Context, id, userID string, at time.Time) (Event, bool, error)
	// ListExpirable returns unacknowledged pending or failed events created before cutoff.
	ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]Event, error)
	// ListPending returns unacknowledged pending events, oldest first.
	ListPending(ctx context.Context, limit int) ([]Event, error)
	ListForConversation(ctx context.Context, conversationID string, limit int) ([]Event, error)
}

// fromStates lists the states an event may leave for to.
func fromStates(to State) []State {
	var out []State
	for _, s := range []State{StatePending, StateDelivered, StateFailed, StateExpired} {
		if canMove(s, to) {
			out = append(out, s)
		}
	}
	return out
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 50
	case n > 500:
		return 500
	default:
		return n
	}
}
