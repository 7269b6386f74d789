package escalation

import (
	"time"
)

// State is the lifecycle state of an escalation event.
type State string

const (
	StatePending   State = "pending"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateDelivered, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// canMove lists the forward transitions. failed -> pending re-arms an event.
func canMove(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateDelivered || to == StateFailed || to == StateExpired
	case StateFailed:
		return to == StatePending || to == StateExpired
	default:
		return false
	}
}

// Event is one deduplicated escalation. Every triggering message in the same
// dedup window and rule attaches to it.
type Event struct {
	ID                  string     `json:"id"`
	DedupKey            string     `json:"dedup_key"`
	ConversationID      string     `json:"conversation_id"`
	TriggeringMessageID string     `json:"triggering_message_id"`
	MessageIDs          []string   `json:"message_ids"`
	RuleID              string     `json:"rule_id"`
	Priority            string     `json:"priority"`
	State               State      `json:"state"`
	Attempts            int        `json:"attempts"`
	Targets             []string   `json:"targets"`
	LastError           string     `json:"last_error,omitempty"`
	AcknowledgedBy      string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt      *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Acknowledged reports whether a human has taken the page.
func (e Event) Acknowledged() bool { return e.AcknowledgedAt != nil }

// ChannelResult is the outcome of one channel send to one target.
type ChannelResult struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Attempt is one persisted delivery round.
type Attempt struct {
	EventID string          `json:"event_id"`
	N       int             `json:"n"`
	Results []ChannelResult `json:"results"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
}

func cloneEvent(e Event) Event {
	e.MessageIDs = append([]string(nil), e.MessageIDs...)
	e.Targets = append([]string(nil), e.Targets...)
	if e.AcknowledgedAt != nil {
		t := *e.AcknowledgedAt
		e.AcknowledgedAt = &t
	}
	return e
}
