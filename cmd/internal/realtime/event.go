package realtime

import "time"

// EventType tags the variant carried by an Event.
type EventType string

const (
	EventMessageNew        EventType = "message.new"
	EventMessageEdited     EventType = "message.edited"
	EventMessageDeleted    EventType = "message.deleted"
	EventStatusChanged     EventType = "status.changed"
	EventEscalationUpdated EventType = "escalation.updated"
)

// Event is one item of a conversation's event stream.
//
// Seq is the conversation sequence number of the message the event refers to
// (0 for escalation events). Only message.new events are buffered for replay
// and deduplicated by sequence; the other variants are delivered live. Edits
// and deletions also rewrite the buffered message.new they refer to.
type Event struct {
	Type           EventType
	ConversationID string
	Seq            int64
	At             time.Time
	Payload        any
}

func (e Event) replayable() bool {
	return e.Type == EventMessageNew && e.Seq > 0
}

func (e Event) amends() bool {
	return e.Seq > 0 && (e.Type == EventMessageEdited || e.Type == EventMessageDeleted)
}
