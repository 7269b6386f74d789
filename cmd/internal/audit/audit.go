// Package audit records the append-only, causally ordered trail of state changes.
//
// Callers invoke Record only after their primary effect has committed. Record never
// blocks and never fails from the caller's point of view: entries are queued and a
// single writer persists them in FIFO order, retrying until the store accepts them.
package audit

import (
	"context"
	"time"
)

// Actions recorded by careline components.
const (
	ActionConversationCreated     = "conversation_created"
	ActionConversationDeactivated = "conversation_deactivated"
	ActionParticipantAdded        = "participant_added"
	ActionParticipantRemoved      = "participant_removed"
	ActionParticipantRoleChanged  = "participant_role_changed"

	ActionMessageSent    = "message_sent"
	ActionMessageEdited  = "message_edited"
	ActionMessageDeleted = "message_deleted"
	ActionAccessDenied   = "access_denied"

	ActionMessageDelivered = "message_delivered"
	ActionMessageRead      = "message_read"

	ActionEscalationCreated      = "escalation_created"
	ActionEscalationAttached     = "escalation_attached"
	ActionEscalationDelivered    = "escalation_delivered"
	ActionEscalationFailed       = "escalation_failed"
	ActionEscalationConfigError  = "escalation_config_error"
	ActionEscalationExpired      = "escalation_expired"
	ActionEscalationAcknowledged = "escalation_acknowledged"

	ActionSmartReplyGenerated = "smart_reply_generated"
	ActionSmartReplyUsed      = "smart_reply_used"

	ActionMessageTranslated = "message_translated"
)

// Resource types.
const (
	ResourceConversation = "conversation"
	ResourceParticipant  = "participant"
	ResourceMessage      = "message"
	ResourceEscalation   = "escalation_event"
	ResourceSmartReply   = "smart_reply"
	ResourceTranslation  = "translation"
)

// SystemUser is the actor recorded for engine-initiated actions.
const SystemUser = "system"

// Entry is one audit record. It is never updated or deleted once written.
type Entry struct {
	ID           string
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	Timestamp    time.Time
}

// Sink accepts audit entries. Record must not block and has no failure mode for the caller.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Query filters entries for reads. Zero fields match everything.
type Query struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Limit        int
}

// Store persists entries. Implementations expose no update or delete.
type Store interface {
	Append(ctx context.Context, entries []Entry) error
	List(ctx context.Context, q Query) ([]Entry, error)
}

// Nop discards entries. Used where auditing is not wired (tools, some tests).
type Nop struct{}

// Record drops e.
func (Nop) Record(context.Context, Entry) {}

func (q Query) matches(e Entry) bool {
	if q.UserID != "" && q.UserID != e.UserID {
		return false
	}
	if q.Action != "" && q.Action != e.Action {
		return false
	}
	if q.ResourceType != "" && q.ResourceType != e.ResourceType {
		return false
	}
	if q.ResourceID != "" && q.ResourceID != e.ResourceID {
		return false
	}
	return true
}
