// Package message is careline's message pipeline: validation, priority,
// per-conversation sequencing, persistence and the post-commit side effects
// (status rows, fanout, audit, escalation, smart replies).
package message

import (
	"time"

	"careline/cmd/internal/attachment"
)

// Type is the message content type.
type Type string

const (
	TypeText     Type = "text"
	TypeVoice    Type = "voice"
	TypeFile     Type = "file"
	TypeImage    Type = "image"
	TypeVideo    Type = "video"
	TypeTemplate Type = "template"
)

// carriesAttachments reports whether t may reference object-storage attachments.
func (t Type) carriesAttachments() bool {
	switch t {
	case TypeVoice, TypeFile, TypeImage, TypeVideo:
		return true
	default:
		return false
	}
}

// Priority is the message urgency tier.
type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

// Rank orders priorities; unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityEmergency:
		return 3
	default:
		return 1
	}
}

// AtLeast returns the higher of p and floor.
func (p Priority) AtLeast(floor Priority) Priority {
	if floor.Rank() > p.Rank() {
		return floor
	}
	return p
}

// Message is the canonical persisted message.
//
// Seq is assigned exactly once, at persistence time, and is gapless per conversation.
type Message struct {
	ID             string                  `json:"id"`
	ConversationID string                  `json:"conversation_id"`
	SenderID       string                  `json:"sender_id"`
	Seq            int64                   `json:"seq"`
	Type           Type                    `json:"type"`
	Content        string                  `json:"content"`
	Priority       Priority                `json:"priority"`
	ReplyTo        string                  `json:"reply_to,omitempty"`
	Metadata       map[string]string       `json:"metadata,omitempty"`
	Attachments    []attachment.Attachment `json:"attachments,omitempty"`
	IsEdited       bool                    `json:"is_edited"`
	EditVersion    int                     `json:"edit_version"`
	IsDeleted      bool                    `json:"is_deleted"`
	ExpiresAt      *time.Time              `json:"expires_at,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// Visible reports whether m belongs on read paths at now.
func (m Message) Visible(now time.Time) bool {
	if m.IsDeleted {
		return false
	}
	return m.ExpiresAt == nil || m.ExpiresAt.After(now)
}
