// Package conversation owns conversations, their participants and membership state.
//
// Conversations and participants are never hard-deleted: leaving a conversation
// or deactivating it is a soft state change so audit history stays continuous.
package conversation

import (
	"time"
)

// Kind classifies a conversation.
type Kind string

const (
	KindDirect    Kind = "direct"
	KindGroup     Kind = "group"
	KindBroadcast Kind = "broadcast"
	KindEmergency Kind = "emergency"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDirect, KindGroup, KindBroadcast, KindEmergency:
		return true
	default:
		return false
	}
}

// Role determines what a participant may do in a conversation.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleReadOnly    Role = "read_only"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleParticipant, RoleReadOnly:
		return true
	default:
		return false
	}
}

// CanWrite reports whether the role may send messages.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleModerator || r == RoleParticipant
}

// CanManage reports whether the role may manage members, moderate messages
// and acknowledge escalations.
func (r Role) CanManage() bool {
	return r == RoleAdmin || r == RoleModerator
}

// Conversation is a logical channel grouping participants and messages.
type Conversation struct {
	ID                string    `json:"id"`
	Kind              Kind      `json:"kind"`
	Title             string    `json:"title"`
	Description       string    `json:"description,omitempty"`
	CreatedBy         string    `json:"created_by"`
	EncryptionEnabled bool      `json:"encryption_enabled"`
	RetentionDays     int       `json:"retention_days"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Participant is one membership row. A user has at most one active row per conversation.
type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Role           Role       `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
	IsActive       bool       `json:"is_active"`
}
