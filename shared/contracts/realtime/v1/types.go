// Package v1 defines the careline realtime protocol v1 contract.
//
// It is shared between the server gateway and clients (see tools/scripts/ws-smoke.go)
// so the wire format has one authoritative definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must negotiate.
const Subprotocol = "careline.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session (client -> server). It carries the access
	// token when the upgrade request had no Authorization header.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe subscribes to a conversation stream, optionally replaying from a seq.
	TypeSubscribe = "subscribe"
	// TypeSubscribed confirms a subscription (server -> client).
	TypeSubscribed = "subscribed"
	// TypeUnsubscribe ends a subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"

	// Conversation stream events (server -> subscribers).
	TypeMessageNew        = "message_new"
	TypeMessageEdited     = "message_edited"
	TypeMessageDeleted    = "message_deleted"
	TypeStatusChanged     = "status_changed"
	TypeEscalationUpdated = "escalation_updated"

	// TypeMarkRead marks a conversation read up to a seq (client -> server) and is echoed back.
	TypeMarkRead = "mark_read"

	// TypeHistoryFetch requests conversation history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
//
// Ref carries the ID of the client envelope a server reply answers.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSubscribed,
		TypeUnsubscribe,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageEdited,
		TypeMessageDeleted,
		TypeStatusChanged,
		TypeEscalationUpdated,
		TypeMarkRead,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload identifies the session and the authenticated user.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SubscribePayload subscribes to a conversation. SinceSeq requests replay of
// every message with a greater seq before live events.
type SubscribePayload struct {
	ConversationID string `json:"conversation_id"`
	SinceSeq       *int64 `json:"since_seq,omitempty"`
}

// SubscribedPayload confirms a subscription.
type SubscribedPayload struct {
	ConversationID string `json:"conversation_id"`
	LastSeq        int64  `json:"last_seq"`
}

// UnsubscribePayload ends a subscription.
type UnsubscribePayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string            `json:"conversation_id"`
	ClientMsgID    string            `json:"client_msg_id"`
	Content        string            `json:"content"`
	Type           string            `json:"type,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	ReplyTo        string            `json:"reply_to,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// MessageAckPayload acknowledges a send request with the canonical server ids.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
	Priority       string `json:"priority"`
}

// MessagePayload is carried by message_new, message_edited and message_deleted.
// Content is empty for deleted messages.
type MessagePayload struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Seq            int64             `json:"seq"`
	Type           string            `json:"type"`
	Content        string            `json:"content,omitempty"`
	Priority       string            `json:"priority"`
	ReplyTo        string            `json:"reply_to,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IsEdited       bool              `json:"is_edited"`
	EditVersion    int               `json:"edit_version"`
	IsDeleted      bool              `json:"is_deleted"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// StatusChangedPayload reports one recipient's delivery state change.
type StatusChangedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Seq            int64  `json:"seq"`
	State          string `json:"state"`
}

// EscalationUpdatedPayload reports an escalation state transition.
type EscalationUpdatedPayload struct {
	EventID        string     `json:"event_id"`
	ConversationID string     `json:"conversation_id"`
	RuleID         string     `json:"rule_id"`
	Priority       string     `json:"priority"`
	State          string     `json:"state"`
	Attempts       int        `json:"attempts"`
	MessageIDs     []string   `json:"message_ids"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// MarkReadPayload marks a conversation read. The server echo carries Marked.
type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UptoSeq        int64  `json:"upto_seq"`
	Marked         int    `json:"marked,omitempty"`
}

// HistoryFetchPayload requests a history window for a conversation.
type HistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	AfterSeq       int64  `json:"after_seq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
	HasMore        bool             `json:"has_more"`
}

// ErrorPayload is a generic error response payload. Code is a stable kind
// (validation_error, unauthorized, rate_limited, ...).
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}
