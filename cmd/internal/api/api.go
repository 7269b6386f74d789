// Package api exposes the careline operations over a JSON HTTP surface under /v1.
//
// Every route requires a bearer access token; the authenticated user id is the
// acting user of the underlying operation.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"careline/cmd/internal/auth"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/escalation"
	"careline/cmd/internal/message"
	"careline/cmd/internal/smartreply"
	"careline/cmd/internal/status"
	"careline/cmd/internal/translation"
)

const maxBodyBytes = 1 << 20

// Conversations is the conversation surface used by the handlers.
type Conversations interface {
	Create(ctx context.Context, in conversation.CreateInput) (conversation.Conversation, []conversation.Participant, error)
	Authorize(ctx context.Context, op, conversationID, userID string, perm conversation.Permission) (conversation.Conversation, conversation.Participant, error)
	ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]conversation.Participant, error)
	ListForUser(ctx context.Context, userID string) ([]conversation.Conversation, error)
	AddParticipant(ctx context.Context, actorID, conversationID, userID string, role conversation.Role) (conversation.Participant, error)
	RemoveParticipant(ctx context.Context, actorID, conversationID, userID string) error
	ChangeRole(ctx context.Context, actorID, conversationID, userID string, role conversation.Role) error
	Deactivate(ctx context.Context, actorID, conversationID string) error
}

// Messages is the message pipeline surface.
type Messages interface {
	Send(ctx context.Context, in message.SendInput) (message.Message, error)
	Get(ctx context.Context, actorID, id string) (message.Message, error)
	History(ctx context.Context, actorID, conversationID string, afterSeq int64, limit int) (message.HistoryPage, error)
	Edit(ctx context.Context, actorID, id, content string) (message.Message, error)
	Delete(ctx context.Context, actorID, id string) error
}

// Statuses is the status tracker surface.
type Statuses interface {
	MarkDelivered(ctx context.Context, messageID, userID string) (status.Status, error)
	MarkRead(ctx context.Context, messageID, userID string) (status.Status, error)
	MarkConversationRead(ctx context.Context, conversationID, userID string, uptoSeq int64) (int, error)
	GetStatus(ctx context.Context, actorID, messageID string) (map[string]status.State, error)
	Watermark(ctx context.Context, conversationID, userID string) (int64, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
}

// Escalations is the escalation engine surface.
type Escalations interface {
	Acknowledge(ctx context.Context, eventID, userID string) (escalation.Event, error)
	Get(ctx context.Context, actorID, eventID string) (escalation.Event, error)
	Attempts(ctx context.Context, actorID, eventID string) ([]escalation.Attempt, error)
	ListForConversation(ctx context.Context, actorID, conversationID string, limit int) ([]escalation.Event, error)
}

// SmartReplies is the smart reply surface.
type SmartReplies interface {
	Suggestions(ctx context.Context, conversationID, userID string) ([]smartreply.Suggestion, error)
	Consume(ctx context.Context, userID, id string) (smartreply.Suggestion, error)
}

// Translations is the translation cache surface.
type Translations interface {
	Translate(ctx context.Context, actorID, messageID, target string) (translation.Translation, error)
}

// Handler serves the /v1 routes.
type Handler struct {
	log      *slog.Logger
	verifier auth.Verifier
	now      func() time.Time

	convs        Conversations
	messages     Messages
	statuses     Statuses
	escalations  Escalations
	smartReplies SmartReplies
	translations Translations
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

func WithEscalations(e Escalations) Option { return func(h *Handler) { h.escalations = e } }

func WithSmartReplies(s SmartReplies) Option { return func(h *Handler) { h.smartReplies = s } }

func WithTranslations(t Translations) Option { return func(h *Handler) { h.translations = t } }

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler builds a Handler. Optional surfaces left unset answer 503.
func NewHandler(verifier auth.Verifier, convs Conversations, messages Messages, statuses Statuses, opts ...Option) *Handler {
	h := &Handler{
		log:      slog.Default(),
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
		convs:    convs,
		messages: messages,
		statuses: statuses,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register wires the /v1 routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/conversations", h.authed(h.handleCreateConversation))
	mux.HandleFunc("GET /v1/conversations", h.authed(h.handleListConversations))
	mux.HandleFunc("GET /v1/conversations/{id}", h.authed(h.handleGetConversation))
	mux.HandleFunc("POST /v1/conversations/{id}/deactivate", h.authed(h.handleDeactivate))
	mux.HandleFunc("GET /v1/conversations/{id}/participants", h.authed(h.handleListParticipants))
	mux.HandleFunc("POST /v1/conversations/{id}/participants", h.authed(h.handleAddParticipant))
	mux.HandleFunc("PATCH /v1/conversations/{id}/participants/{user}", h.authed(h.handleChangeRole))
	mux.HandleFunc("DELETE /v1/conversations/{id}/participants/{user}", h.authed(h.handleRemoveParticipant))

	mux.HandleFunc("POST /v1/conversations/{id}/messages", h.authed(h.handleSend))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.authed(h.handleHistory))
	mux.HandleFunc("POST /v1/conversations/{id}/read", h.authed(h.handleMarkConversationRead))
	mux.HandleFunc("GET /v1/conversations/{id}/unread", h.authed(h.handleUnread))

	mux.HandleFunc("GET /v1/messages/{id}", h.authed(h.handleGetMessage))
	mux.HandleFunc("PATCH /v1/messages/{id}", h.authed(h.handleEditMessage))
	mux.HandleFunc("DELETE /v1/messages/{id}", h.authed(h.handleDeleteMessage))
	mux.HandleFunc("GET /v1/messages/{id}/status", h.authed(h.handleMessageStatus))
	mux.HandleFunc("POST /v1/messages/{id}/delivered", h.authed(h.handleMarkDelivered))
	mux.HandleFunc("POST /v1/messages/{id}/read", h.authed(h.handleMarkRead))
	mux.HandleFunc("GET /v1/messages/{id}/translations/{lang}", h.authed(h.handleTranslate))

	mux.HandleFunc("GET /v1/conversations/{id}/escalations", h.authed(h.handleListEscalations))
	mux.HandleFunc("GET /v1/escalations/{id}", h.authed(h.handleGetEscalation))
	mux.HandleFunc("GET /v1/escalations/{id}/attempts", h.authed(h.handleEscalationAttempts))
	mux.HandleFunc("POST /v1/escalations/{id}/acknowledge", h.authed(h.handleAcknowledge))

	mux.HandleFunc("GET /v1/conversations/{id}/smart-replies", h.authed(h.handleSuggestions))
	mux.HandleFunc("POST /v1/smart-replies/{id}/use", h.authed(h.handleConsumeSuggestion))
}

type authedFunc func(w http.ResponseWriter, r *http.Request, userID string)

func (h *Handler) authed(fn authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.verifier == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "authentication not configured")
			return
		}
		claims, err := auth.Authenticate(h.verifier, r, h.now())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		fn(w, r.WithContext(auth.WithUser(r.Context(), claims.UserID)), claims.UserID)
	}
}
