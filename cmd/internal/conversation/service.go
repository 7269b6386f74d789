package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"careline/cmd/identity/ids"
	"careline/cmd/internal/apperr"
	"careline/cmd/internal/audit"
)

// EmergencyRules reports whether the escalation rule set can serve emergency conversations.
type EmergencyRules interface {
	CoversEmergencyConversations() bool
}

// Permission is what an operation requires from the acting participant.
type Permission int

const (
	PermRead Permission = iota
	PermWrite
	PermManage
	PermAdmin
)

func (p Permission) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	case PermManage:
		return "manage"
	case PermAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

func (p Permission) allows(r Role) bool {
	switch p {
	case PermRead:
		return r.Valid()
	case PermWrite:
		return r.CanWrite()
	case PermManage:
		return r.CanManage()
	case PermAdmin:
		return r == RoleAdmin
	default:
		return false
	}
}

// Service implements the conversation operations on top of a Store.
type Service struct {
	store Store
	audit audit.Sink
	rules EmergencyRules
	log   *slog.Logger
	now   func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEmergencyRules sets the rule set consulted when creating emergency conversations.
func WithEmergencyRules(r EmergencyRules) ServiceOption {
	return func(s *Service) { s.rules = r }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service. sink may be nil.
func NewService(store Store, sink audit.Sink, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("conversation: nil store")
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	s := &Service{
		store: store,
		audit: sink,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Member is a requested participant at creation time.
type Member struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	Role   Role   `json:"role" validate:"omitempty,oneof=admin moderator participant read_only"`
}

// CreateInput describes a new conversation.
type CreateInput struct {
	Kind              Kind     `json:"kind" validate:"required,oneof=direct group broadcast emergency"`
	Title             string   `json:"title" validate:"max=200"`
	Description       string   `json:"description" validate:"max=2000"`
	CreatedBy         string   `json:"-" validate:"required,max=128"`
	EncryptionEnabled bool     `json:"encryption_enabled"`
	RetentionDays     int      `json:"retention_days" validate:"gte=0,lte=36500"`
	Participants      []Member `json:"participants" validate:"max=500,dive"`
}

// Create creates a conversation. The creator always becomes an admin.
func (s *Service) Create(ctx context.Context, in CreateInput) (Conversation, []Participant, error) {
	const op = "conversation.Create"

	in.CreatedBy = strings.TrimSpace(in.CreatedBy)
	in.Title = strings.TrimSpace(in.Title)
	if err := apperr.Check(op, in); err != nil {
		return Conversation{}, nil, err
	}

	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, nil, err
	}

	seen := map[string]bool{in.CreatedBy: true}
	members := []Participant{{
		ConversationID: id, UserID: in.CreatedBy, Role: RoleAdmin, JoinedAt: now, IsActive: true,
	}}
	for _, m := range in.Participants {
		uid := strings.TrimSpace(m.UserID)
		if seen[uid] {
			continue
		}
		seen[uid] = true
		role := m.Role
		if role == "" {
			role = RoleParticipant
		}
		members = append(members, Participant{
			ConversationID: id, UserID: uid, Role: role, JoinedAt: now, IsActive: true,
		})
	}

	switch in.Kind {
	case KindDirect:
		if len(members) != 2 {
			return Conversation{}, nil, apperr.E(op, apperr.ErrValidation, "direct conversations need exactly 2 distinct participants")
		}
	case KindEmergency:
		if s.rules == nil || !s.rules.CoversEmergencyConversations() {
			return Conversation{}, nil, apperr.E(op, apperr.ErrValidation, "no escalation rule covers emergency conversations")
		}
	}

	c := Conversation{
		ID:                id,
		Kind:              in.Kind,
		Title:             in.Title,
		Description:       in.Description,
		CreatedBy:         in.CreatedBy,
		EncryptionEnabled: in.EncryptionEnabled,
		RetentionDays:     in.RetentionDays,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, c, members); err != nil {
		return Conversation{}, nil, err
	}

	s.log.Info("conversation.created", "conversation_id", id, "kind", string(in.Kind), "participants", len(members))
	s.audit.Record(ctx, audit.Entry{
		UserID:       in.CreatedBy,
		Action:       audit.ActionConversationCreated,
		ResourceType: audit.ResourceConversation,
		ResourceID:   id,
		Details: map[string]any{
			"kind":               string(in.Kind),
			"participants":       len(members),
			"encryption_enabled": in.EncryptionEnabled,
		},
	})
	return c, members, nil
}

// Get returns a conversation by id.
func (s *Service) Get(ctx context.Context, id string) (Conversation, error) {
	return s.store.Get(ctx, strings.TrimSpace(id))
}

// ListParticipants returns participants in join order.
func (s *Service) ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]Participant, error) {
	return s.store.Participants(ctx, conversationID, activeOnly)
}

// ActiveParticipant returns the active membership of userID, or apperr.ErrNotFound.
func (s *Service) ActiveParticipant(ctx context.Context, conversationID, userID string) (Participant, error) {
	return s.store.ActiveParticipant(ctx, conversationID, userID)
}

// ListForUser returns the conversations userID actively participates in, most recently updated first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	return s.store.ListForUser(ctx, userID)
}

// Touch bumps updated_at. Callers hold the conversation's serialization point.
func (s *Service) Touch(ctx context.Context, conversationID string, at time.Time) error {
	return s.store.Touch(ctx, conversationID, at)
}

// Authorize checks that userID may perform an operation needing perm in conversationID.
//
// Non-read permissions also require the conversation to be active. Denials are
// audited as access_denied and returned as apperr.ErrUnauthorized.
func (s *Service) Authorize(ctx context.Context, op, conversationID, userID string, perm Permission) (Conversation, Participant, error) {
	c, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return Conversation{}, Participant{}, err
	}

	p, err := s.store.ActiveParticipant(ctx, conversationID, userID)
	if err != nil {
		if apperr.IsNotFound(err) {
			s.deny(ctx, op, conversationID, userID, perm, "not an active participant")
			return c, Participant{}, apperr.E(op, apperr.ErrUnauthorized, "not an active participant")
		}
		return c, Participant{}, err
	}
	if !perm.allows(p.Role) {
		s.deny(ctx, op, conversationID, userID, perm, "role "+string(p.Role))
		return c, p, apperr.Ef(op, apperr.ErrUnauthorized, "role %s lacks %s permission", p.Role, perm)
	}
	if perm != PermRead && !c.IsActive {
		return c, p, apperr.E(op, apperr.ErrConversationInactive, "")
	}
	return c, p, nil
}

func (s *Service) deny(ctx context.Context, op, conversationID, userID string, perm Permission, reason string) {
	s.log.Warn("conversation.access.denied",
		"op", op, "conversation_id", conversationID, "user_id", userID, "permission", perm.String(), "reason", reason)
	s.audit.Record(ctx, audit.Entry{
		UserID:       userID,
		Action:       audit.ActionAccessDenied,
		ResourceType: audit.ResourceConversation,
		ResourceID:   conversationID,
		Details:      map[string]any{"op": op, "permission": perm.String(), "reason": reason},
	})
}

// AddParticipant adds userID with role. actor must be an admin or moderator.
func (s *Service) AddParticipant(ctx context.Context, actorID, conversationID, userID string, role Role) (Participant, error) {
	const op = "conversation.AddParticipant"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Participant{}, apperr.E(op, apperr.ErrValidation, "user_id required")
	}
	if role == "" {
		role = RoleParticipant
	}
	if !role.Valid() {
		return Participant{}, apperr.Ef(op, apperr.ErrValidation, "unknown role %q", role)
	}

	c, _, err := s.Authorize(ctx, op, conversationID, actorID, PermManage)
	if err != nil {
		return Participant{}, err
	}
	if c.Kind == KindDirect {
		return Participant{}, apperr.E(op, apperr.ErrValidation, "direct conversations cannot gain participants")
	}

	p := Participant{ConversationID: conversationID, UserID: userID, Role: role, JoinedAt: s.now(), IsActive: true}
	if err := s.store.AddParticipant(ctx, p); err != nil {
		return Participant{}, err
	}

	s.audit.Record(ctx, audit.Entry{
		UserID:       actorID,
		Action:       audit.ActionParticipantAdded,
		ResourceType: audit.ResourceParticipant,
		ResourceID:   participantResourceID(conversationID, userID),
		Details:      map[string]any{"conversation_id": conversationID, "user_id": userID, "role": string(role)},
	})
	return p, nil
}

// RemoveParticipant soft-removes userID. Participants may always leave themselves;
// removing someone else needs an admin or moderator.
func (s *Service) RemoveParticipant(ctx context.Context, actorID, conversationID, userID string) error {
	const op = "conversation.RemoveParticipant"

	perm := PermManage
	if actorID == userID {
		perm = PermRead
	}
	c, _, err := s.Authorize(ctx, op, conversationID, actorID, perm)
	if err != nil {
		return err
	}
	if c.Kind == KindDirect {
		return apperr.E(op, apperr.ErrValidation, "direct conversations cannot lose participants; deactivate instead")
	}

	if err := s.store.LeaveParticipant(ctx, conversationID, userID, s.now()); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{
		UserID:       actorID,
		Action:       audit.ActionParticipantRemoved,
		ResourceType: audit.ResourceParticipant,
		ResourceID:   participantResourceID(conversationID, userID),
		Details:      map[string]any{"conversation_id": conversationID, "user_id": userID},
	})
	return nil
}

// ChangeRole sets userID's role. actor must be an admin.
func (s *Service) ChangeRole(ctx context.Context, actorID, conversationID, userID string, role Role) error {
	const op = "conversation.ChangeRole"

	if !role.Valid() {
		return apperr.Ef(op, apperr.ErrValidation, "unknown role %q", role)
	}
	if _, _, err := s.Authorize(ctx, op, conversationID, actorID, PermAdmin); err != nil {
		return err
	}

	prev, err := s.store.ActiveParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if prev.Role == role {
		return nil
	}
	if err := s.store.SetRole(ctx, conversationID, userID, role); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{
		UserID:       actorID,
		Action:       audit.ActionParticipantRoleChanged,
		ResourceType: audit.ResourceParticipant,
		ResourceID:   participantResourceID(conversationID, userID),
		Details:      map[string]any{"conversation_id": conversationID, "from": string(prev.Role), "to": string(role)},
	})
	return nil
}

// Deactivate soft-deactivates a conversation. actor must be an admin.
func (s *Service) Deactivate(ctx context.Context, actorID, conversationID string) error {
	const op = "conversation.Deactivate"

	if _, _, err := s.Authorize(ctx, op, conversationID, actorID, PermAdmin); err != nil {
		return err
	}
	if err := s.store.Deactivate(ctx, conversationID, s.now()); err != nil {
		return err
	}

	s.log.Info("conversation.deactivated", "conversation_id", conversationID, "actor_id", actorID)
	s.audit.Record(ctx, audit.Entry{
		UserID:       actorID,
		Action:       audit.ActionConversationDeactivated,
		ResourceType: audit.ResourceConversation,
		ResourceID:   conversationID,
	})
	return nil
}

func participantResourceID(conversationID, userID string) string {
	return conversationID + ":" + userID
}
