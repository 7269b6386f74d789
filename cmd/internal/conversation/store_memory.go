package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"careline/cmd/internal/apperr"
)

// InMemoryStore is a dev-only Store used when no database is configured.
type InMemoryStore struct {
	mu      sync.Mutex
	convs   map[string]Conversation
	members map[string][]Participant // conversation id -> rows in join order
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:   make(map[string]Conversation),
		members: make(map[string][]Participant),
	}
}

func (s *InMemoryStore) Create(ctx context.Context, c Conversation, members []Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[c.ID]; ok {
		return apperr.E("conversation.store.Create", apperr.ErrConflict, "conversation exists")
	}
	s.convs[c.ID] = c
	rows := make([]Participant, len(members))
	copy(rows, members)
	s.members[c.ID] = rows
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, apperr.E("conversation.store.Get", apperr.ErrNotFound, "")
	}
	return c, nil
}

func (s *InMemoryStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0)
	for id, rows := range s.members {
		for _, p := range rows {
			if p.IsActive && p.UserID == userID {
				out = append(out, s.convs[id])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) Participants(ctx context.Context, conversationID string, activeOnly bool) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, apperr.E("conversation.store.Participants", apperr.ErrNotFound, "")
	}
	out := make([]Participant, 0, len(s.members[conversationID]))
	for _, p := range s.members[conversationID] {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *InMemoryStore) ActiveParticipant(ctx context.Context, conversationID, userID string) (Participant, error) {
	if err := ctx.Err(); err != nil {
		return Participant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.activeIndex(conversationID, userID); i >= 0 {
		return s.members[conversationID][i], nil
	}
	return Participant{}, apperr.E("conversation.store.ActiveParticipant", apperr.ErrNotFound, "")
}

func (s *InMemoryStore) AddParticipant(ctx context.Context, p Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[p.ConversationID]; !ok {
		return apperr.E("conversation.store.AddParticipant", apperr.ErrNotFound, "")
	}
	if s.activeIndex(p.ConversationID, p.UserID) >= 0 {
		return apperr.E("conversation.store.AddParticipant", apperr.ErrConflict, "already an active participant")
	}
	s.members[p.ConversationID] = append(s.members[p.ConversationID], p)
	return nil
}

func (s *InMemoryStore) LeaveParticipant(ctx context.Context, conversationID, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.activeIndex(conversationID, userID)
	if i < 0 {
		return apperr.E("conversation.store.LeaveParticipant", apperr.ErrNotFound, "")
	}
	left := at
	row := s.members[conversationID][i]
	row.IsActive = false
	row.LeftAt = &left
	s.members[conversationID][i] = row
	return nil
}

func (s *InMemoryStore) SetRole(ctx context.Context, conversationID, userID string, role Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.activeIndex(conversationID, userID)
	if i < 0 {
		return apperr.E("conversation.store.SetRole", apperr.ErrNotFound, "")
	}
	s.members[conversationID][i].Role = role
	return nil
}

func (s *InMemoryStore) Deactivate(ctx context.Context, conversationID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return apperr.E("conversation.store.Deactivate", apperr.ErrNotFound, "")
	}
	c.IsActive = false
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	s.convs[conversationID] = c
	return nil
}

func (s *InMemoryStore) Touch(ctx context.Context, conversationID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return apperr.E("conversation.store.Touch", apperr.ErrNotFound, "")
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
		s.convs[conversationID] = c
	}
	return nil
}

// activeIndex must be called with mu held.
func (s *InMemoryStore) activeIndex(conversationID, userID string) int {
	for i, p := range s.members[conversationID] {
		if p.IsActive && p.UserID == userID {
			return i
		}
	}
	return -1
}
