package message

import (
	"context"
	"sort"
	"sync"
	"time"

	"careline/cmd/internal/apperr"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// It keeps every message for the life of the process.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
	byID  map[string]*Message
}

type memConv struct {
	seq  int64
	msgs []*Message // ordered by seq
}

// NewInMemoryStore constructs an in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
		byID:  make(map[string]*Message),
	}
}

func (s *InMemoryStore) Append(ctx context.Context, m Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if m.ID == "" || m.ConversationID == "" {
		return Message{}, apperr.E("message.store.Append", apperr.ErrValidation, "missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[m.ID]; ok {
		return Message{}, apperr.E("message.store.Append", apperr.ErrConflict, "duplicate id")
	}

	c := s.convs[m.ConversationID]
	if c == nil {
		c = &memConv{msgs: make([]*Message, 0, 256)}
		s.convs[m.ConversationID] = c
	}

	c.seq++
	m.Seq = c.seq
	stored := cloneMessage(m)
	c.msgs = append(c.msgs, &stored)
	s.byID[m.ID] = &stored

	return cloneMessage(stored), nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, apperr.E("message.store.Get", apperr.ErrNotFound, "")
	}
	return cloneMessage(*m), nil
}

func (s *InMemoryStore) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}
	limit := clampLimit(q.Limit)
	now := q.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[q.ConversationID]
	if c == nil {
		return HistoryPage{Messages: []Message{}}, nil
	}

	start := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].Seq > q.AfterSeq })
	out := make([]Message, 0, limit+1)
	for _, m := range c.msgs[start:] {
		if q.BeforeSeq > 0 && m.Seq >= q.BeforeSeq {
			break
		}
		if !q.IncludeHidden && !m.Visible(now) {
			continue
		}
		out = append(out, cloneMessage(*m))
		if len(out) > limit {
			break
		}
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return HistoryPage{Messages: out, HasMore: hasMore}, nil
}

func (s *InMemoryStore) UpdateContent(ctx context.Context, id, content string, fromVersion int, at time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, apperr.E("message.store.UpdateContent", apperr.ErrNotFound, "")
	}
	if m.IsDeleted || m.EditVersion != fromVersion {
		return Message{}, apperr.E("message.store.UpdateContent", apperr.ErrConflict, "message changed concurrently")
	}
	m.Content = content
	m.EditVersion++
	m.IsEdited = true
	m.UpdatedAt = at
	return cloneMessage(*m), nil
}

func (s *InMemoryStore) SoftDelete(ctx context.Context, id string, at time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, apperr.E("message.store.SoftDelete", apperr.ErrNotFound, "")
	}
	if m.IsDeleted {
		return Message{}, apperr.E("message.store.SoftDelete", apperr.ErrConflict, "already deleted")
	}
	m.IsDeleted = true
	m.UpdatedAt = at
	return cloneMessage(*m), nil
}

func (s *InMemoryStore) CountVisibleAfter(ctx context.Context, conversationID string, afterSeq int64, excludeSender string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return 0, nil
	}
	start := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].Seq > afterSeq })
	n := 0
	for _, m := range c.msgs[start:] {
		if m.SenderID == excludeSender || !m.Visible(now) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *InMemoryStore) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.convs[conversationID]; c != nil {
		return c.seq, nil
	}
	return 0, nil
}

func cloneMessage(m Message) Message {
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	if m.Attachments != nil {
		m.Attachments = append(m.Attachments[:0:0], m.Attachments...)
	}
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		m.ExpiresAt = &t
	}
	return m
}
