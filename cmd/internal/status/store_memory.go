package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"careline/cmd/internal/apperr"
)

// InMemoryStore is a dev-only Store.
type InMemoryStore struct {
	mu         sync.Mutex
	rows       map[string]map[string]*Status // message id -> user id -> row
	watermarks map[string]int64              // conversation|user -> seq
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rows:       make(map[string]map[string]*Status),
		watermarks: make(map[string]int64),
	}
}

func (s *InMemoryStore) Init(ctx context.Context, rows []Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		byUser := s.rows[r.MessageID]
		if byUser == nil {
			byUser = make(map[string]*Status)
			s.rows[r.MessageID] = byUser
		}
		if _, ok := byUser[r.UserID]; ok {
			continue
		}
		row := r
		byUser[r.UserID] = &row
	}
	return nil
}

func (s *InMemoryStore) Transition(ctx context.Context, next Status) (State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser := s.rows[next.MessageID]
	if byUser == nil {
		byUser = make(map[string]*Status)
		s.rows[next.MessageID] = byUser
	}
	cur, ok := byUser[next.UserID]
	if !ok {
		row := next
		byUser[next.UserID] = &row
		return "", nil
	}

	prev := cur.State
	switch {
	case next.State.Rank() < prev.Rank():
		return prev, apperr.Ef("status.store.Transition", apperr.ErrInvalidTransition, "%s -> %s", prev, next.State)
	case next.State.Rank() > prev.Rank():
		cur.State = next.State
		cur.UpdatedAt = next.UpdatedAt
	}
	return prev, nil
}

func (s *InMemoryStore) ReadUpTo(ctx context.Context, conversationID, userID string, uptoSeq int64, at time.Time) ([]Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0)
	for _, byUser := range s.rows {
		r, ok := byUser[userID]
		if !ok || r.ConversationID != conversationID || r.Seq > uptoSeq || r.State == StateRead {
			continue
		}
		r.State = StateRead
		r.UpdatedAt = at
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *InMemoryStore) ListForMessage(ctx context.Context, messageID string) ([]Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.rows[messageID]))
	for _, r := range s.rows[messageID] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *InMemoryStore) Watermark(ctx context.Context, conversationID, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[conversationID+"|"+userID], nil
}

func (s *InMemoryStore) AdvanceWatermark(ctx context.Context, conversationID, userID string, seq int64, _ time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversationID + "|" + userID
	if seq <= s.watermarks[key] {
		return false, nil
	}
	s.watermarks[key] = seq
	return true, nil
}
