package smartreply

import (
	"context"
	"sort"
	"sync"
	"time"

	"careline/cmd/internal/apperr"
)

// InMemoryStore is a process-local Store for dev and tests. It does not purge.
type InMemoryStore struct {
	mu   sync.Mutex
	byID map[string]*Suggestion
	keys map[string]bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]*Suggestion), keys: make(map[string]bool)}
}

func (s *InMemoryStore) Insert(ctx context.Context, in []Suggestion) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sg := range in {
		k := sg.ConversationID + "\x00" + sg.UserID + "\x00" + sg.ContextHash + "\x00" + sg.Text
		if s.keys[k] {
			continue
		}
		s.keys[k] = true
		cp := sg
		s.byID[sg.ID] = &cp
		n++
	}
	return n, nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.byID[id]
	if !ok {
		return Suggestion{}, apperr.E("smartreply.store.Get", apperr.ErrNotFound, "")
	}
	return clone(*sg), nil
}

func (s *InMemoryStore) Active(ctx context.Context, conversationID, userID, contextHash string, now time.Time, limit int) ([]Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Suggestion
	for _, sg := range s.byID {
		if sg.ConversationID != conversationID || sg.UserID != userID || sg.ContextHash != contextHash {
			continue
		}
		if sg.Servable(now) {
			out = append(out, clone(*sg))
		}
	}
	sortBest(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) MarkUsed(ctx context.Context, id string, at time.Time) (Suggestion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.byID[id]
	if !ok {
		return Suggestion{}, false, apperr.E("smartreply.store.MarkUsed", apperr.ErrNotFound, "")
	}
	if sg.IsUsed {
		return clone(*sg), false, nil
	}
	t := at
	sg.IsUsed = true
	sg.UsedAt = &t
	return clone(*sg), true, nil
}

func clone(s Suggestion) Suggestion {
	if s.UsedAt != nil {
		t := *s.UsedAt
		s.UsedAt = &t
	}
	return s
}

func sortBest(s []Suggestion) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Confidence != s[j].Confidence {
			return s[i].Confidence > s[j].Confidence
		}
		return s[i].CreatedAt.After(s[j].CreatedAt)
	})
}
