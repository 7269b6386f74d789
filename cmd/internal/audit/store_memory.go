package audit

import (
	"context"
	"sync"
)

// InMemoryStore is an append-only slice used in dev mode and tests.
type InMemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make([]Entry, 0, 256)}
}

// Append stores entries in order.
func (s *InMemoryStore) Append(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, e := range entries {
		e.Details = cloneDetails(e.Details)
		s.entries = append(s.entries, e)
	}
	s.mu.Unlock()
	return nil
}

// List returns matching entries in append order.
func (s *InMemoryStore) List(ctx context.Context, q Query) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range s.entries {
		if !q.matches(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func cloneDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
