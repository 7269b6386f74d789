package translation

import (
	"context"
	"sync"
)

// InMemoryStore is a process-local Store.
type InMemoryStore struct {
	mu sync.RWMutex
	m  map[Key]Translation
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{m: make(map[Key]Translation)}
}

func (s *InMemoryStore) Get(ctx context.Context, k Key) (Translation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.m[k]
	return t, ok, nil
}

func (s *InMemoryStore) Put(ctx context.Context, t Translation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[t.Key()]; !ok {
		s.m[t.Key()] = t
	}
	return nil
}
