package translation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"

	pebble "github.com/cockroachdb/pebble"
)

// PebbleStore is an embedded, durable Store for single-node deployments.
type PebbleStore struct {
	db *pebble.DB
	// serializes first-write-wins Put
	mu sync.Mutex
}

// OpenPebbleStore opens or creates the cache at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func pebbleKey(k Key) []byte {
	return []byte("tr:" + k.String())
}

func (s *PebbleStore) Get(ctx context.Context, k Key) (Translation, bool, error) {
	v, closer, err := s.db.Get(pebbleKey(k))
	if errors.Is(err, pebble.ErrNotFound) {
		return Translation{}, false, nil
	}
	if err != nil {
		return Translation{}, false, err
	}
	defer closer.Close()

	var t Translation
	if err := json.Unmarshal(v, &t); err != nil {
		return Translation{}, false, err
	}
	return t, true, nil
}

func (s *PebbleStore) Put(ctx context.Context, t Translation) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pebbleKey(t.Key())
	_, closer, err := s.db.Get(key)
	if err == nil {
		return closer.Close()
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}
