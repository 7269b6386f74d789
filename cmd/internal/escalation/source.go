package escalation

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Source serves the current rule set from a file and swaps in new versions
// when the file changes. A bad edit keeps the previous rules in force.
type Source struct {
	path string
	log  *slog.Logger

	current atomic.Pointer[RuleSet]

	mu      sync.Mutex
	modTime time.Time
	size    int64
}

// NewSource loads path. An empty path yields an empty rule set that only
// carries the emergency fallback.
func NewSource(path string, log *slog.Logger) (*Source, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Source{path: path, log: log}
	if path == "" {
		s.current.Store(&RuleSet{})
		log.Warn("escalation.rules.none", "hint", "only the emergency fallback rule is active")
		return s, nil
	}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the rule set in force.
func (s *Source) Current() *RuleSet { return s.current.Load() }

// CoversEmergencyConversations reports on the rule set in force.
func (s *Source) CoversEmergencyConversations() bool {
	return s.Current().CoversEmergencyConversations()
}

// Reload re-reads the file if its mtime or size changed.
func (s *Source) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Load() != nil && fi.ModTime().Equal(s.modTime) && fi.Size() == s.size {
		return false, nil
	}

	rs, err := LoadRules(s.path)
	if err != nil {
		return false, err
	}
	s.current.Store(rs)
	s.modTime = fi.ModTime()
	s.size = fi.Size()
	s.log.Info("escalation.rules.loaded",
		"path", s.path,
		"rules", len(rs.Rules),
		"rosters", len(rs.Rosters),
		"contacts", len(rs.Contacts),
	)
	return true, nil
}

// Watch polls the file every interval until ctx ends.
func (s *Source) Watch(ctx context.Context, interval time.Duration) {
	if s.path == "" {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Reload(); err != nil {
				s.log.Error("escalation.rules.reload.fail", "path", s.path, "err", err)
			}
		}
	}
}
