package gateway

import (
	"sync"
	"time"
)

// frameLimiter caps inbound frames per connection over a sliding window.
// Timestamps live in a fixed ring sized to the limit.
type frameLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	filled int
	window time.Duration
}

func newFrameLimiter(limit int, window time.Duration) *frameLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &frameLimiter{ring: make([]time.Time, limit), window: window}
}

// admit records a frame at now. When the window is full it returns false and
// how long until the oldest frame ages out.
func (l *frameLimiter) admit(now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filled < len(l.ring) {
		l.ring[l.next] = now
		l.next = (l.next + 1) % len(l.ring)
		l.filled++
		return true, 0
	}

	// next is the oldest slot once the ring is full.
	oldest := l.ring[l.next]
	if wait := oldest.Add(l.window).Sub(now); wait > 0 {
		return false, wait
	}
	l.ring[l.next] = now
	l.next = (l.next + 1) % len(l.ring)
	return true, 0
}
