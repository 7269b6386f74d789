package message

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBudgetMessages = 20
	defaultBudgetWindow   = 10 * time.Second
	defaultBudgetBurst    = 20

	budgetIdleTTL     = 10 * time.Minute
	budgetSweepPeriod = time.Minute
)

// Budget configures the per-(conversation, sender) message token bucket.
type Budget struct {
	Messages int
	Window   time.Duration
	Burst    int
}

func (b Budget) withDefaults() Budget {
	if b.Messages <= 0 {
		b.Messages = defaultBudgetMessages
	}
	if b.Window <= 0 {
		b.Window = defaultBudgetWindow
	}
	if b.Burst <= 0 {
		b.Burst = defaultBudgetBurst
	}
	return b
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one token bucket per key. Idle entries are swept lazily
// on access instead of by a background goroutine.
type limiterPool struct {
	budget Budget

	mu        sync.Mutex
	m         map[string]*limiterEntry
	lastSweep time.Time
}

func newLimiterPool(b Budget) *limiterPool {
	return &limiterPool{budget: b.withDefaults(), m: make(map[string]*limiterEntry)}
}

// reserve takes one token for key at now. It returns 0 when allowed, or how
// long the caller must wait before a token is available.
func (p *limiterPool) reserve(key string, now time.Time) time.Duration {
	p.mu.Lock()
	if now.Sub(p.lastSweep) >= budgetSweepPeriod {
		cutoff := now.Add(-budgetIdleTTL)
		for k, e := range p.m {
			if e.lastSeen.Before(cutoff) {
				delete(p.m, k)
			}
		}
		p.lastSweep = now
	}
	e, ok := p.m[key]
	if !ok {
		every := p.budget.Window / time.Duration(p.budget.Messages)
		e = &limiterEntry{l: rate.NewLimiter(rate.Every(every), p.budget.Burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	l := e.l
	p.mu.Unlock()

	r := l.ReserveN(now, 1)
	if !r.OK() {
		return p.budget.Window
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}
