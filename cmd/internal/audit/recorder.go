package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"careline/cmd/identity/ids"
	"careline/cmd/internal/alert"
	"careline/cmd/internal/metrics"
)

const (
	defaultBatchSize      = 64
	defaultRetryBase      = 100 * time.Millisecond
	defaultRetryMax       = 5 * time.Second
	defaultAlertThreshold = 5

	maxTrackedResources = 10_000
)

// Recorder is the Sink used in production: a never-blocking queue in front of a Store.
//
// Ordering: a single writer goroutine persists entries in the order Record was called,
// and timestamps are forced strictly increasing per resource, so entries for one
// resource are totally ordered by both commit and timestamp.
type Recorder struct {
	store   Store
	log     *slog.Logger
	alerts  alert.Alerter
	metrics *metrics.Metrics
	now     func() time.Time

	batchSize      int
	retryBase      time.Duration
	retryMax       time.Duration
	alertThreshold int

	mu      sync.Mutex
	queue   []Entry
	lastTS  map[string]time.Time
	closed  bool
	wake    chan struct{}
	abandon chan struct{}
	stopped chan struct{}

	abandonOnce sync.Once
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithAlerter sets the alerter raised when writes keep failing.
func WithAlerter(a alert.Alerter) Option {
	return func(r *Recorder) { r.alerts = a }
}

// WithMetrics attaches metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRetry overrides the retry backoff bounds.
func WithRetry(base, max time.Duration) Option {
	return func(r *Recorder) {
		if base > 0 {
			r.retryBase = base
		}
		if max >= base && max > 0 {
			r.retryMax = max
		}
	}
}

// WithAlertThreshold sets how many consecutive failed writes raise an alert.
func WithAlertThreshold(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.alertThreshold = n
		}
	}
}

// NewRecorder starts a Recorder writing to store.
func NewRecorder(store Store, log *slog.Logger, opts ...Option) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		store:          store,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
		batchSize:      defaultBatchSize,
		retryBase:      defaultRetryBase,
		retryMax:       defaultRetryMax,
		alertThreshold: defaultAlertThreshold,
		lastTS:         make(map[string]time.Time),
		wake:           make(chan struct{}, 1),
		abandon:        make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	go r.run()
	return r
}

// Record queues e. It never blocks on I/O and never fails.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	if e.Action == "" {
		r.log.WarnContext(ctx, "audit.record.skip", "reason", "empty action", "resource_type", e.ResourceType)
		return
	}

	now := r.now()
	if e.ID == "" {
		e.ID = ids.New(now)
	}
	e.Details = cloneDetails(e.Details)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.ErrorContext(ctx, "audit.record.after_close", "action", e.Action, "resource_id", e.ResourceID)
		return
	}

	// Postgres keeps microseconds; keep per-resource timestamps strictly increasing at that precision.
	key := e.ResourceType + "/" + e.ResourceID
	ts := now.Truncate(time.Microsecond)
	if last, ok := r.lastTS[key]; ok && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	r.lastTS[key] = ts
	e.Timestamp = ts

	if len(r.lastTS) > maxTrackedResources {
		r.pruneLocked(ts)
	}

	r.queue = append(r.queue, e)
	depth := len(r.queue)

	// Signal under the lock so Close cannot close wake between the check and the send.
	select {
	case r.wake <- struct{}{}:
	default:
	}
	r.mu.Unlock()

	r.metrics.AuditQueueDepth(depth)
}

// pruneLocked forgets per-resource timestamps that can no longer collide with new ones.
func (r *Recorder) pruneLocked(now time.Time) {
	cut := now.Add(-time.Second)
	for k, ts := range r.lastTS {
		if ts.Before(cut) {
			delete(r.lastTS, k)
		}
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to end.
// Entries still queued when ctx ends are logged at ERROR as lost.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.wake)
	}
	r.mu.Unlock()

	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		r.abandonOnce.Do(func() { close(r.abandon) })
		<-r.stopped
		r.mu.Lock()
		lost := len(r.queue)
		r.mu.Unlock()
		if lost > 0 {
			r.log.Error("audit.close.lost", "entries", lost, "err", ctx.Err())
		}
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.stopped)

	failures := 0
	alerted := false
	backoff := r.retryBase

	for {
		batch, closed := r.next()
		if len(batch) == 0 {
			if closed {
				return
			}
			if _, ok := <-r.wake; !ok {
				// Closed: loop once more to drain anything queued before close.
				if b, _ := r.next(); len(b) == 0 {
					return
				}
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := r.store.Append(ctx, batch)
		cancel()

		if err == nil {
			r.commit(len(batch))
			if alerted {
				r.log.Info("audit.flush.recovered", "after_failures", failures)
			}
			failures, alerted, backoff = 0, false, r.retryBase
			continue
		}

		failures++
		r.metrics.AuditWriteFailed()
		r.log.Warn("audit.flush.retry", "err", err, "batch", len(batch), "failures", failures, "backoff", backoff)

		if failures >= r.alertThreshold && !alerted {
			alerted = true
			if r.alerts != nil {
				r.alerts.Raise(context.Background(), alert.Alert{
					Kind:    alert.KindAuditFailing,
					Summary: "audit log writes are failing; entries are buffered in memory",
					Details: map[string]any{"failures": failures, "err": err.Error()},
				})
			}
		}

		select {
		case <-time.After(backoff):
		case <-r.abandon:
			return
		}
		backoff *= 2
		if backoff > r.retryMax {
			backoff = r.retryMax
		}
	}
}

// next returns the head of the queue without removing it (removal happens on commit).
func (r *Recorder) next() ([]Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.queue)
	if n > r.batchSize {
		n = r.batchSize
	}
	return append([]Entry(nil), r.queue[:n]...), r.closed
}

func (r *Recorder) commit(n int) {
	r.mu.Lock()
	r.queue = r.queue[n:]
	depth := len(r.queue)
	r.mu.Unlock()
	r.metrics.AuditQueueDepth(depth)
}

// Flush waits until every entry recorded so far has been persisted.
func (r *Recorder) Flush(ctx context.Context) error {
	if r == nil {
		return nil
	}
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for {
		r.mu.Lock()
		n := len(r.queue)
		r.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
