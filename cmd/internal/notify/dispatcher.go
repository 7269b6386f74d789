package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Attempt is the outcome of one channel send to one target.
type Attempt struct {
	UserID  string
	Channel string
	Err     error
	Took    time.Duration
}

// Outcome groups attempts for one target.
type Outcome struct {
	UserID   string
	Reached  bool
	Attempts []Attempt
}

// Dispatcher fans a notification out to targets over their channels in parallel.
type Dispatcher struct {
	channels map[string]Channel
	order    []string
	timeout  time.Duration
	limit    int
	log      *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAttemptTimeout bounds every single channel send.
func WithAttemptTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithParallelism bounds in-flight sends per dispatch.
func WithParallelism(n int) DispatcherOption {
	return func(x *Dispatcher) {
		if n > 0 {
			x.limit = n
		}
	}
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(x *Dispatcher) {
		if l != nil {
			x.log = l
		}
	}
}

// NewDispatcher registers channels by name. Later channels with a duplicate name win.
func NewDispatcher(channels []Channel, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[string]Channel, len(channels)),
		timeout:  10 * time.Second,
		limit:    8,
		log:      slog.Default(),
	}
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		if _, dup := d.channels[ch.Name()]; !dup {
			d.order = append(d.order, ch.Name())
		}
		d.channels[ch.Name()] = ch
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Has reports whether a channel is configured.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.channels[name]
	return ok
}

// Names lists configured channels in registration order.
func (d *Dispatcher) Names() []string {
	return append([]string(nil), d.order...)
}

// Reachable reports whether c can be reached through any of the named channels.
func (d *Dispatcher) Reachable(c Contact, channels []string) bool {
	for _, name := range channels {
		if ch, ok := d.channels[name]; ok && ch.Reachable(c) {
			return true
		}
	}
	return false
}

// Dispatch sends n to every target over every named channel it is reachable on.
// A target is reached when at least one channel succeeded. Outcomes come back in
// target order. Dispatch only fails when ctx ends before any send started.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []Contact, channels []string, n Notification) ([]Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, len(targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.limit)

	for i, target := range targets {
		outcomes[i].UserID = target.UserID
		for _, name := range channels {
			ch, ok := d.channels[name]
			if !ok || !ch.Reachable(target) {
				continue
			}
			i, target, ch := i, target, ch
			g.Go(func() error {
				start := time.Now()
				actx, cancel := context.WithTimeout(gctx, d.timeout)
				err := ch.Send(actx, target, n)
				cancel()

				a := Attempt{UserID: target.UserID, Channel: ch.Name(), Err: err, Took: time.Since(start)}
				if err != nil && !errors.Is(err, context.Canceled) {
					d.log.Warn("notify.send.failed",
						"event_id", n.EventID,
						"user_id", target.UserID,
						"channel", ch.Name(),
						"err", err,
					)
				}

				mu.Lock()
				outcomes[i].Attempts = append(outcomes[i].Attempts, a)
				if err == nil {
					outcomes[i].Reached = true
				}
				mu.Unlock()
				// Per-send errors are reported in outcomes, never through the group.
				return nil
			})
		}
	}
	_ = g.Wait()
	return outcomes, nil
}
