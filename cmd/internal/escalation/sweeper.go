package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSweepCron runs the expiry sweep every minute.
const DefaultSweepCron = "* * * * *"

// ValidCron reports whether expr is a cron expression gronx accepts.
func ValidCron(expr string) bool {
	return gronx.IsValid(expr)
}

// RunSweeper runs Sweep on the cron schedule until ctx ends.
func (e *Engine) RunSweeper(ctx context.Context, cronExpr string) error {
	if cronExpr == "" {
		cronExpr = DefaultSweepCron
	}
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("escalation: invalid sweep cron %q", cronExpr)
	}
	e.log.Info("escalation.sweeper.started", "cron", cronExpr, "window", e.cfg.Window.String())

	for {
		next, err := gronx.NextTickAfter(cronExpr, e.now(), false)
		if err != nil {
			e.log.Error("escalation.sweeper.next_tick.fail", "cron", cronExpr, "err", err)
			next = e.now().Add(30 * time.Second)
		}

		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			e.log.Info("escalation.sweeper.stopped")
			return nil
		case <-t.C:
		}

		n, err := e.Sweep(ctx)
		if err != nil {
			e.log.Error("escalation.sweep.fail", "err", err)
			continue
		}
		if n > 0 {
			e.log.Info("escalation.sweep.done", "expired", n)
		}
	}
}
