// Package timers turns durable timer rows into coordinator wake-ups. Rows
// live in the store (one per session, armed by the coordinators themselves);
// the runner here polls for due rows and delivers fires. Delivery is
// at-least-once: a fire that errors is re-armed at its original deadline so
// the next poll retries it, and the coordinator's deadline check makes
// redelivery harmless.
package timers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/slidedrift/backend/internal/store"
)

// Sink receives due fires. The hub adapts this onto coordinator inboxes.
type Sink interface {
	// DeliverFire hands one due deadline to the owning session. Returning an
	// error requeues the fire.
	DeliverFire(ctx context.Context, sessionID string, deadline time.Time) error
}

type Runner struct {
	store    store.TimerStore
	sink     Sink
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewRunner(st store.TimerStore, sink Sink, interval time.Duration, log *zap.Logger) *Runner {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Runner{
		store:    st,
		sink:     sink,
		interval: interval,
		batch:    64,
		log:      log.Named("timers"),
	}
}

// Run polls until ctx is done. Fire-time precision is bounded by the poll
// interval, which is fine for 45s/10s phase timers.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	due, err := r.store.PopDue(ctx, time.Now(), r.batch)
	if err != nil {
		r.log.Error("due scan failed", zap.Error(err))
		return
	}

	for _, row := range due {
		if err := r.sink.DeliverFire(ctx, row.SessionID, row.FireAt); err != nil {
			r.log.Error("fire delivery failed, re-arming",
				zap.String("session", row.SessionID), zap.Error(err))
			if armErr := r.store.ArmTimer(ctx, row.SessionID, row.FireAt); armErr != nil {
				r.log.Error("re-arm failed, fire lost until session touched",
					zap.String("session", row.SessionID), zap.Error(armErr))
			}
		}
	}
}
