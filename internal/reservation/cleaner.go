package reservation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/domain"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/timeutil"
)

// Cleaner removes long-finished events once a day at a fixed local
// hour.
type Cleaner struct {
	store         *store.Store
	audit         *audit.Service
	retentionDays int
	hourLocal     int
}

// NewCleaner creates the retention cleaner.
func NewCleaner(st *store.Store, a *audit.Service, retentionDays, hourLocal int) *Cleaner {
	return &Cleaner{store: st, audit: a, retentionDays: retentionDays, hourLocal: hourLocal}
}

// Run sleeps until the next scheduled hour, cleans, and repeats until
// ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	logging.Info("event retention cleaner started",
		zap.Int("retention_days", c.retentionDays), zap.Int("hour_local", c.hourLocal))
	for {
		next := NextRun(time.Now().Local(), c.hourLocal)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logging.Info("event retention cleaner stopped")
			return
		case <-timer.C:
			c.cleanOnce(ctx)
		}
	}
}

func (c *Cleaner) cleanOnce(ctx context.Context) {
	cutoff := timeutil.Now().AddDate(0, 0, -c.retentionDays)
	n, err := c.store.Events.DeleteWhereEndBefore(ctx, cutoff)
	if err != nil {
		logging.Error("event retention cleanup failed", zap.Error(err))
		return
	}
	c.audit.Log(ctx, audit.Entry{
		Actor:      "system",
		Action:     "rental_events.cleanup",
		TargetType: "rental_events",
		TargetID:   "*",
		Outcome:    domain.OutcomeSuccess,
		Meta:       map[string]any{"deleted": n, "cutoff_utc": cutoff.Format(time.RFC3339)},
	})
	logging.Info("event retention cleanup done", zap.Int64("deleted", n))
}

// NextRun returns the next occurrence of the target local hour after
// now.
func NextRun(now time.Time, hourLocal int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hourLocal, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
