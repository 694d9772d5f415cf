package reservation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/domain"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/metrics"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/timeutil"
)

// Staleness thresholds on consecutive failed polls. At the warning
// threshold the integration is flagged; at the refusal threshold new
// booking grants for it are declined until a poll succeeds.
const (
	StaleWarnThreshold   = 3
	StaleRefuseThreshold = 6
)

// Error backoff bounds for a failing integration, in seconds.
const (
	errorBackoffBase = 60
	errorBackoffCap  = 300
)

// Fetcher is the slice of the source client the poller needs.
type Fetcher interface {
	FetchEvents(ctx context.Context, entityPrefix string) ([]EventState, error)
}

// Poller refreshes the event cache for every enabled integration on a
// fixed cadence, backing off per integration on errors.
type Poller struct {
	store    *store.Store
	source   Fetcher
	interval time.Duration

	mu          sync.Mutex
	nextAttempt map[string]time.Time
}

// NewPoller creates a poller. Interval is the steady-state cadence.
func NewPoller(st *store.Store, source Fetcher, interval time.Duration) *Poller {
	return &Poller{
		store:       st,
		source:      source,
		interval:    interval,
		nextAttempt: make(map[string]time.Time),
	}
}

// Run polls until ctx is cancelled. The first batch runs immediately.
func (p *Poller) Run(ctx context.Context) {
	logging.Info("reservation poller started", zap.Duration("interval", p.interval))
	p.pollBatch(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info("reservation poller stopped")
			return
		case <-ticker.C:
			p.pollBatch(ctx)
		}
	}
}

func (p *Poller) pollBatch(ctx context.Context) {
	integrations, err := p.store.Integrations.ListEnabled(ctx)
	if err != nil {
		logging.Error("reservation poller could not list integrations", zap.Error(err))
		return
	}

	now := timeutil.Now()
	staleCount := 0
	for i := range integrations {
		ic := &integrations[i]
		if ic.StaleCount >= StaleWarnThreshold {
			staleCount++
		}
		if !p.due(ic.IntegrationID, now) {
			continue
		}
		p.pollOne(ctx, ic)
		if ctx.Err() != nil {
			return
		}
	}
	metrics.StaleIntegrations.Set(float64(staleCount))
}

func (p *Poller) due(integrationID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[integrationID]
	return !ok || !now.Before(next)
}

func (p *Poller) pollOne(ctx context.Context, ic *domain.IntegrationConfig) {
	events, err := p.source.FetchEvents(ctx, ic.EntityID)
	if err == nil {
		err = p.project(ctx, ic, events)
	}
	now := timeutil.Now()

	if err != nil {
		metrics.PollerRuns.WithLabelValues(ic.IntegrationID, "error").Inc()
		count, rerr := p.store.Integrations.RecordSyncFailure(ctx, ic.IntegrationID)
		if rerr != nil {
			logging.Error("reservation sync failure not recorded",
				zap.String("integration_id", ic.IntegrationID), zap.Error(rerr))
			count = ic.StaleCount + 1
		}
		delay := errorBackoff(count)
		p.mu.Lock()
		p.nextAttempt[ic.IntegrationID] = now.Add(delay)
		p.mu.Unlock()

		if count >= StaleWarnThreshold {
			logging.Warn("reservation data stale",
				zap.String("integration_id", ic.IntegrationID),
				zap.Int("consecutive_errors", count),
				zap.Bool("bookings_refused", count >= StaleRefuseThreshold),
				zap.Error(err),
			)
		} else {
			logging.Warn("reservation poll failed",
				zap.String("integration_id", ic.IntegrationID),
				zap.Int("consecutive_errors", count),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
		}
		return
	}

	metrics.PollerRuns.WithLabelValues(ic.IntegrationID, "success").Inc()
	if err := p.store.Integrations.RecordSyncSuccess(ctx, ic.IntegrationID, now); err != nil {
		logging.Error("reservation sync success not recorded",
			zap.String("integration_id", ic.IntegrationID), zap.Error(err))
	}
	p.mu.Lock()
	delete(p.nextAttempt, ic.IntegrationID)
	p.mu.Unlock()
	logging.Debug("reservation poll ok",
		zap.String("integration_id", ic.IntegrationID), zap.Int("events", len(events)))
}

// project upserts the fetched events into the cache. Events with no
// usable authorization identifier are skipped; the validator could
// never match them.
func (p *Poller) project(ctx context.Context, ic *domain.IntegrationConfig, events []EventState) error {
	now := timeutil.Now()
	for _, ev := range events {
		row := toDomain(ic.IntegrationID, ev, now)
		if row.AuthIdentifier(ic.AuthAttribute) == "" {
			logging.Debug("reservation event has no identifier, skipping",
				zap.String("integration_id", ic.IntegrationID), zap.Int("event_index", ev.Index))
			continue
		}
		if err := p.store.Events.Upsert(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func toDomain(integrationID string, ev EventState, now time.Time) *domain.RentalEvent {
	raw := "{}"
	if b, err := json.Marshal(ev.RawAttributes); err == nil {
		raw = string(b)
	}
	row := &domain.RentalEvent{
		IntegrationID: integrationID,
		EventIndex:    ev.Index,
		StartUTC:      ev.Start,
		EndUTC:        ev.End,
		RawAttributes: raw,
		CreatedUTC:    now,
		UpdatedUTC:    now,
	}
	if ev.SlotCode != "" {
		row.SlotCode = &ev.SlotCode
	}
	if ev.SlotName != "" {
		row.SlotName = &ev.SlotName
	}
	if ev.LastFour != "" {
		row.LastFour = &ev.LastFour
	}
	return row
}

// errorBackoff is min(60*2^errors, 300) seconds.
func errorBackoff(consecutiveErrors int) time.Duration {
	secs := errorBackoffBase
	for i := 0; i < consecutiveErrors && secs < errorBackoffCap; i++ {
		secs *= 2
	}
	if secs > errorBackoffCap {
		secs = errorBackoffCap
	}
	return time.Duration(secs) * time.Second
}
