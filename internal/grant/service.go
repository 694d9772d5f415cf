// Package grant manages the access-grant lifecycle after issuance:
// extension, revocation, expiry sweeping, and reconciliation of
// session-token grants that never captured a device address.
package grant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/domain"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/metrics"
	"github.com/rentalnet/guestgate/internal/queue"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/timeutil"
)

// reconcileAfter is how long a session-token grant may wait for its
// device address before the sweeper revokes it.
const reconcileAfter = 30 * time.Second

// Lifecycle errors the handlers map to HTTP codes.
var (
	ErrNotFound = errors.New("grant not found")
	ErrRevoked  = errors.New("grant is revoked")
)

// Actor identifies who performed an administrative grant operation.
type Actor struct {
	Name string
	Role string
}

// Service implements grant lifecycle operations.
type Service struct {
	store *store.Store
	queue *queue.Service
	audit *audit.Service
}

// NewService creates the grant service.
func NewService(st *store.Store, q *queue.Service, a *audit.Service) *Service {
	return &Service{store: st, queue: q, audit: a}
}

// Get fetches a grant by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.AccessGrant, error) {
	g, err := s.store.Grants.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return g, err
}

// List returns grants for the admin surface, optionally filtered by
// status.
func (s *Service) List(ctx context.Context, status string, limit, offset int) ([]domain.AccessGrant, error) {
	return s.store.Grants.List(ctx, status, limit, offset)
}

// Extend pushes the grant's end out by minutes from the later of the
// current end and now, rounded up to the minute. An EXPIRED grant
// comes back to life; a REVOKED grant stays revoked; a PENDING grant
// stays pending until the controller acks. Zero minutes is a no-op.
func (s *Service) Extend(ctx context.Context, id uuid.UUID, minutes int, by Actor) (*domain.AccessGrant, error) {
	if minutes < 0 {
		return nil, errors.New("extension minutes must be >= 0")
	}
	g, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Terminal() {
		return nil, ErrRevoked
	}
	if minutes == 0 {
		return g, nil
	}

	now := timeutil.Now()
	base := g.EndUTC
	if base.Before(now) {
		base = now
	}
	g.EndUTC = timeutil.CeilMinute(base.Add(time.Duration(minutes) * time.Minute))
	if g.Status == domain.GrantExpired {
		g.Status = domain.GrantActive
	}
	g.UpdatedUTC = now

	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.Grants.UpdateTx(ctx, tx, g); err != nil {
			return err
		}
		return s.queue.EnqueueExtendTx(ctx, tx, g)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.Entry{
		Actor:        by.Name,
		RoleSnapshot: by.Role,
		Action:       "grants.extend",
		TargetType:   "grant",
		TargetID:     g.ID.String(),
		Outcome:      domain.OutcomeSuccess,
		Meta:         map[string]any{"minutes": minutes, "end_utc": g.EndUTC.Format(time.RFC3339)},
	})
	logging.Info("grant extended",
		zap.String("grant_id", g.ID.String()),
		zap.Int("minutes", minutes),
		zap.Time("end_utc", g.EndUTC),
	)
	return g, nil
}

// Revoke terminates the grant immediately. The end time is set to the
// moment of revocation at second precision, not rounded to the minute.
// Revoking an already revoked grant is a no-op success.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, by Actor) (*domain.AccessGrant, error) {
	g, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status == domain.GrantRevoked {
		return g, nil
	}

	now := timeutil.Now().Truncate(time.Second)
	g.Status = domain.GrantRevoked
	if g.EndUTC.After(now) {
		g.EndUTC = now
	}
	g.UpdatedUTC = now

	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.Grants.UpdateTx(ctx, tx, g); err != nil {
			return err
		}
		return s.queue.EnqueueRevokeTx(ctx, tx, g)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.Entry{
		Actor:        by.Name,
		RoleSnapshot: by.Role,
		Action:       "grants.revoke",
		TargetType:   "grant",
		TargetID:     g.ID.String(),
		Outcome:      domain.OutcomeSuccess,
		Meta:         map[string]any{"end_utc": g.EndUTC.Format(time.RFC3339)},
	})
	logging.Info("grant revoked", zap.String("grant_id", g.ID.String()))
	return g, nil
}

// AttachMAC fills in the device address on a session-token grant once
// reconciliation finds it, and queues the controller authorize that was
// deferred at redemption.
func (s *Service) AttachMAC(ctx context.Context, g *domain.AccessGrant, mac string, up, down int) error {
	g.MAC = mac
	g.UpdatedUTC = timeutil.Now()
	return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.Grants.UpdateTx(ctx, tx, g); err != nil {
			return err
		}
		return s.queue.EnqueueAuthorizeTx(ctx, tx, g, up, down)
	})
}

// RunSweeper expires due grants and vouchers and revokes stale
// unreconciled session-token grants until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	logging.Info("grant sweeper started", zap.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			logging.Info("grant sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	now := timeutil.Now()

	if n, err := s.store.Grants.ExpireWhereDue(ctx, now); err != nil {
		logging.Error("grant expiry sweep failed", zap.Error(err))
	} else if n > 0 {
		metrics.GrantsExpired.Add(float64(n))
		logging.Info("grants expired", zap.Int64("count", n))
	}

	if n, err := s.store.Vouchers.ExpireWhereDue(ctx, now); err != nil {
		logging.Error("voucher expiry sweep failed", zap.Error(err))
	} else if n > 0 {
		logging.Info("vouchers expired", zap.Int64("count", n))
	}

	stale, err := s.store.Grants.FindUnreconciled(ctx, now.Add(-reconcileAfter))
	if err != nil {
		logging.Error("unreconciled grant lookup failed", zap.Error(err))
		return
	}
	for i := range stale {
		g := &stale[i]
		g.Status = domain.GrantRevoked
		g.EndUTC = now.Truncate(time.Second)
		g.UpdatedUTC = now
		if err := s.store.Grants.Update(ctx, g); err != nil {
			logging.Error("unreconciled grant revoke failed",
				zap.String("grant_id", g.ID.String()), zap.Error(err))
			continue
		}
		s.audit.Log(ctx, audit.Entry{
			Actor:      "system",
			Action:     "grants.revoke",
			TargetType: "grant",
			TargetID:   g.ID.String(),
			Outcome:    domain.OutcomeSuccess,
			Meta:       map[string]any{"reason": "mac never captured"},
		})
		logging.Warn("revoked unreconciled session-token grant",
			zap.String("grant_id", g.ID.String()))
	}
}
