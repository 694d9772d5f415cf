// Package queue is the durable retry queue for controller operations.
// Grant mutations enqueue inside their own transaction; a single
// worker drains the queue with exponential backoff and bounded
// attempts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/controller"
	"github.com/rentalnet/guestgate/internal/domain"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/metrics"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/timeutil"
)

// MaxAttempts bounds retries per queued operation.
const MaxAttempts = 5

// errGrantNotLive marks a queued authorize or extend whose grant was
// revoked or expired while the op waited. The op is dropped, never
// executed.
var errGrantNotLive = errors.New("grant no longer live")

// baseDelay seeds the exponential backoff schedule: 2s, 4s, 8s, 16s,
// capped at maxDelay, each with jitter.
const (
	baseDelay = 2 * time.Second
	maxDelay  = 60 * time.Second
	pollEvery = time.Second
)

// Payload is the JSON body of a queued controller operation.
type Payload struct {
	MAC               string `json:"mac"`
	EndMicros         int64  `json:"end_micros,omitempty"`
	UpKbps            int    `json:"up_kbps,omitempty"`
	DownKbps          int    `json:"down_kbps,omitempty"`
	ControllerGrantID string `json:"controller_grant_id,omitempty"`
}

// Service enqueues operations and runs the drain worker.
type Service struct {
	store *store.Store
	ctrl  controller.Controller
	audit *audit.Service
}

// NewService creates the queue service.
func NewService(st *store.Store, ctrl controller.Controller, auditSvc *audit.Service) *Service {
	return &Service{store: st, ctrl: ctrl, audit: auditSvc}
}

// EnqueueAuthorizeTx queues an authorize for the grant inside the
// caller's transaction.
func (s *Service) EnqueueAuthorizeTx(ctx context.Context, tx *sqlx.Tx, g *domain.AccessGrant, up, down int) error {
	return s.enqueueTx(ctx, tx, store.OpAuthorize, g.ID, Payload{
		MAC:       g.MAC,
		EndMicros: g.EndUTC.UnixMicro(),
		UpKbps:    up,
		DownKbps:  down,
	})
}

// EnqueueExtendTx queues an expiry update for the grant.
func (s *Service) EnqueueExtendTx(ctx context.Context, tx *sqlx.Tx, g *domain.AccessGrant) error {
	p := Payload{MAC: g.MAC, EndMicros: g.EndUTC.UnixMicro()}
	if g.ControllerGrantID != nil {
		p.ControllerGrantID = *g.ControllerGrantID
	}
	return s.enqueueTx(ctx, tx, store.OpExtend, g.ID, p)
}

// EnqueueRevokeTx queues a revoke for the grant.
func (s *Service) EnqueueRevokeTx(ctx context.Context, tx *sqlx.Tx, g *domain.AccessGrant) error {
	p := Payload{MAC: g.MAC}
	if g.ControllerGrantID != nil {
		p.ControllerGrantID = *g.ControllerGrantID
	}
	return s.enqueueTx(ctx, tx, store.OpRevoke, g.ID, p)
}

func (s *Service) enqueueTx(ctx context.Context, tx *sqlx.Tx, opType string, grantID uuid.UUID, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	now := timeutil.Now()
	return s.store.Queue.EnqueueTx(ctx, tx, &store.ControllerOp{
		ID:             uuid.New(),
		OpType:         opType,
		GrantID:        grantID,
		Payload:        string(body),
		Attempts:       0,
		NextAttemptUTC: now,
		CreatedUTC:     now,
	})
}

// Run drains the queue until ctx is cancelled. One worker per process;
// ordering within a grant rides on oldest-first scheduling.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	heartbeat := time.NewTicker(time.Minute)
	defer heartbeat.Stop()

	logging.Info("retry queue worker started")
	for {
		select {
		case <-ctx.Done():
			logging.Info("retry queue worker stopped")
			return
		case <-heartbeat.C:
			logging.Debug("retry queue heartbeat")
		case <-ticker.C:
			s.drainDue(ctx)
		}
	}
}

func (s *Service) drainDue(ctx context.Context) {
	ops, err := s.store.Queue.Due(ctx, timeutil.Now(), 20)
	if err != nil {
		logging.Error("retry queue fetch failed", zap.Error(err))
		return
	}
	for _, op := range ops {
		s.execute(ctx, op)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Service) execute(ctx context.Context, op store.ControllerOp) {
	var p Payload
	if err := json.Unmarshal([]byte(op.Payload), &p); err != nil {
		logging.Error("retry queue payload corrupt, dropping",
			zap.String("op_id", op.ID.String()), zap.Error(err))
		s.store.Queue.MarkDead(ctx, op.ID, op.Attempts)
		return
	}

	attempts := op.Attempts + 1
	err := s.dispatch(ctx, op, p)
	if errors.Is(err, errGrantNotLive) {
		metrics.ControllerOps.WithLabelValues(op.OpType, "skipped").Inc()
		s.store.Queue.Delete(ctx, op.ID)
		logging.Info("controller operation skipped, grant no longer live",
			zap.String("op", op.OpType),
			zap.String("grant_id", op.GrantID.String()),
		)
		return
	}
	if err == nil {
		metrics.ControllerOps.WithLabelValues(op.OpType, "success").Inc()
		s.store.Queue.Delete(ctx, op.ID)
		logging.Info("controller operation applied",
			zap.String("op", op.OpType),
			zap.String("grant_id", op.GrantID.String()),
			zap.Int("attempt", attempts),
		)
		return
	}

	if attempts >= MaxAttempts {
		metrics.ControllerOps.WithLabelValues(op.OpType, "dead").Inc()
		s.store.Queue.MarkDead(ctx, op.ID, attempts)
		s.audit.Log(ctx, audit.Entry{
			Actor:      "system",
			Action:     "controller." + op.OpType,
			TargetType: "grant",
			TargetID:   op.GrantID.String(),
			Outcome:    domain.OutcomeError,
			Meta:       map[string]any{"attempts": attempts, "error": err.Error()},
		})
		logging.Error("controller operation dead after max attempts",
			zap.String("op", op.OpType),
			zap.String("grant_id", op.GrantID.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}

	metrics.ControllerOps.WithLabelValues(op.OpType, "retry").Inc()
	next := timeutil.Now().Add(NextDelay(attempts))
	s.store.Queue.Reschedule(ctx, op.ID, attempts, next)
	logging.Warn("controller operation rescheduled",
		zap.String("op", op.OpType),
		zap.String("grant_id", op.GrantID.String()),
		zap.Int("attempt", attempts),
		zap.Time("next_attempt", next),
		zap.Error(err),
	)
}

func (s *Service) dispatch(ctx context.Context, op store.ControllerOp, p Payload) error {
	switch op.OpType {
	case store.OpAuthorize:
		if err := s.checkLive(ctx, op.GrantID); err != nil {
			return err
		}
		res, err := s.ctrl.Authorize(ctx, controller.AuthorizeRequest{
			MAC:      p.MAC,
			EndUTC:   time.UnixMicro(p.EndMicros).UTC(),
			UpKbps:   p.UpKbps,
			DownKbps: p.DownKbps,
		})
		if err != nil {
			return err
		}
		return s.store.Grants.SetControllerGrantID(ctx, op.GrantID, res.GrantID, timeutil.Now())
	case store.OpExtend:
		if err := s.checkLive(ctx, op.GrantID); err != nil {
			return err
		}
		return s.ctrl.Extend(ctx, p.MAC, p.ControllerGrantID, time.UnixMicro(p.EndMicros).UTC())
	case store.OpRevoke:
		return s.ctrl.Revoke(ctx, p.MAC, p.ControllerGrantID)
	default:
		// Unknown op types are dropped rather than retried forever.
		return s.store.Queue.MarkDead(ctx, op.ID, op.Attempts)
	}
}

// checkLive guards a queued authorize or extend against a revocation
// that committed after the op was enqueued. A rescheduled authorize
// running after the revoke drained would re-admit the device, so the
// grant's current status is read just before the controller call.
func (s *Service) checkLive(ctx context.Context, grantID uuid.UUID) error {
	g, err := s.store.Grants.GetByID(ctx, grantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errGrantNotLive
		}
		return err
	}
	if g.Status == domain.GrantRevoked || g.Status == domain.GrantExpired {
		return errGrantNotLive
	}
	return nil
}

// NextDelay computes the backoff before the given attempt number
// (1-based): base*2^(n-1) capped at maxDelay, plus up to 25% jitter.
func NextDelay(attempt int) time.Duration {
	d := baseDelay << (attempt - 1)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
