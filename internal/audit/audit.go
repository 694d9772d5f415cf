// Package audit writes append-only audit entries and carries the
// correlation id through request contexts.
package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/domain"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/timeutil"
)

type ctxKey struct{}

// Header is the request header that carries a caller-supplied
// correlation id.
const Header = "X-Correlation-ID"

// WithCorrelationID returns a context carrying the id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationID extracts the correlation id from the context,
// generating one if the request never carried it.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Entry is the write-side view of one audit record.
type Entry struct {
	Actor        string
	RoleSnapshot string
	Action       string
	TargetType   string
	TargetID     string
	Outcome      domain.AuditOutcome
	Meta         map[string]any
}

// Service writes audit entries.
type Service struct {
	repo *store.AuditRepo
}

// NewService creates the audit service.
func NewService(repo *store.AuditRepo) *Service {
	return &Service{repo: repo}
}

// Log appends one entry, stamping the time and the context's
// correlation id. Audit failures are logged but never fail the
// operation that produced them.
func (s *Service) Log(ctx context.Context, e Entry) {
	meta := "{}"
	if len(e.Meta) > 0 {
		if b, err := json.Marshal(e.Meta); err == nil {
			meta = string(b)
		}
	}

	entry := &domain.AuditEntry{
		ID:            uuid.New(),
		TimestampUTC:  timeutil.Now(),
		Actor:         e.Actor,
		RoleSnapshot:  e.RoleSnapshot,
		Action:        e.Action,
		TargetType:    e.TargetType,
		TargetID:      e.TargetID,
		Outcome:       e.Outcome,
		CorrelationID: CorrelationID(ctx),
		Meta:          meta,
	}

	if err := s.repo.Insert(ctx, entry); err != nil {
		logging.Error("audit write failed",
			zap.String("action", e.Action),
			zap.String("correlation_id", entry.CorrelationID),
			zap.Error(err),
		)
	}
}
