// Package booking validates guest-entered booking codes against the
// cached reservation events and turns matches into access grants.
package booking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/domain"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/queue"
	"github.com/rentalnet/guestgate/internal/reservation"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/timeutil"
)

// EarlyWindow is how long before the reservation start a guest may
// check in.
const EarlyWindow = 60 * time.Minute

// Validation failures the handlers map to HTTP codes.
var (
	ErrNotFound      = errors.New("booking not found")
	ErrUnavailable   = errors.New("reservation data unavailable")
	ErrOutsideWindow = errors.New("outside the reservation window")
	ErrDuplicate     = errors.New("booking already redeemed for this device")
)

// Match is a validated booking: the event in its original case and the
// integration it belongs to.
type Match struct {
	Event       *domain.RentalEvent
	Integration *domain.IntegrationConfig
	Identifier  string
}

// Service validates booking codes and issues grants for them.
type Service struct {
	store *store.Store
	queue *queue.Service
	audit *audit.Service
}

// NewService creates the booking service.
func NewService(st *store.Store, q *queue.Service, a *audit.Service) *Service {
	return &Service{store: st, queue: q, audit: a}
}

// Validate checks the input against one integration's cached events.
// Matching is case-insensitive over the configured attribute with the
// projection fallback order; the returned event keeps its original
// case for the audit trail.
func (s *Service) Validate(ctx context.Context, input string, ic *domain.IntegrationConfig, mac string, now time.Time) (*Match, error) {
	needle := strings.TrimSpace(input)
	if needle == "" {
		return nil, ErrNotFound
	}

	events, err := s.store.Events.ListByIntegration(ctx, ic.IntegrationID)
	if err != nil {
		return nil, err
	}

	var matched *domain.RentalEvent
	var identifier string
	for i := range events {
		id := events[i].AuthIdentifier(ic.AuthAttribute)
		if id != "" && strings.EqualFold(id, needle) {
			matched = &events[i]
			identifier = id
			break
		}
	}
	if matched == nil {
		return nil, ErrNotFound
	}

	if ic.StaleCount >= reservation.StaleRefuseThreshold {
		return nil, ErrUnavailable
	}

	grace := time.Duration(ic.CheckoutGraceMinutes) * time.Minute
	if now.Before(matched.StartUTC.Add(-EarlyWindow)) || now.After(matched.EndUTC.Add(grace)) {
		return nil, ErrOutsideWindow
	}

	if mac != "" {
		existing, err := s.store.Grants.FindLiveByMACAndIdentifier(ctx, mac, identifier)
		if err == nil && existing != nil {
			return nil, ErrDuplicate
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	return &Match{Event: matched, Integration: ic, Identifier: identifier}, nil
}

// Authorize validates the input against every enabled integration and
// issues a grant for the first match. Non-match integrations are
// skipped; the first definitive validation failure wins.
func (s *Service) Authorize(ctx context.Context, rawInput, mac string, sessionToken *string) (*domain.AccessGrant, error) {
	integrations, err := s.store.Integrations.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	now := timeutil.Now()
	for i := range integrations {
		m, err := s.Validate(ctx, rawInput, &integrations[i], mac, now)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.issue(ctx, rawInput, m, mac, sessionToken, now)
	}
	return nil, ErrNotFound
}

// issue creates the PENDING grant for a validated booking. The window
// runs from the current minute to the event end plus checkout grace,
// rounded out to whole minutes.
func (s *Service) issue(ctx context.Context, rawInput string, m *Match, mac string, sessionToken *string, now time.Time) (*domain.AccessGrant, error) {
	grace := time.Duration(m.Integration.CheckoutGraceMinutes) * time.Minute
	start := timeutil.FloorMinute(now)
	end := timeutil.CeilMinute(m.Event.EndUTC.Add(grace))

	ref := m.Identifier
	integrationID := m.Integration.IntegrationID
	g := &domain.AccessGrant{
		ID:            uuid.New(),
		BookingRef:    &ref,
		IntegrationID: &integrationID,
		UserInputCode: &rawInput,
		MAC:           mac,
		SessionToken:  sessionToken,
		StartUTC:      start,
		EndUTC:        end,
		Status:        domain.GrantPending,
		CreatedUTC:    now,
		UpdatedUTC:    now,
	}

	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.Grants.InsertTx(ctx, tx, g); err != nil {
			return err
		}
		if mac != "" {
			return s.queue.EnqueueAuthorizeTx(ctx, tx, g, 0, 0)
		}
		return nil
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			if winner, werr := s.store.Grants.FindLiveByMACAndIdentifier(ctx, mac, ref); werr == nil {
				return winner, ErrDuplicate
			}
			return nil, ErrDuplicate
		}
		return nil, err
	}

	s.audit.Log(ctx, audit.Entry{
		Actor:      "guest",
		Action:     "bookings.redeem",
		TargetType: "grant",
		TargetID:   g.ID.String(),
		Outcome:    domain.OutcomeSuccess,
		Meta: map[string]any{
			"integration_id": integrationID,
			"booking_ref":    ref,
			"mac":            mac,
			"end_utc":        end.Format(time.RFC3339),
		},
	})
	logging.Info("booking redeemed",
		zap.String("integration_id", integrationID),
		zap.String("grant_id", g.ID.String()),
		zap.String("mac", mac),
		zap.Time("end_utc", end),
	)
	return g, nil
}
