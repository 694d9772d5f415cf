// Package voucher issues and redeems staff-created access codes.
package voucher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/domain"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/queue"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/timeutil"
)

// codeAlphabet is the generated-code character set. Uppercase plus
// digits; lookup stays case-insensitive for guest input.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// maxCreateAttempts bounds collision retry during code generation.
const maxCreateAttempts = 5

// Redemption and creation failures the handlers map to HTTP codes.
var (
	ErrNotFound  = errors.New("voucher not found")
	ErrExpired   = errors.New("voucher expired")
	ErrRevoked   = errors.New("voucher revoked")
	ErrDuplicate = errors.New("voucher already redeemed for this device")
	ErrCollision = errors.New("could not generate a unique voucher code")
)

// Service implements voucher creation and redemption.
type Service struct {
	store *store.Store
	queue *queue.Service
	audit *audit.Service
}

// NewService creates the voucher service.
func NewService(st *store.Store, q *queue.Service, a *audit.Service) *Service {
	return &Service{store: st, queue: q, audit: a}
}

// CreateParams describes a voucher to issue. Zero Length uses the
// portal default.
type CreateParams struct {
	Length          int
	DurationMinutes int
	UpKbps          *int
	DownKbps        *int
	BookingRef      *string
	Actor           string
	Role            string
}

// Create issues a new voucher with a randomly generated code, retrying
// on code collision with exponential backoff.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Voucher, error) {
	length := p.Length
	if length == 0 {
		cfg, err := s.store.PortalConfig.Get(ctx)
		if err != nil {
			return nil, err
		}
		length = cfg.VoucherLengthDefault
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		code, err := generateCode(length)
		if err != nil {
			return nil, err
		}
		v := &domain.Voucher{
			Code:            code,
			CreatedUTC:      timeutil.Now(),
			DurationMinutes: p.DurationMinutes,
			UpKbps:          p.UpKbps,
			DownKbps:        p.DownKbps,
			Status:          domain.VoucherUnused,
			BookingRef:      p.BookingRef,
		}
		if err := v.Validate(); err != nil {
			return nil, err
		}

		err = s.store.Vouchers.Insert(ctx, v)
		if err == nil {
			s.audit.Log(ctx, audit.Entry{
				Actor:        p.Actor,
				RoleSnapshot: p.Role,
				Action:       "vouchers.create",
				TargetType:   "voucher",
				TargetID:     v.Code,
				Outcome:      domain.OutcomeSuccess,
				Meta:         map[string]any{"duration_minutes": v.DurationMinutes, "length": length},
			})
			return v, nil
		}
		if !store.IsUniqueViolation(err) {
			return nil, err
		}

		logging.Warn("voucher code collision, retrying",
			zap.Int("attempt", attempt), zap.Int("length", length))
		if attempt < maxCreateAttempts {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, ErrCollision
}

// RedeemResult reports the grant produced by a redemption plus the
// bandwidth caps the controller should apply.
type RedeemResult struct {
	Grant    *domain.AccessGrant
	Voucher  *domain.Voucher
	UpKbps   int
	DownKbps int
}

// Redeem exchanges a code for an access grant on the given device. The
// code is matched case-insensitively; the window is anchored at the
// current minute. A second redemption of the same code on the same
// device returns ErrDuplicate; on a different device it creates a new
// grant, multi-device use is allowed by design of the voucher model.
func (s *Service) Redeem(ctx context.Context, rawCode, mac string, sessionToken *string) (*RedeemResult, error) {
	code := strings.ToUpper(strings.TrimSpace(rawCode))
	if code == "" {
		return nil, ErrNotFound
	}

	v, err := s.store.Vouchers.GetByCodeCI(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	now := timeutil.Now()
	switch {
	case v.Status == domain.VoucherRevoked:
		return nil, ErrRevoked
	case v.Status == domain.VoucherExpired || !now.Before(v.ExpiresUTC()):
		return nil, ErrExpired
	}

	if mac != "" {
		existing, err := s.store.Grants.FindLiveByMACAndIdentifier(ctx, mac, v.Code)
		if err == nil && existing != nil {
			return nil, ErrDuplicate
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	// The grant window runs from redemption, not from voucher creation:
	// a code redeemed just before its shelf expiry still buys the full
	// duration.
	start := timeutil.FloorMinute(now)
	end := timeutil.CeilMinute(now.Add(time.Duration(v.DurationMinutes) * time.Minute))

	vcode := v.Code
	g := &domain.AccessGrant{
		ID:            uuid.New(),
		VoucherCode:   &vcode,
		UserInputCode: &rawCode,
		MAC:           mac,
		SessionToken:  sessionToken,
		StartUTC:      start,
		EndUTC:        end,
		Status:        domain.GrantPending,
		CreatedUTC:    now,
		UpdatedUTC:    now,
	}

	up, down := caps(v)
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.Grants.InsertTx(ctx, tx, g); err != nil {
			return err
		}
		if err := s.store.Vouchers.MarkRedeemed(ctx, tx, v.Code, now); err != nil {
			return err
		}
		if mac != "" {
			return s.queue.EnqueueAuthorizeTx(ctx, tx, g, up, down)
		}
		return nil
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			// A concurrent redemption for the same device won; surface
			// the winner's grant as a benign duplicate.
			if winner, werr := s.store.Grants.FindLiveByMACAndIdentifier(ctx, mac, v.Code); werr == nil {
				return &RedeemResult{Grant: winner, Voucher: v, UpKbps: up, DownKbps: down}, ErrDuplicate
			}
			return nil, ErrDuplicate
		}
		return nil, err
	}

	s.audit.Log(ctx, audit.Entry{
		Actor:      "guest",
		Action:     "vouchers.redeem",
		TargetType: "grant",
		TargetID:   g.ID.String(),
		Outcome:    domain.OutcomeSuccess,
		Meta:       map[string]any{"voucher": v.Code, "mac": mac, "end_utc": end.Format(time.RFC3339)},
	})
	logging.Info("voucher redeemed",
		zap.String("voucher", v.Code),
		zap.String("grant_id", g.ID.String()),
		zap.String("mac", mac),
		zap.Time("end_utc", end),
	)
	return &RedeemResult{Grant: g, Voucher: v, UpKbps: up, DownKbps: down}, nil
}

// ExpireSweep flips due vouchers to expired. Run from the background
// sweeper.
func (s *Service) ExpireSweep(ctx context.Context) (int64, error) {
	return s.store.Vouchers.ExpireWhereDue(ctx, timeutil.Now())
}

func caps(v *domain.Voucher) (up, down int) {
	if v.UpKbps != nil {
		up = *v.UpKbps
	}
	if v.DownKbps != nil {
		down = *v.DownKbps
	}
	return up, down
}

func generateCode(length int) (string, error) {
	if length < domain.VoucherLengthMin || length > domain.VoucherLengthMax {
		return "", fmt.Errorf("voucher length must be %d-%d, got %d",
			domain.VoucherLengthMin, domain.VoucherLengthMax, length)
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
