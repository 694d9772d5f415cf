package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rentalnet/guestgate/internal/domain"
)

// VoucherRepo persists vouchers. The code column carries the unique
// constraint that drives collision retry.
type VoucherRepo struct {
	db *sqlx.DB
}

// Insert writes a new voucher. A unique violation surfaces unwrapped so
// the caller can retry with a fresh code.
func (r *VoucherRepo) Insert(ctx context.Context, v *domain.Voucher) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vouchers (code, created_utc, duration_minutes, up_kbps, down_kbps, status, booking_ref, redeemed_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.Code, v.CreatedUTC, v.DurationMinutes, v.UpKbps, v.DownKbps, v.Status, v.BookingRef, v.RedeemedCount)
	return err
}

// GetByCodeCI looks up a voucher case-insensitively.
func (r *VoucherRepo) GetByCodeCI(ctx context.Context, code string) (*domain.Voucher, error) {
	var v domain.Voucher
	err := r.db.GetContext(ctx, &v,
		`SELECT * FROM vouchers WHERE UPPER(code) = UPPER($1)`, code)
	if err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

// MarkRedeemed increments the redemption counter, records the time, and
// transitions UNUSED to ACTIVE. Runs inside the redemption transaction.
func (r *VoucherRepo) MarkRedeemed(ctx context.Context, tx *sqlx.Tx, code string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE vouchers
		SET redeemed_count = redeemed_count + 1,
		    last_redeemed_utc = $2,
		    status = CASE WHEN status = 'unused' THEN 'active' ELSE status END
		WHERE code = $1`,
		code, now)
	return err
}

// UpdateStatus sets the voucher status.
func (r *VoucherRepo) UpdateStatus(ctx context.Context, code string, status domain.VoucherStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE vouchers SET status = $2 WHERE code = $1`, code, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns vouchers ordered by creation time, newest first.
func (r *VoucherRepo) List(ctx context.Context, limit, offset int) ([]domain.Voucher, error) {
	var out []domain.Voucher
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM vouchers ORDER BY created_utc DESC LIMIT $1 OFFSET $2`, limit, offset)
	return out, err
}

// ExpireWhereDue flips UNUSED/ACTIVE vouchers whose derived expiry has
// passed to EXPIRED. Returns the number of rows flipped.
func (r *VoucherRepo) ExpireWhereDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE vouchers SET status = 'expired'
		WHERE status IN ('unused', 'active')
		  AND created_utc + (duration_minutes * INTERVAL '1 minute') <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
