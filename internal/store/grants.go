package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rentalnet/guestgate/internal/domain"
)

// GrantRepo persists access grants. The partial unique index on
// (mac, identifier) for non-revoked rows backs the at-most-one-live-
// grant invariant.
type GrantRepo struct {
	db *sqlx.DB
}

const grantColumns = `id, voucher_code, booking_ref, integration_id, user_input_code, mac,
	session_token, start_utc, end_utc, controller_grant_id, status, created_utc, updated_utc`

// InsertTx writes a grant inside a transaction. A unique violation
// means a concurrent request won the race for the same (mac, identifier).
func (r *GrantRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, g *domain.AccessGrant) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO access_grants (`+grantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		g.ID, g.VoucherCode, g.BookingRef, g.IntegrationID, g.UserInputCode, g.MAC,
		g.SessionToken, g.StartUTC, g.EndUTC, g.ControllerGrantID, g.Status, g.CreatedUTC, g.UpdatedUTC)
	return err
}

// GetByID fetches a grant.
func (r *GrantRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.AccessGrant, error) {
	var g domain.AccessGrant
	err := r.db.GetContext(ctx, &g, `SELECT * FROM access_grants WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

// FindActiveByMAC returns non-terminal grants for a device.
func (r *GrantRepo) FindActiveByMAC(ctx context.Context, mac string) ([]domain.AccessGrant, error) {
	var out []domain.AccessGrant
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM access_grants
		WHERE mac = $1 AND status IN ('pending', 'active')
		ORDER BY created_utc DESC`, mac)
	return out, err
}

// FindLiveByMACAndIdentifier returns the non-revoked grant for the
// (mac, identifier) pair, or ErrNotFound. Identifier matching is
// case-insensitive to mirror code lookup.
func (r *GrantRepo) FindLiveByMACAndIdentifier(ctx context.Context, mac, identifier string) (*domain.AccessGrant, error) {
	var g domain.AccessGrant
	err := r.db.GetContext(ctx, &g, `
		SELECT * FROM access_grants
		WHERE mac = $1
		  AND UPPER(COALESCE(voucher_code, booking_ref)) = UPPER($2)
		  AND status <> 'revoked'
		LIMIT 1`, mac, identifier)
	if err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

// Update persists mutable grant fields under the grant id.
func (r *GrantRepo) Update(ctx context.Context, g *domain.AccessGrant) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE access_grants
		SET end_utc = $2, status = $3, controller_grant_id = $4,
		    session_token = $5, mac = $6, updated_utc = $7
		WHERE id = $1`,
		g.ID, g.EndUTC, g.Status, g.ControllerGrantID, g.SessionToken, g.MAC, g.UpdatedUTC)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTx is Update inside a caller-managed transaction.
func (r *GrantRepo) UpdateTx(ctx context.Context, tx *sqlx.Tx, g *domain.AccessGrant) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE access_grants
		SET end_utc = $2, status = $3, controller_grant_id = $4,
		    session_token = $5, mac = $6, updated_utc = $7
		WHERE id = $1`,
		g.ID, g.EndUTC, g.Status, g.ControllerGrantID, g.SessionToken, g.MAC, g.UpdatedUTC)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetControllerGrantID records the controller ack and activates the
// grant.
func (r *GrantRepo) SetControllerGrantID(ctx context.Context, id uuid.UUID, controllerID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE access_grants
		SET controller_grant_id = $2, status = 'active', updated_utc = $3
		WHERE id = $1 AND status = 'pending'`,
		id, controllerID, now)
	return err
}

// ExpireWhereDue flips ACTIVE grants whose end has passed to EXPIRED.
// No controller call follows; controller-side expiry rides on the
// absolute time sent at authorize.
func (r *GrantRepo) ExpireWhereDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE access_grants SET status = 'expired', updated_utc = $1
		WHERE status = 'active' AND end_utc <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// List returns grants for the admin view, optionally filtered by
// status, newest first.
func (r *GrantRepo) List(ctx context.Context, status string, limit, offset int) ([]domain.AccessGrant, error) {
	var out []domain.AccessGrant
	if status != "" {
		err := r.db.SelectContext(ctx, &out, `
			SELECT * FROM access_grants WHERE status = $1
			ORDER BY created_utc DESC LIMIT $2 OFFSET $3`, status, limit, offset)
		return out, err
	}
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM access_grants ORDER BY created_utc DESC LIMIT $1 OFFSET $2`, limit, offset)
	return out, err
}

// FindUnreconciled returns PENDING session-token grants older than
// cutoff that never captured a MAC. They are revoked by the sweeper.
func (r *GrantRepo) FindUnreconciled(ctx context.Context, cutoff time.Time) ([]domain.AccessGrant, error) {
	var out []domain.AccessGrant
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM access_grants
		WHERE status = 'pending' AND session_token IS NOT NULL AND mac = ''
		  AND created_utc <= $1`, cutoff)
	return out, err
}
