package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/rentalnet/guestgate/internal/domain"
)

// PortalConfigRepo persists the singleton portal configuration row.
type PortalConfigRepo struct {
	db *sqlx.DB
}

// Get returns the singleton config.
func (r *PortalConfigRepo) Get(ctx context.Context) (*domain.PortalConfig, error) {
	var c domain.PortalConfig
	err := r.db.GetContext(ctx, &c, `SELECT * FROM portal_config WHERE id = 1`)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// Put rewrites the singleton config.
func (r *PortalConfigRepo) Put(ctx context.Context, c *domain.PortalConfig) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE portal_config
		SET rate_limit_attempts = $1, rate_limit_window_seconds = $2,
		    success_redirect_url = $3, voucher_length_default = $4
		WHERE id = 1`,
		c.RateLimitAttempts, c.RateLimitWindowSeconds, c.SuccessRedirectURL, c.VoucherLengthDefault)
	return err
}
