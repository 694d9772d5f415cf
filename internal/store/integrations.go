package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rentalnet/guestgate/internal/domain"
)

// IntegrationRepo persists reservation-source integration configs.
type IntegrationRepo struct {
	db *sqlx.DB
}

// Insert writes a new integration config.
func (r *IntegrationRepo) Insert(ctx context.Context, c *domain.IntegrationConfig) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO integrations
			(integration_id, enabled, entity_id, auth_attribute, checkout_grace_minutes, last_sync_utc, stale_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.IntegrationID, c.Enabled, c.EntityID, c.AuthAttribute, c.CheckoutGraceMinutes, c.LastSyncUTC, c.StaleCount)
	return err
}

// Get fetches one integration config.
func (r *IntegrationRepo) Get(ctx context.Context, integrationID string) (*domain.IntegrationConfig, error) {
	var c domain.IntegrationConfig
	err := r.db.GetContext(ctx, &c,
		`SELECT * FROM integrations WHERE integration_id = $1`, integrationID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListEnabled returns the enabled integrations.
func (r *IntegrationRepo) ListEnabled(ctx context.Context) ([]domain.IntegrationConfig, error) {
	var out []domain.IntegrationConfig
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM integrations WHERE enabled ORDER BY integration_id`)
	return out, err
}

// List returns all integrations.
func (r *IntegrationRepo) List(ctx context.Context) ([]domain.IntegrationConfig, error) {
	var out []domain.IntegrationConfig
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM integrations ORDER BY integration_id`)
	return out, err
}

// Update rewrites the mutable config fields.
func (r *IntegrationRepo) Update(ctx context.Context, c *domain.IntegrationConfig) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE integrations
		SET enabled = $2, entity_id = $3, auth_attribute = $4, checkout_grace_minutes = $5
		WHERE integration_id = $1`,
		c.IntegrationID, c.Enabled, c.EntityID, c.AuthAttribute, c.CheckoutGraceMinutes)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an integration and, via cascade, its cached events.
func (r *IntegrationRepo) Delete(ctx context.Context, integrationID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM integrations WHERE integration_id = $1`, integrationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSyncSuccess resets the stale counter and stamps the sync time.
func (r *IntegrationRepo) RecordSyncSuccess(ctx context.Context, integrationID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE integrations SET last_sync_utc = $2, stale_count = 0
		WHERE integration_id = $1`, integrationID, now)
	return err
}

// RecordSyncFailure increments the stale counter and returns the new
// value.
func (r *IntegrationRepo) RecordSyncFailure(ctx context.Context, integrationID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		UPDATE integrations SET stale_count = stale_count + 1
		WHERE integration_id = $1
		RETURNING stale_count`, integrationID)
	return count, err
}
