package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rentalnet/guestgate/internal/domain"
)

// EventRepo caches reservation-source events, one row per
// (integration, event index).
type EventRepo struct {
	db *sqlx.DB
}

// Upsert writes or refreshes the event row for its slot.
func (r *EventRepo) Upsert(ctx context.Context, e *domain.RentalEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rental_events
			(integration_id, event_index, slot_name, slot_code, last_four,
			 start_utc, end_utc, raw_attributes, created_utc, updated_utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (integration_id, event_index) DO UPDATE SET
			slot_name = EXCLUDED.slot_name,
			slot_code = EXCLUDED.slot_code,
			last_four = EXCLUDED.last_four,
			start_utc = EXCLUDED.start_utc,
			end_utc = EXCLUDED.end_utc,
			raw_attributes = EXCLUDED.raw_attributes,
			updated_utc = EXCLUDED.updated_utc`,
		e.IntegrationID, e.EventIndex, e.SlotName, e.SlotCode, e.LastFour,
		e.StartUTC, e.EndUTC, e.RawAttributes, e.UpdatedUTC)
	return err
}

// ListByIntegration returns the cached events for an integration in
// index order.
func (r *EventRepo) ListByIntegration(ctx context.Context, integrationID string) ([]domain.RentalEvent, error) {
	var out []domain.RentalEvent
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM rental_events WHERE integration_id = $1 ORDER BY event_index`,
		integrationID)
	return out, err
}

// DeleteWhereEndBefore removes events that ended before the cutoff.
// Returns the number of rows removed for the retention audit entry.
func (r *EventRepo) DeleteWhereEndBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM rental_events WHERE end_utc < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
