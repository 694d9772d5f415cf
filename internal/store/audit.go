package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/rentalnet/guestgate/internal/domain"
)

// AuditRepo writes audit entries. The table is append-only: this repo
// deliberately exposes no update or delete.
type AuditRepo struct {
	db *sqlx.DB
}

// Insert appends one audit entry.
func (r *AuditRepo) Insert(ctx context.Context, e *domain.AuditEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, timestamp_utc, actor, role_snapshot, action, target_type, target_id, outcome, correlation_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TimestampUTC, e.Actor, e.RoleSnapshot, e.Action, e.TargetType,
		e.TargetID, e.Outcome, e.CorrelationID, e.Meta)
	return err
}

// List returns entries newest first, for the audit viewer.
func (r *AuditRepo) List(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM audit_entries ORDER BY timestamp_utc DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	return out, err
}
