package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ControllerOp is one durable pending controller operation. The queue
// survives restarts so a committed grant always implies an eventually
// executed controller call.
type ControllerOp struct {
	ID             uuid.UUID `db:"id"`
	OpType         string    `db:"op_type"`
	GrantID        uuid.UUID `db:"grant_id"`
	Payload        string    `db:"payload"`
	Attempts       int       `db:"attempts"`
	NextAttemptUTC time.Time `db:"next_attempt_utc"`
	Dead           bool      `db:"dead"`
	CreatedUTC     time.Time `db:"created_utc"`
}

// Controller operation types.
const (
	OpAuthorize = "authorize"
	OpRevoke    = "revoke"
	OpExtend    = "extend"
)

// QueueRepo persists the controller retry queue.
type QueueRepo struct {
	db *sqlx.DB
}

// EnqueueTx appends an operation inside the grant's transaction so a
// committed grant implies an enqueued op.
func (r *QueueRepo) EnqueueTx(ctx context.Context, tx *sqlx.Tx, op *ControllerOp) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO controller_ops (id, op_type, grant_id, payload, attempts, next_attempt_utc, created_utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		op.ID, op.OpType, op.GrantID, op.Payload, op.Attempts, op.NextAttemptUTC, op.CreatedUTC)
	return err
}

// Enqueue appends an operation outside a transaction.
func (r *QueueRepo) Enqueue(ctx context.Context, op *ControllerOp) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO controller_ops (id, op_type, grant_id, payload, attempts, next_attempt_utc, created_utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		op.ID, op.OpType, op.GrantID, op.Payload, op.Attempts, op.NextAttemptUTC, op.CreatedUTC)
	return err
}

// Due returns live operations whose next attempt has come, oldest
// first.
func (r *QueueRepo) Due(ctx context.Context, now time.Time, limit int) ([]ControllerOp, error) {
	var out []ControllerOp
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM controller_ops
		WHERE NOT dead AND next_attempt_utc <= $1
		ORDER BY next_attempt_utc
		LIMIT $2`, now, limit)
	return out, err
}

// Reschedule bumps the attempt counter and sets the next attempt time.
func (r *QueueRepo) Reschedule(ctx context.Context, id uuid.UUID, attempts int, next time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE controller_ops SET attempts = $2, next_attempt_utc = $3 WHERE id = $1`,
		id, attempts, next)
	return err
}

// MarkDead flags an operation as terminally failed. Dead ops stay in
// the table for the admin surface.
func (r *QueueRepo) MarkDead(ctx context.Context, id uuid.UUID, attempts int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE controller_ops SET dead = true, attempts = $2 WHERE id = $1`, id, attempts)
	return err
}

// Delete removes a completed operation.
func (r *QueueRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM controller_ops WHERE id = $1`, id)
	return err
}

// ListDead returns dead operations for the admin surface.
func (r *QueueRepo) ListDead(ctx context.Context, limit int) ([]ControllerOp, error) {
	var out []ControllerOp
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM controller_ops WHERE dead ORDER BY created_utc DESC LIMIT $1`, limit)
	return out, err
}
