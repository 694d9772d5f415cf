package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rentalnet/guestgate/internal/domain"
)

// AdminRepo persists administrative accounts.
type AdminRepo struct {
	db *sqlx.DB
}

// Insert writes a new admin account.
func (r *AdminRepo) Insert(ctx context.Context, a *domain.AdminAccount) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_accounts (id, username, email, role, password_hash, created_utc, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Username, a.Email, a.Role, a.PasswordHash, a.CreatedUTC, a.Active)
	return err
}

// GetByUsername fetches an account by its unique username.
func (r *AdminRepo) GetByUsername(ctx context.Context, username string) (*domain.AdminAccount, error) {
	var a domain.AdminAccount
	err := r.db.GetContext(ctx, &a,
		`SELECT * FROM admin_accounts WHERE username = $1`, username)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// GetByID fetches an account.
func (r *AdminRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.AdminAccount, error) {
	var a domain.AdminAccount
	err := r.db.GetContext(ctx, &a,
		`SELECT * FROM admin_accounts WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// Count returns the number of accounts. Zero triggers the bootstrap
// admin.
func (r *AdminRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM admin_accounts`)
	return n, err
}

// List returns all accounts.
func (r *AdminRepo) List(ctx context.Context) ([]domain.AdminAccount, error) {
	var out []domain.AdminAccount
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM admin_accounts ORDER BY username`)
	return out, err
}

// TouchLogin stamps a successful login.
func (r *AdminRepo) TouchLogin(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE admin_accounts SET last_login_utc = $2 WHERE id = $1`, id, now)
	return err
}

// SessionRepo persists server-side admin sessions.
type SessionRepo struct {
	db *sqlx.DB
}

// Insert writes a new session.
func (r *SessionRepo) Insert(ctx context.Context, s *domain.AdminSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_sessions (id, admin_id, created_utc, last_activity_utc, expires_utc, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.AdminID, s.CreatedUTC, s.LastActivityUTC, s.ExpiresUTC, s.IPAddress, s.UserAgent)
	return err
}

// Get fetches a session.
func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (*domain.AdminSession, error) {
	var s domain.AdminSession
	err := r.db.GetContext(ctx, &s,
		`SELECT * FROM admin_sessions WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// Touch advances the idle window. expires stays capped at the absolute
// timeout computed by the caller.
func (r *SessionRepo) Touch(ctx context.Context, id uuid.UUID, activity, expires time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE admin_sessions SET last_activity_utc = $2, expires_utc = $3 WHERE id = $1`,
		id, activity, expires)
	return err
}

// Delete removes one session (logout).
func (r *SessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE id = $1`, id)
	return err
}

// DeleteExpired drops sessions past their expiry.
func (r *SessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM admin_sessions WHERE expires_utc <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
