// Package store is the relational persistence layer. Repositories are
// thin sqlx wrappers; domain invariants that need atomicity run inside
// WithTx.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/rentalnet/guestgate/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the database handle and exposes the repositories.
type Store struct {
	db *sqlx.DB

	Vouchers     *VoucherRepo
	Grants       *GrantRepo
	Events       *EventRepo
	Integrations *IntegrationRepo
	PortalConfig *PortalConfigRepo
	Admins       *AdminRepo
	Sessions     *SessionRepo
	Audit        *AuditRepo
	Queue        *QueueRepo
}

// Open connects to the database and runs pending migrations.
// Migrations are forward-only.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, err
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return New(db), nil
}

// New builds a Store around an existing handle. Used by tests with a
// mocked driver.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:           db,
		Vouchers:     &VoucherRepo{db: db},
		Grants:       &GrantRepo{db: db},
		Events:       &EventRepo{db: db},
		Integrations: &IntegrationRepo{db: db},
		PortalConfig: &PortalConfigRepo{db: db},
		Admins:       &AdminRepo{db: db},
		Sessions:     &SessionRepo{db: db},
		Audit:        &AuditRepo{db: db},
		Queue:        &QueueRepo{db: db},
	}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
// Voucher collision retry and grant-race resolution key off this.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// notFound maps sql.ErrNoRows onto the package sentinel.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
