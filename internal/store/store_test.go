package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/rentalnet/guestgate/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	db := sqlx.NewDb(mockDB, "sqlmock")
	s := New(db)
	t.Cleanup(func() { db.Close() })
	return s, mock
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("23505 not classified as unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation classified as unique violation")
	}
	if IsUniqueViolation(errors.New("plain")) {
		t.Error("plain error classified as unique violation")
	}
}

func TestVoucherGetByCodeCI(t *testing.T) {
	s, mock := newMockStore(t)

	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"code", "created_utc", "duration_minutes", "up_kbps", "down_kbps", "status", "booking_ref", "redeemed_count", "last_redeemed_utc"}).
		AddRow("ABCD123456", created, 120, nil, nil, "unused", nil, 0, nil)

	mock.ExpectQuery(`SELECT \* FROM vouchers WHERE UPPER\(code\) = UPPER\(\$1\)`).
		WithArgs("abcd123456").
		WillReturnRows(rows)

	v, err := s.Vouchers.GetByCodeCI(context.Background(), "abcd123456")
	if err != nil {
		t.Fatalf("GetByCodeCI: %v", err)
	}
	if v.Code != "ABCD123456" {
		t.Errorf("code = %q, stored case not preserved", v.Code)
	}
	if v.Status != domain.VoucherUnused {
		t.Errorf("status = %q", v.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestVoucherGetByCodeCINotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM vouchers`).
		WithArgs("NOPE").
		WillReturnRows(sqlmock.NewRows([]string{"code"}))

	_, err := s.Vouchers.GetByCodeCI(context.Background(), "NOPE")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGrantExpireWhereDue(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE access_grants SET status = 'expired'`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.Grants.ExpireWhereDue(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expired %d grants, want 3", n)
	}
}

func TestQueueEnqueueTxWithGrantCommit(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	grantID := uuid.New()
	opID := uuid.New()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO access_grants`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO controller_ops`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	code := "ABCD123456"
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		g := &domain.AccessGrant{
			ID: grantID, VoucherCode: &code, MAC: "AA:BB:CC:DD:EE:FF",
			StartUTC: now, EndUTC: now.Add(2 * time.Hour),
			Status: domain.GrantPending, CreatedUTC: now, UpdatedUTC: now,
		}
		if err := s.Grants.InsertTx(ctx, tx, g); err != nil {
			return err
		}
		return s.Queue.EnqueueTx(ctx, tx, &ControllerOp{
			ID: opID, OpType: OpAuthorize, GrantID: grantID,
			Payload: "{}", NextAttemptUTC: now, CreatedUTC: now,
		})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := errors.New("boom")
	err := s.WithTx(context.Background(), func(tx *sqlx.Tx) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
