package grant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/controller"
	"github.com/rentalnet/guestgate/internal/queue"
	"github.com/rentalnet/guestgate/internal/store"
)

type nopController struct{}

func (nopController) Authorize(context.Context, controller.AuthorizeRequest) (controller.AuthorizeResult, error) {
	return controller.AuthorizeResult{}, nil
}
func (nopController) Extend(context.Context, string, string, time.Time) error { return nil }
func (nopController) Revoke(context.Context, string, string) error            { return nil }
func (nopController) Health(context.Context) error                            { return nil }

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	auditSvc := audit.NewService(st.Audit)
	q := queue.NewService(st, nopController{}, auditSvc)
	return NewService(st, q, auditSvc), mock
}

func grantRows(id uuid.UUID, status string, start, end time.Time) *sqlmock.Rows {
	code := "GOODCODE99"
	return sqlmock.NewRows([]string{
		"id", "voucher_code", "booking_ref", "integration_id", "user_input_code", "mac",
		"session_token", "start_utc", "end_utc", "controller_grant_id", "status", "created_utc", "updated_utc",
	}).AddRow(id.String(), code, nil, nil, code, "AA:BB:CC:DD:EE:FF",
		nil, start, end, nil, status, start, start)
}

func TestExtendActiveGrant(t *testing.T) {
	s, mock := newService(t)
	id := uuid.New()
	now := time.Now().UTC()
	end := now.Add(30 * time.Minute).Truncate(time.Minute)

	mock.ExpectQuery(`SELECT \* FROM access_grants WHERE id`).
		WillReturnRows(grantRows(id, "active", now.Add(-time.Hour), end))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE access_grants`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO controller_ops`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))

	g, err := s.Extend(context.Background(), id, 60, Actor{Name: "alice", Role: "operator"})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	want := end.Add(60 * time.Minute)
	if !g.EndUTC.Equal(want) {
		t.Errorf("end = %v, want %v", g.EndUTC, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestExtendExpiredGrantReactivates(t *testing.T) {
	s, mock := newService(t)
	id := uuid.New()
	now := time.Now().UTC()

	// Ended an hour ago; extension anchors at now, not the stale end.
	mock.ExpectQuery(`SELECT \* FROM access_grants WHERE id`).
		WillReturnRows(grantRows(id, "expired", now.Add(-3*time.Hour), now.Add(-time.Hour)))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE access_grants`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO controller_ops`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))

	g, err := s.Extend(context.Background(), id, 30, Actor{Name: "alice", Role: "admin"})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if g.Status != "active" {
		t.Errorf("status = %q, want active", g.Status)
	}
	if !g.EndUTC.After(now) {
		t.Errorf("end %v not after now %v", g.EndUTC, now)
	}
	if g.EndUTC.Second() != 0 {
		t.Errorf("end not minute-aligned: %v", g.EndUTC)
	}
}

func TestExtendRevokedGrantFails(t *testing.T) {
	s, mock := newService(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT \* FROM access_grants WHERE id`).
		WillReturnRows(grantRows(id, "revoked", now.Add(-2*time.Hour), now.Add(-time.Hour)))

	_, err := s.Extend(context.Background(), id, 30, Actor{Name: "alice", Role: "admin"})
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("err = %v, want ErrRevoked", err)
	}
}

func TestExtendRejectsNegativeMinutes(t *testing.T) {
	s, _ := newService(t)
	if _, err := s.Extend(context.Background(), uuid.New(), -5, Actor{}); err == nil {
		t.Error("negative minutes accepted")
	}
}

func TestExtendZeroMinutesIsNoOp(t *testing.T) {
	s, mock := newService(t)
	id := uuid.New()
	now := time.Now().UTC()
	end := now.Add(45 * time.Minute).Truncate(time.Minute)

	// Only the read: no update, no queue write, no audit entry.
	mock.ExpectQuery(`SELECT \* FROM access_grants WHERE id`).
		WillReturnRows(grantRows(id, "active", now.Add(-time.Hour), end))

	g, err := s.Extend(context.Background(), id, 0, Actor{Name: "alice", Role: "operator"})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !g.EndUTC.Equal(end) {
		t.Errorf("end = %v, want unchanged %v", g.EndUTC, end)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestExtendPendingGrantStaysPending(t *testing.T) {
	s, mock := newService(t)
	id := uuid.New()
	now := time.Now().UTC()
	end := now.Add(30 * time.Minute).Truncate(time.Minute)

	// The controller never acked the authorize; extending must not
	// fabricate an active state.
	mock.ExpectQuery(`SELECT \* FROM access_grants WHERE id`).
		WillReturnRows(grantRows(id, "pending", now.Add(-time.Minute), end))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE access_grants`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO controller_ops`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))

	g, err := s.Extend(context.Background(), id, 60, Actor{Name: "alice", Role: "operator"})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if g.Status != "pending" {
		t.Errorf("status = %q, want pending", g.Status)
	}
	if want := end.Add(60 * time.Minute); !g.EndUTC.Equal(want) {
		t.Errorf("end = %v, want %v", g.EndUTC, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRevokeSetsEndToNow(t *testing.T) {
	s, mock := newService(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT \* FROM access_grants WHERE id`).
		WillReturnRows(grantRows(id, "active", now.Add(-time.Hour), now.Add(2*time.Hour)))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE access_grants`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO controller_ops`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))

	g, err := s.Revoke(context.Background(), id, Actor{Name: "alice", Role: "operator"})
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if g.Status != "revoked" {
		t.Errorf("status = %q", g.Status)
	}
	if g.EndUTC.After(time.Now().UTC()) {
		t.Errorf("end %v is in the future", g.EndUTC)
	}
	if g.EndUTC.Nanosecond() != 0 {
		t.Errorf("end not second-aligned: %v", g.EndUTC)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	s, mock := newService(t)
	id := uuid.New()
	now := time.Now().UTC()

	// Already revoked: no update, no queue write, no audit entry.
	mock.ExpectQuery(`SELECT \* FROM access_grants WHERE id`).
		WillReturnRows(grantRows(id, "revoked", now.Add(-2*time.Hour), now.Add(-time.Hour)))

	g, err := s.Revoke(context.Background(), id, Actor{Name: "alice", Role: "admin"})
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if g.Status != "revoked" {
		t.Errorf("status = %q", g.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetNotFound(t *testing.T) {
	s, mock := newService(t)
	mock.ExpectQuery(`SELECT \* FROM access_grants WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Get(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
