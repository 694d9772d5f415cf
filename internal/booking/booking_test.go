package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/controller"
	"github.com/rentalnet/guestgate/internal/domain"
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

func eventRows(slotCode string, start, end time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "integration_id", "event_index", "slot_name", "slot_code", "last_four",
		"start_utc", "end_utc", "raw_attributes", "created_utc", "updated_utc",
	}).AddRow(1, "int-1", 0, nil, slotCode, nil, start, end, "{}", start, start)
}

func testIntegration(stale int) *domain.IntegrationConfig {
	return &domain.IntegrationConfig{
		IntegrationID:        "int-1",
		Enabled:              true,
		EntityID:             "sensor.unit_a",
		AuthAttribute:        domain.AttrSlotCode,
		CheckoutGraceMinutes: 15,
		StaleCount:           stale,
	}
}

func TestValidateCaseInsensitiveMatch(t *testing.T) {
	s, mock := newService(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT \* FROM rental_events`).
		WillReturnRows(eventRows("AbC123", now.Add(-time.Hour), now.Add(24*time.Hour)))
	mock.ExpectQuery(`SELECT \* FROM access_grants`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	m, err := s.Validate(context.Background(), "  abc123 ", testIntegration(0), "AA:BB:CC:DD:EE:FF", now)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Identifier != "AbC123" {
		t.Errorf("identifier = %q, original case not preserved", m.Identifier)
	}
}

func TestValidateNoMatch(t *testing.T) {
	s, mock := newService(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT \* FROM rental_events`).
		WillReturnRows(eventRows("ABC123", now.Add(-time.Hour), now.Add(time.Hour)))

	_, err := s.Validate(context.Background(), "OTHER", testIntegration(0), "", now)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestValidateStaleIntegrationRefused(t *testing.T) {
	s, mock := newService(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT \* FROM rental_events`).
		WillReturnRows(eventRows("ABC123", now.Add(-time.Hour), now.Add(time.Hour)))

	_, err := s.Validate(context.Background(), "ABC123", testIntegration(6), "", now)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestValidateStaleBelowRefuseThresholdStillServes(t *testing.T) {
	s, mock := newService(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT \* FROM rental_events`).
		WillReturnRows(eventRows("ABC123", now.Add(-time.Hour), now.Add(time.Hour)))

	m, err := s.Validate(context.Background(), "ABC123", testIntegration(5), "", now)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Event == nil {
		t.Fatal("no event returned")
	}
}

func TestValidateWindow(t *testing.T) {
	start := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 5, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want error
	}{
		{"too early", start.Add(-EarlyWindow).Add(-time.Minute), ErrOutsideWindow},
		{"early checkin boundary", start.Add(-EarlyWindow), nil},
		{"mid stay", start.Add(24 * time.Hour), nil},
		{"inside grace", end.Add(10 * time.Minute), nil},
		{"grace boundary", end.Add(15 * time.Minute), nil},
		{"past grace", end.Add(16 * time.Minute), ErrOutsideWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newService(t)
			mock.ExpectQuery(`SELECT \* FROM rental_events`).
				WillReturnRows(eventRows("ABC123", start, end))
			if tt.want == nil {
				mock.ExpectQuery(`SELECT \* FROM access_grants`).
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
			}

			_, err := s.Validate(context.Background(), "ABC123", testIntegration(0), "AA:BB:CC:DD:EE:FF", tt.now)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateDuplicateDevice(t *testing.T) {
	s, mock := newService(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT \* FROM rental_events`).
		WillReturnRows(eventRows("ABC123", now.Add(-time.Hour), now.Add(time.Hour)))

	grantRows := sqlmock.NewRows([]string{
		"id", "voucher_code", "booking_ref", "integration_id", "user_input_code", "mac",
		"session_token", "start_utc", "end_utc", "controller_grant_id", "status", "created_utc", "updated_utc",
	}).AddRow("3d1f8e0a-0e5b-4a57-9f5d-0d9e3c1b2a41", nil, "ABC123", "int-1", "abc123", "AA:BB:CC:DD:EE:FF",
		nil, now.Add(-time.Hour), now.Add(time.Hour), nil, "active", now, now)
	mock.ExpectQuery(`SELECT \* FROM access_grants`).WillReturnRows(grantRows)

	_, err := s.Validate(context.Background(), "ABC123", testIntegration(0), "AA:BB:CC:DD:EE:FF", now)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func integrationRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"integration_id", "enabled", "entity_id", "auth_attribute",
		"checkout_grace_minutes", "last_sync_utc", "stale_count",
	}).AddRow("int-1", true, "sensor.unit_a", "slot_code", 15, nil, 0)
}

func TestAuthorizeIssuesGrant(t *testing.T) {
	s, mock := newService(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT \* FROM integrations WHERE enabled`).
		WillReturnRows(integrationRows())
	mock.ExpectQuery(`SELECT \* FROM rental_events`).
		WillReturnRows(eventRows("ABC123", now.Add(-time.Hour), now.Add(24*time.Hour)))
	mock.ExpectQuery(`SELECT \* FROM access_grants`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO access_grants`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO controller_ops`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))

	g, err := s.Authorize(context.Background(), "abc123", "AA:BB:CC:DD:EE:FF", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if g.BookingRef == nil || *g.BookingRef != "ABC123" {
		t.Errorf("booking_ref = %v", g.BookingRef)
	}
	if g.Status != domain.GrantPending {
		t.Errorf("status = %q", g.Status)
	}
	if g.EndUTC.Second() != 0 || g.StartUTC.Second() != 0 {
		t.Errorf("window not minute-aligned: %v..%v", g.StartUTC, g.EndUTC)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAuthorizeNoIntegrationsMatch(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery(`SELECT \* FROM integrations WHERE enabled`).
		WillReturnRows(integrationRows())
	mock.ExpectQuery(`SELECT \* FROM rental_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Authorize(context.Background(), "NOPE", "AA:BB:CC:DD:EE:FF", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
