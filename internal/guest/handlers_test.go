package guest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/julienschmidt/httprouter"

	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/booking"
	"github.com/rentalnet/guestgate/internal/config"
	"github.com/rentalnet/guestgate/internal/controller"
	"github.com/rentalnet/guestgate/internal/csrf"
	"github.com/rentalnet/guestgate/internal/grant"
	"github.com/rentalnet/guestgate/internal/queue"
	"github.com/rentalnet/guestgate/internal/ratelimit"
	"github.com/rentalnet/guestgate/internal/redirect"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/voucher"
)

type nopController struct{}

func (nopController) Authorize(context.Context, controller.AuthorizeRequest) (controller.AuthorizeResult, error) {
	return controller.AuthorizeResult{}, nil
}
func (nopController) Extend(context.Context, string, string, time.Time) error { return nil }
func (nopController) Revoke(context.Context, string, string) error            { return nil }
func (nopController) Health(context.Context) error                            { return nil }

func newPortal(t *testing.T, limiter *ratelimit.Limiter) (*httprouter.Router, sqlmock.Sqlmock) {
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
	vouchers := voucher.NewService(st, q, auditSvc)
	bookings := booking.NewService(st, q, auditSvc)
	grants := grant.NewService(st, q, auditSvc)

	if limiter == nil {
		limiter = ratelimit.New(100, time.Minute)
	}
	h := NewHandlers(st, vouchers, bookings, grants,
		limiter,
		csrf.New(32, false),
		redirect.New(nil, "/guest/welcome"),
		config.PortalConfig{MACHeaders: []string{"X-MAC-Address", "X-Client-Mac"}},
		false,
	)
	router := httprouter.New()
	h.Register(router)
	return router, mock
}

func TestDetectionRoutesRedirectToForm(t *testing.T) {
	router, _ := newPortal(t, nil)
	for _, route := range DetectionRoutes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusFound {
			t.Errorf("%s: status = %d, want 302", route, rec.Code)
			continue
		}
		loc := rec.Header().Get("Location")
		if !strings.HasPrefix(loc, "/guest/authorize?continue=") {
			t.Errorf("%s: location = %q", route, loc)
		}
	}
}

func TestShowFormIssuesCSRFCookie(t *testing.T) {
	router, _ := newPortal(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/guest/authorize", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var found bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == csrf.CookieName && c.Value != "" {
			found = true
			if !c.HttpOnly {
				t.Error("csrf cookie not HttpOnly")
			}
		}
	}
	if !found {
		t.Error("no csrf cookie issued")
	}
	if !strings.Contains(rec.Body.String(), `name="csrf_token"`) {
		t.Error("form missing embedded csrf token")
	}
}

func postAuthorize(router http.Handler, form url.Values, csrfToken, macHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/guest/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.50:40000"
	if csrfToken != "" {
		req.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: csrfToken})
	}
	if macHeader != "" {
		req.Header.Set("X-MAC-Address", macHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAuthorizeRejectsBadCSRF(t *testing.T) {
	router, _ := newPortal(t, nil)
	rec := postAuthorize(router, url.Values{
		"code":       {"GOODCODE99"},
		"csrf_token": {"form-token"},
	}, "different-cookie-token", "AA:BB:CC:DD:EE:FF")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAuthorizeRateLimited(t *testing.T) {
	router, _ := newPortal(t, ratelimit.New(1, time.Minute))

	form := url.Values{"code": {"GOODCODE99"}, "csrf_token": {"tok"}}
	// First request consumes the budget; it fails later in the
	// pipeline on CSRF, which is fine for this test.
	postAuthorize(router, form, "mismatch", "")
	rec := postAuthorize(router, form, "mismatch", "")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("no Retry-After header")
	}
}

func TestAuthorizeInvalidMACRejected(t *testing.T) {
	router, _ := newPortal(t, nil)
	rec := postAuthorize(router, url.Values{
		"code":       {"GOODCODE99"},
		"csrf_token": {"tok"},
	}, "tok", "not-a-mac")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAuthorizeVoucherHappyPath(t *testing.T) {
	router, mock := newPortal(t, nil)

	// Booking path first: no enabled integrations.
	mock.ExpectQuery(`SELECT \* FROM integrations WHERE enabled`).
		WillReturnRows(sqlmock.NewRows([]string{"integration_id"}))
	// Voucher path.
	created := time.Now().UTC().Add(-time.Minute)
	mock.ExpectQuery(`SELECT \* FROM vouchers WHERE UPPER\(code\)`).
		WillReturnRows(sqlmock.NewRows([]string{
			"code", "created_utc", "duration_minutes", "up_kbps", "down_kbps",
			"status", "booking_ref", "redeemed_count", "last_redeemed_utc",
		}).AddRow("GOODCODE99", created, 120, nil, nil, "unused", nil, 0, nil))
	mock.ExpectQuery(`SELECT \* FROM access_grants`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO access_grants`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE vouchers`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO controller_ops`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))

	rec := postAuthorize(router, url.Values{
		"code":       {"goodcode99"},
		"csrf_token": {"tok"},
		"continue":   {"//evil.example.net"},
	}, "tok", "aa-bb-cc-dd-ee-ff")

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303, body: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/guest/welcome" {
		t.Errorf("unsafe continue not replaced, location = %q", loc)
	}
	var grantCookie bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == GrantCookie && c.Value != "" {
			grantCookie = true
		}
	}
	if !grantCookie {
		t.Error("grant cookie not set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAuthorizeUnknownCode(t *testing.T) {
	router, mock := newPortal(t, nil)

	mock.ExpectQuery(`SELECT \* FROM integrations WHERE enabled`).
		WillReturnRows(sqlmock.NewRows([]string{"integration_id"}))
	mock.ExpectQuery(`SELECT \* FROM vouchers WHERE UPPER\(code\)`).
		WillReturnRows(sqlmock.NewRows([]string{"code"}))

	rec := postAuthorize(router, url.Values{
		"code":       {"NOPE9999"},
		"csrf_token": {"tok"},
	}, "tok", "AA:BB:CC:DD:EE:FF")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCaptureMAC(t *testing.T) {
	headers := []string{"X-MAC-Address", "X-Client-Mac"}

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("X-Client-Mac", "aa:bb:cc:dd:ee:ff")
	got, found, err := captureMAC(r, headers)
	if !found || err != nil || got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("captureMAC = %q, %v, %v", got, found, err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", nil)
	_, found, err = captureMAC(r, headers)
	if found || err != nil {
		t.Errorf("absent headers: found=%v err=%v", found, err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("X-MAC-Address", "garbage")
	_, found, err = captureMAC(r, headers)
	if !found || err == nil {
		t.Error("malformed MAC not rejected")
	}
}
