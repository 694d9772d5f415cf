// Package admin is the administrative surface: session authentication,
// role enforcement, and the management API handlers.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/config"
	"github.com/rentalnet/guestgate/internal/csrf"
	"github.com/rentalnet/guestgate/internal/domain"
	"github.com/rentalnet/guestgate/internal/httperr"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/rbac"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/timeutil"
)

// SessionCookie is the admin session cookie name.
const SessionCookie = "portal_admin_session"

// ErrBadCredentials covers unknown users, wrong passwords, and
// deactivated accounts alike.
var ErrBadCredentials = errors.New("invalid credentials")

type identityKey struct{}

// Identity is the authenticated admin attached to a request context.
type Identity struct {
	Account *domain.AdminAccount
	Session *domain.AdminSession
}

// IdentityFromContext returns the authenticated admin, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// Auth implements admin login, logout, and session verification.
type Auth struct {
	store  *store.Store
	audit  *audit.Service
	csrf   *csrf.Issuer
	secure bool

	idleTimeout     time.Duration
	absoluteTimeout time.Duration
}

// NewAuth creates the admin authenticator.
func NewAuth(st *store.Store, a *audit.Service, c *csrf.Issuer, cfg config.SecurityConfig, secure bool) *Auth {
	return &Auth{
		store:           st,
		audit:           a,
		csrf:            c,
		secure:          secure,
		idleTimeout:     time.Duration(cfg.SessionIdleMinutes) * time.Minute,
		absoluteTimeout: time.Duration(cfg.SessionMaxHours) * time.Hour,
	}
}

// CSRFToken issues a double-submit token for the admin client. The
// token rides both the cookie and the response body; mutating calls
// echo it in the X-CSRF-Token header.
func (a *Auth) CSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.csrf.Issue(w)
	if err != nil {
		httperr.ErrInternal.
			WithCorrelationID(audit.CorrelationID(r.Context())).
			WriteJSON(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"csrf_token": token})
}

// Login verifies credentials and opens a session. Every attempt is
// audited, success and failure alike.
func (a *Auth) Login(ctx context.Context, username, password, ip, userAgent string) (*domain.AdminSession, error) {
	account, err := a.store.Admins.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.auditLogin(ctx, username, "", domain.OutcomeDenied)
			return nil, ErrBadCredentials
		}
		return nil, err
	}

	ok, err := VerifyPassword(password, account.PasswordHash)
	if err != nil || !ok || !account.Active {
		a.auditLogin(ctx, username, string(account.Role), domain.OutcomeDenied)
		return nil, ErrBadCredentials
	}

	now := timeutil.Now()
	sess := &domain.AdminSession{
		ID:              uuid.New(),
		AdminID:         account.ID,
		CreatedUTC:      now,
		LastActivityUTC: now,
		ExpiresUTC:      a.expiry(now, now),
	}
	if ip != "" {
		sess.IPAddress = &ip
	}
	if userAgent != "" {
		sess.UserAgent = &userAgent
	}
	if err := a.store.Sessions.Insert(ctx, sess); err != nil {
		return nil, err
	}
	if err := a.store.Admins.TouchLogin(ctx, account.ID, now); err != nil {
		logging.Warn("last login not recorded", zap.String("username", username), zap.Error(err))
	}

	a.auditLogin(ctx, username, string(account.Role), domain.OutcomeSuccess)
	logging.Info("admin logged in", zap.String("username", username))
	return sess, nil
}

func (a *Auth) auditLogin(ctx context.Context, username, role string, outcome domain.AuditOutcome) {
	a.audit.Log(ctx, audit.Entry{
		Actor:        username,
		RoleSnapshot: role,
		Action:       "admin.login",
		TargetType:   "admin_account",
		TargetID:     username,
		Outcome:      outcome,
	})
}

// Logout deletes the session.
func (a *Auth) Logout(ctx context.Context, sessionID uuid.UUID) error {
	return a.store.Sessions.Delete(ctx, sessionID)
}

// expiry computes the session deadline: idle timeout from the last
// activity, capped at the absolute timeout from creation.
func (a *Auth) expiry(created, activity time.Time) time.Time {
	idle := activity.Add(a.idleTimeout)
	absolute := created.Add(a.absoluteTimeout)
	if idle.After(absolute) {
		return absolute
	}
	return idle
}

// SetSessionCookie writes the session cookie on a login response.
func (a *Auth) SetSessionCookie(w http.ResponseWriter, sess *domain.AdminSession) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID.String(),
		Path:     "/admin",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.secure,
	})
}

// ClearSessionCookie expires the session cookie on logout.
func (a *Auth) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/admin",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.secure,
	})
}

// Authenticate resolves the request's session. Expired sessions are
// deleted on sight.
func (a *Auth) Authenticate(r *http.Request) (*Identity, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, ErrBadCredentials
	}
	sessionID, err := uuid.Parse(cookie.Value)
	if err != nil {
		return nil, ErrBadCredentials
	}

	ctx := r.Context()
	sess, err := a.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}

	now := timeutil.Now()
	if !now.Before(sess.ExpiresUTC) {
		a.store.Sessions.Delete(ctx, sess.ID)
		return nil, ErrBadCredentials
	}

	account, err := a.store.Admins.GetByID(ctx, sess.AdminID)
	if err != nil || !account.Active {
		return nil, ErrBadCredentials
	}

	sess.LastActivityUTC = now
	sess.ExpiresUTC = a.expiry(sess.CreatedUTC, now)
	if err := a.store.Sessions.Touch(ctx, sess.ID, sess.LastActivityUTC, sess.ExpiresUTC); err != nil {
		logging.Warn("session touch failed", zap.String("session_id", sess.ID.String()), zap.Error(err))
	}

	return &Identity{Account: account, Session: sess}, nil
}

// Require wraps a handler with session authentication, a double-submit
// CSRF check on mutating methods, and an RBAC check for the given
// action. Denials are audited.
func (a *Auth) Require(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			httperr.ErrUnauthorized.
				WithCorrelationID(audit.CorrelationID(r.Context())).
				WriteJSON(w)
			return
		}

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
			if !a.csrf.Check(r) {
				httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "Missing or invalid CSRF token").
					WithCorrelationID(audit.CorrelationID(r.Context())).
					WriteJSON(w)
				return
			}
		}

		if !rbac.IsAllowed(id.Account.Role, action) {
			a.audit.Log(r.Context(), audit.Entry{
				Actor:        id.Account.Username,
				RoleSnapshot: string(id.Account.Role),
				Action:       action,
				TargetType:   "rbac",
				TargetID:     r.URL.Path,
				Outcome:      domain.OutcomeDenied,
			})
			httperr.ErrRBACForbidden.
				WithCorrelationID(audit.CorrelationID(r.Context())).
				WriteJSON(w)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next(w, r.WithContext(ctx))
	}
}

// Bootstrap seeds the first admin account when the table is empty and
// credentials are configured.
func Bootstrap(ctx context.Context, st *store.Store, a *audit.Service, cfg config.BootstrapConfig) error {
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		return nil
	}
	n, err := st.Admins.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	hash, err := HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	account := &domain.AdminAccount{
		ID:           uuid.New(),
		Username:     cfg.AdminUsername,
		Email:        cfg.AdminEmail,
		Role:         domain.RoleAdmin,
		PasswordHash: hash,
		CreatedUTC:   timeutil.Now(),
		Active:       true,
	}
	if err := st.Admins.Insert(ctx, account); err != nil {
		return err
	}

	a.Log(ctx, audit.Entry{
		Actor:      "system",
		Action:     "admin.accounts.create",
		TargetType: "admin_account",
		TargetID:   cfg.AdminUsername,
		Outcome:    domain.OutcomeSuccess,
		Meta:       map[string]any{"bootstrap": true},
	})
	logging.Info("bootstrap admin created", zap.String("username", cfg.AdminUsername))
	return nil
}
