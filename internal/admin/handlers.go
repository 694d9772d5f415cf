package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/domain"
	"github.com/rentalnet/guestgate/internal/grant"
	"github.com/rentalnet/guestgate/internal/httperr"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/ratelimit"
	"github.com/rentalnet/guestgate/internal/realip"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/timeutil"
	"github.com/rentalnet/guestgate/internal/voucher"
)

const defaultPageSize = 50

// Handlers is the admin management API.
type Handlers struct {
	auth     *Auth
	store    *store.Store
	grants   *grant.Service
	vouchers *voucher.Service
	audit    *audit.Service
	limiter  *ratelimit.Limiter
}

// NewHandlers wires the admin API.
func NewHandlers(auth *Auth, st *store.Store, g *grant.Service, v *voucher.Service, a *audit.Service, l *ratelimit.Limiter) *Handlers {
	return &Handlers{auth: auth, store: st, grants: g, vouchers: v, audit: a, limiter: l}
}

// Register mounts the admin API on the router.
func (h *Handlers) Register(r *httprouter.Router) {
	r.HandlerFunc(http.MethodGet, "/admin/api/csrf-token", h.auth.CSRFToken)
	r.HandlerFunc(http.MethodPost, "/admin/api/login", h.login)
	r.HandlerFunc(http.MethodPost, "/admin/api/logout", h.logout)

	r.HandlerFunc(http.MethodGet, "/admin/api/portal-config", h.auth.Require("portal_config.read", h.getPortalConfig))
	r.HandlerFunc(http.MethodPut, "/admin/api/portal-config", h.auth.Require("portal_config.update", h.putPortalConfig))

	r.HandlerFunc(http.MethodGet, "/admin/api/integrations", h.auth.Require("integrations.list", h.listIntegrations))
	r.HandlerFunc(http.MethodPost, "/admin/api/integrations", h.auth.Require("integrations.create", h.createIntegration))
	r.HandlerFunc(http.MethodPut, "/admin/api/integrations/:id", h.auth.Require("integrations.update", h.updateIntegration))
	r.HandlerFunc(http.MethodDelete, "/admin/api/integrations/:id", h.auth.Require("integrations.delete", h.deleteIntegration))

	r.HandlerFunc(http.MethodGet, "/admin/api/grants", h.auth.Require("grants.list", h.listGrants))
	r.HandlerFunc(http.MethodPost, "/admin/api/grants/:id/extend", h.auth.Require("grants.extend", h.extendGrant))
	r.HandlerFunc(http.MethodPost, "/admin/api/grants/:id/revoke", h.auth.Require("grants.revoke", h.revokeGrant))
	r.HandlerFunc(http.MethodGet, "/admin/api/controller-ops/dead", h.auth.Require("grants.list", h.listDeadOps))

	r.HandlerFunc(http.MethodGet, "/admin/api/vouchers", h.auth.Require("vouchers.list", h.listVouchers))
	r.HandlerFunc(http.MethodPost, "/admin/api/vouchers", h.auth.Require("vouchers.create", h.createVoucher))

	r.HandlerFunc(http.MethodGet, "/admin/api/admins", h.auth.Require("admin.accounts.list", h.listAdmins))
	r.HandlerFunc(http.MethodPost, "/admin/api/admins", h.auth.Require("admin.accounts.create", h.createAdmin))

	r.HandlerFunc(http.MethodGet, "/admin/api/audit", h.auth.Require("audit.entries.list", h.listAudit))
}

// pathParam reads a route parameter stored by httprouter's
// HandlerFunc registration.
func pathParam(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("response encoding failed", zap.Error(err))
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, e *httperr.Envelope) {
	e.WithCorrelationID(audit.CorrelationID(r.Context())).WriteJSON(w)
}

func (h *Handlers) actor(r *http.Request) grant.Actor {
	if id, ok := IdentityFromContext(r.Context()); ok {
		return grant.Actor{Name: id.Account.Username, Role: string(id.Account.Role)}
	}
	return grant.Actor{}
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "Invalid login request"))
		return
	}

	ip := realip.FromContext(r.Context())
	sess, err := h.auth.Login(r.Context(), req.Username, req.Password, ip, r.UserAgent())
	if err != nil {
		if errors.Is(err, ErrBadCredentials) {
			writeErr(w, r, httperr.ErrUnauthorized)
			return
		}
		writeErr(w, r, httperr.ErrInternal)
		return
	}

	h.auth.SetSessionCookie(w, sess)
	writeJSON(w, http.StatusOK, map[string]any{"expires_utc": sess.ExpiresUTC})
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if sessionID, err := uuid.Parse(cookie.Value); err == nil {
			h.auth.Logout(r.Context(), sessionID)
		}
	}
	h.auth.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) getPortalConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.PortalConfig.Get(r.Context())
	if err != nil {
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) putPortalConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.PortalConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "Invalid portal config"))
		return
	}
	cfg.ID = 1
	if err := cfg.Validate(); err != nil {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, err.Error()))
		return
	}
	if err := h.store.PortalConfig.Put(r.Context(), &cfg); err != nil {
		writeErr(w, r, httperr.ErrInternal)
		return
	}

	// Apply rate-limit changes to the live limiter immediately.
	h.limiter.SetLimits(cfg.RateLimitAttempts, time.Duration(cfg.RateLimitWindowSeconds)*time.Second)

	actor := h.actor(r)
	h.audit.Log(r.Context(), audit.Entry{
		Actor:        actor.Name,
		RoleSnapshot: actor.Role,
		Action:       "portal_config.update",
		TargetType:   "portal_config",
		TargetID:     "1",
		Outcome:      domain.OutcomeSuccess,
	})
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) listIntegrations(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.Integrations.List(r.Context())
	if err != nil {
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) createIntegration(w http.ResponseWriter, r *http.Request) {
	var cfg domain.IntegrationConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "Invalid integration"))
		return
	}
	if cfg.AuthAttribute == "" {
		cfg.AuthAttribute = domain.AttrSlotCode
	}
	if err := cfg.Validate(); err != nil {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, err.Error()))
		return
	}
	if err := h.store.Integrations.Insert(r.Context(), &cfg); err != nil {
		if store.IsUniqueViolation(err) {
			writeErr(w, r, httperr.ErrConflict)
			return
		}
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	h.auditCRUD(r, "integrations.create", "integration", cfg.IntegrationID)
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *Handlers) updateIntegration(w http.ResponseWriter, r *http.Request) {
	var cfg domain.IntegrationConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "Invalid integration"))
		return
	}
	cfg.IntegrationID = pathParam(r, "id")
	if err := cfg.Validate(); err != nil {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, err.Error()))
		return
	}
	if err := h.store.Integrations.Update(r.Context(), &cfg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, r, httperr.ErrNotFound)
			return
		}
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	h.auditCRUD(r, "integrations.update", "integration", cfg.IntegrationID)
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) deleteIntegration(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.store.Integrations.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, r, httperr.ErrNotFound)
			return
		}
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	h.auditCRUD(r, "integrations.delete", "integration", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listGrants(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	out, err := h.grants.List(r.Context(), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type extendRequest struct {
	Minutes int `json:"minutes"`
}

func (h *Handlers) extendGrant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(pathParam(r, "id"))
	if err != nil {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "Invalid grant id"))
		return
	}
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Minutes <= 0 {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "minutes must be a positive integer"))
		return
	}

	g, err := h.grants.Extend(r.Context(), id, req.Minutes, h.actor(r))
	if err != nil {
		switch {
		case errors.Is(err, grant.ErrNotFound):
			writeErr(w, r, httperr.ErrNotFound)
		case errors.Is(err, grant.ErrRevoked):
			writeErr(w, r, httperr.ErrConflict)
		default:
			writeErr(w, r, httperr.ErrInternal)
		}
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handlers) revokeGrant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(pathParam(r, "id"))
	if err != nil {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "Invalid grant id"))
		return
	}
	g, err := h.grants.Revoke(r.Context(), id, h.actor(r))
	if err != nil {
		if errors.Is(err, grant.ErrNotFound) {
			writeErr(w, r, httperr.ErrNotFound)
			return
		}
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handlers) listDeadOps(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	out, err := h.store.Queue.ListDead(r.Context(), limit)
	if err != nil {
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) listVouchers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	out, err := h.store.Vouchers.List(r.Context(), limit, offset)
	if err != nil {
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type createVoucherRequest struct {
	Length          int     `json:"length"`
	DurationMinutes int     `json:"duration_minutes"`
	UpKbps          *int    `json:"up_kbps"`
	DownKbps        *int    `json:"down_kbps"`
	BookingRef      *string `json:"booking_ref"`
}

func (h *Handlers) createVoucher(w http.ResponseWriter, r *http.Request) {
	var req createVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "Invalid voucher request"))
		return
	}
	if req.Length != 0 && (req.Length < domain.VoucherLengthMin || req.Length > domain.VoucherLengthMax) {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "length out of range"))
		return
	}

	actor := h.actor(r)
	v, err := h.vouchers.Create(r.Context(), voucher.CreateParams{
		Length:          req.Length,
		DurationMinutes: req.DurationMinutes,
		UpKbps:          req.UpKbps,
		DownKbps:        req.DownKbps,
		BookingRef:      req.BookingRef,
		Actor:           actor.Name,
		Role:            actor.Role,
	})
	if err != nil {
		if errors.Is(err, voucher.ErrCollision) {
			writeErr(w, r, httperr.New(http.StatusConflict, httperr.CodeRetryExhausted, "Could not generate a unique code"))
			return
		}
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handlers) listAdmins(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.Admins.List(r.Context())
	if err != nil {
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	// Never serialize password hashes.
	type view struct {
		ID           uuid.UUID   `json:"id"`
		Username     string      `json:"username"`
		Email        string      `json:"email"`
		Role         domain.Role `json:"role"`
		Active       bool        `json:"active"`
		CreatedUTC   time.Time   `json:"created_utc"`
		LastLoginUTC *time.Time  `json:"last_login_utc"`
	}
	views := make([]view, len(out))
	for i, a := range out {
		views[i] = view{a.ID, a.Username, a.Email, a.Role, a.Active, a.CreatedUTC, a.LastLoginUTC}
	}
	writeJSON(w, http.StatusOK, views)
}

type createAdminRequest struct {
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Role     domain.Role `json:"role"`
	Password string      `json:"password"`
}

func (h *Handlers) createAdmin(w http.ResponseWriter, r *http.Request) {
	var req createAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || len(req.Password) < 8 {
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "username and a password of at least 8 characters are required"))
		return
	}
	switch req.Role {
	case domain.RoleViewer, domain.RoleAuditor, domain.RoleOperator, domain.RoleAdmin:
	default:
		writeErr(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "unknown role"))
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	account := &domain.AdminAccount{
		ID:           uuid.New(),
		Username:     req.Username,
		Email:        req.Email,
		Role:         req.Role,
		PasswordHash: hash,
		CreatedUTC:   timeutil.Now(),
		Active:       true,
	}
	if err := h.store.Admins.Insert(r.Context(), account); err != nil {
		if store.IsUniqueViolation(err) {
			writeErr(w, r, httperr.ErrConflict)
			return
		}
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	h.auditCRUD(r, "admin.accounts.create", "admin_account", req.Username)
	writeJSON(w, http.StatusCreated, map[string]any{"id": account.ID, "username": account.Username, "role": account.Role})
}

func (h *Handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	out, err := h.store.Audit.List(r.Context(), limit, offset)
	if err != nil {
		writeErr(w, r, httperr.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) auditCRUD(r *http.Request, action, targetType, targetID string) {
	actor := h.actor(r)
	h.audit.Log(r.Context(), audit.Entry{
		Actor:        actor.Name,
		RoleSnapshot: actor.Role,
		Action:       action,
		TargetType:   targetType,
		TargetID:     targetID,
		Outcome:      domain.OutcomeSuccess,
	})
}
