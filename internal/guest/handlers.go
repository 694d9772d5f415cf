package guest

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/booking"
	"github.com/rentalnet/guestgate/internal/config"
	"github.com/rentalnet/guestgate/internal/csrf"
	"github.com/rentalnet/guestgate/internal/grant"
	"github.com/rentalnet/guestgate/internal/httperr"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/metrics"
	"github.com/rentalnet/guestgate/internal/ratelimit"
	"github.com/rentalnet/guestgate/internal/realip"
	"github.com/rentalnet/guestgate/internal/redirect"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/timeutil"
	"github.com/rentalnet/guestgate/internal/voucher"
)

// GrantCookie carries the issued grant id back to the device.
const GrantCookie = "grant_id"

// SessionTokenCookie carries the reconciliation token when the MAC
// headers were absent at submission time.
const SessionTokenCookie = "guest_session"

var formTemplate = template.Must(template.New("form").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Wi-Fi Access</title></head>
<body>
<h1>Connect to Wi-Fi</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/guest/authorize">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<input type="hidden" name="continue" value="{{.Continue}}">
<label>Voucher or booking code <input name="code" autocomplete="off" autofocus></label>
<button type="submit">Connect</button>
</form>
</body>
</html>
`))

var welcomeTemplate = template.Must(template.New("welcome").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Connected</title></head>
<body>
<h1>You're connected</h1>
<p>Your device is now authorized on the network.</p>
</body>
</html>
`))

type formData struct {
	CSRFToken string
	Continue  string
	Error     string
}

// Handlers serves the guest portal.
type Handlers struct {
	store     *store.Store
	vouchers  *voucher.Service
	bookings  *booking.Service
	grants    *grant.Service
	limiter   *ratelimit.Limiter
	csrf      *csrf.Issuer
	redirects *redirect.Validator
	cfg       config.PortalConfig
	secure    bool
}

// NewHandlers wires the guest portal.
func NewHandlers(st *store.Store, v *voucher.Service, b *booking.Service, g *grant.Service,
	l *ratelimit.Limiter, c *csrf.Issuer, rd *redirect.Validator, cfg config.PortalConfig, secure bool) *Handlers {
	return &Handlers{
		store: st, vouchers: v, bookings: b, grants: g,
		limiter: l, csrf: c, redirects: rd, cfg: cfg, secure: secure,
	}
}

// Register mounts the guest routes and the captive-portal detection
// probes.
func (h *Handlers) Register(r *httprouter.Router) {
	r.HandlerFunc(http.MethodGet, "/guest/authorize", h.showForm)
	r.HandlerFunc(http.MethodPost, "/guest/authorize", h.authorize)
	r.HandlerFunc(http.MethodGet, "/guest/welcome", h.welcome)
	r.HandlerFunc(http.MethodPost, "/guest/reconcile", h.ReconcileSession)
	for _, route := range DetectionRoutes {
		r.HandlerFunc(http.MethodGet, route, h.detect)
	}
}

// detect answers OS connectivity probes with a redirect to the form,
// preserving the probed URL as the continue target.
func (h *Handlers) detect(w http.ResponseWriter, r *http.Request) {
	target := "/guest/authorize?continue=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handlers) showForm(w http.ResponseWriter, r *http.Request) {
	token, err := h.csrf.Issue(w)
	if err != nil {
		h.renderError(w, r, httperr.ErrInternal, "")
		return
	}
	h.renderForm(w, http.StatusOK, formData{
		CSRFToken: token,
		Continue:  r.URL.Query().Get("continue"),
	})
}

func (h *Handlers) welcome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	welcomeTemplate.Execute(w, nil)
}

func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := realip.FromContext(ctx)

	if allowed, retryAfter := h.limiter.Allow(ip); !allowed {
		metrics.RateLimited.Inc()
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
		h.renderError(w, r, httperr.ErrRateLimited, "")
		return
	}

	if !h.csrf.Check(r) {
		h.renderError(w, r, httperr.New(http.StatusBadRequest, httperr.CodeInvalidInput, "Please reload the page and try again"), "")
		return
	}

	input := strings.TrimSpace(r.PostFormValue("code"))
	if input == "" {
		h.renderError(w, r, httperr.ErrInvalidInput, "")
		return
	}

	macAddr, macFound, err := captureMAC(r, h.cfg.MACHeaders)
	if macFound && err != nil {
		metrics.Authorizations.WithLabelValues("unknown", "rejected").Inc()
		h.renderError(w, r, httperr.ErrInvalidInput, "")
		return
	}

	var sessionToken *string
	if !macFound {
		tok := newSessionToken()
		sessionToken = &tok
		http.SetCookie(w, &http.Cookie{
			Name:     SessionTokenCookie,
			Value:    tok,
			Path:     "/",
			MaxAge:   60,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   h.secure,
		})
		logging.Info("mac headers absent, issuing session token",
			zap.String("ip", ip), zap.String("correlation_id", audit.CorrelationID(ctx)))
	}

	res, err := h.dispatch(ctx, input, macAddr, sessionToken)
	if err != nil {
		h.renderDispatchError(w, r, err)
		return
	}

	metrics.Authorizations.WithLabelValues(res.method, "granted").Inc()
	http.SetCookie(w, &http.Cookie{
		Name:     GrantCookie,
		Value:    res.grant.ID.String(),
		Path:     "/",
		Expires:  res.grant.EndUTC,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.secure,
	})

	dest := h.redirects.Resolve(r.PostFormValue("continue"))
	http.Redirect(w, r, dest, http.StatusSeeOther)
}

// renderDispatchError maps pipeline errors onto guest responses. The
// messages stay generic; the audit log carries the specifics.
func (h *Handlers) renderDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	method := "booking"
	var env *httperr.Envelope
	switch {
	case errors.Is(err, voucher.ErrNotFound), errors.Is(err, booking.ErrNotFound):
		env = httperr.ErrNotFound
	case errors.Is(err, voucher.ErrExpired), errors.Is(err, voucher.ErrRevoked):
		method = "voucher"
		env = httperr.ErrOutsideWindow
	case errors.Is(err, booking.ErrOutsideWindow):
		env = httperr.ErrOutsideWindow
	case errors.Is(err, voucher.ErrDuplicate):
		method = "voucher"
		env = httperr.ErrDuplicateRedemption
	case errors.Is(err, booking.ErrDuplicate):
		env = httperr.ErrDuplicateRedemption
	case errors.Is(err, booking.ErrUnavailable):
		env = httperr.ErrIntegrationUnavailable
	default:
		logging.Error("guest authorization failed",
			zap.String("correlation_id", audit.CorrelationID(r.Context())), zap.Error(err))
		env = httperr.ErrInternal
	}

	outcome := "rejected"
	if env == httperr.ErrDuplicateRedemption {
		outcome = "duplicate"
	} else if env == httperr.ErrInternal {
		outcome = "error"
	}
	metrics.Authorizations.WithLabelValues(method, outcome).Inc()
	h.renderError(w, r, env, "")
}

// renderError renders the form again with the envelope's message and
// status, or a bare page when re-rendering the form is pointless.
func (h *Handlers) renderError(w http.ResponseWriter, r *http.Request, env *httperr.Envelope, cont string) {
	token, err := h.csrf.Issue(w)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if cont == "" {
		cont = r.PostFormValue("continue")
	}
	h.renderForm(w, env.Status, formData{
		CSRFToken: token,
		Continue:  cont,
		Error:     env.Message,
	})
}

func (h *Handlers) renderForm(w http.ResponseWriter, status int, data formData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := formTemplate.Execute(w, data); err != nil {
		logging.Error("form render failed", zap.Error(err))
	}
}

// ReconcileSession attaches a MAC discovered after the fact to the
// newest pending session-token grant. Exposed on the guest surface for
// controller callbacks.
func (h *Handlers) ReconcileSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionTokenCookie)
	if err != nil || cookie.Value == "" {
		h.renderError(w, r, httperr.ErrInvalidInput, "")
		return
	}
	macAddr, found, err := captureMAC(r, h.cfg.MACHeaders)
	if !found || err != nil {
		h.renderError(w, r, httperr.ErrInvalidInput, "")
		return
	}

	grants, err := h.store.Grants.FindUnreconciled(r.Context(), timeutil.Now())
	if err != nil {
		h.renderError(w, r, httperr.ErrInternal, "")
		return
	}
	for i := range grants {
		g := &grants[i]
		if g.SessionToken != nil && *g.SessionToken == cookie.Value {
			if err := h.grants.AttachMAC(r.Context(), g, macAddr, 0, 0); err != nil {
				h.renderError(w, r, httperr.ErrInternal, "")
				return
			}
			http.Redirect(w, r, "/guest/welcome", http.StatusSeeOther)
			return
		}
	}
	h.renderError(w, r, httperr.ErrNotFound, "")
}
