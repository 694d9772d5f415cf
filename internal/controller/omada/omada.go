// Package omada implements the controller abstraction against a
// TP-Link Omada controller's hotspot operator API.
package omada

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/config"
	"github.com/rentalnet/guestgate/internal/controller"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/metrics"
)

// authTypeExternalPortal is the Omada authType for external portal
// server authorization.
const authTypeExternalPortal = 4

// maxCallAttempts bounds retries per controller call, with backoff
// 1s, 2s, 4s between attempts.
const maxCallAttempts = 4

const csrfHeader = "Csrf-Token"

// retryableErrorCode is the threshold above which Omada error codes
// indicate transient controller-side trouble.
const retryableErrorCode = 5000

// apiResponse is the envelope every Omada endpoint returns.
type apiResponse struct {
	ErrorCode int             `json:"errorCode"`
	Msg       string          `json:"msg"`
	Result    json.RawMessage `json:"result"`
}

type loginResult struct {
	Token string `json:"token"`
}

// Omada talks to one Omada controller. Safe for concurrent use; the
// operator session (CSRF token plus session cookie) is shared and
// refreshed on expiry.
type Omada struct {
	cfg  config.ControllerConfig
	http *http.Client

	mu   sync.Mutex
	csrf string

	// known caches recently applied authorizations so a replayed queue
	// op does not hit the controller twice.
	known *expirable.LRU[string, time.Time]
}

var _ controller.Controller = (*Omada)(nil)

// New builds an Omada client from configuration.
func New(cfg config.ControllerConfig) (*Omada, error) {
	if cfg.BaseURL == "" || cfg.ControllerID == "" {
		return nil, errors.New("omada: base_url and controller_id are required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.AllowSelfSigned {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Omada{
		cfg: cfg,
		http: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		known: expirable.NewLRU[string, time.Time](4096, nil, time.Hour),
	}, nil
}

// Authorize grants the client network access until req.EndUTC. The
// controller is handed an absolute expiry so it enforces the window
// even if this service goes down. The returned grant id is the client
// MAC, the controller's own handle for the authorization.
func (o *Omada) Authorize(ctx context.Context, req controller.AuthorizeRequest) (controller.AuthorizeResult, error) {
	if end, ok := o.known.Get(authCacheKey(req.MAC, req.EndUTC)); ok && end.Equal(req.EndUTC) {
		return controller.AuthorizeResult{GrantID: req.MAC}, nil
	}

	body := map[string]any{
		"clientMac": req.MAC,
		"site":      o.cfg.SiteID,
		"time":      req.EndUTC.UnixMicro(),
		"authType":  authTypeExternalPortal,
	}
	if req.UpKbps > 0 {
		body["rateLimitUp"] = req.UpKbps
	}
	if req.DownKbps > 0 {
		body["rateLimitDown"] = req.DownKbps
	}

	if err := o.call(ctx, "extPortal/auth", body, nil); err != nil {
		return controller.AuthorizeResult{}, err
	}
	o.known.Add(authCacheKey(req.MAC, req.EndUTC), req.EndUTC)
	logging.Info("controller authorized client",
		zap.String("mac", req.MAC), zap.Time("end_utc", req.EndUTC))
	return controller.AuthorizeResult{GrantID: req.MAC}, nil
}

// Extend re-authorizes the client with the new absolute expiry. Omada
// has no separate extend call; a fresh auth with a later time replaces
// the old window.
func (o *Omada) Extend(ctx context.Context, mac, _ string, end time.Time) error {
	_, err := o.Authorize(ctx, controller.AuthorizeRequest{MAC: mac, EndUTC: end})
	return err
}

// Revoke removes the client's authorization. An unknown client counts
// as success, the end state is the same.
func (o *Omada) Revoke(ctx context.Context, mac, _ string) error {
	body := map[string]any{
		"clientMac": mac,
		"site":      o.cfg.SiteID,
	}
	err := o.call(ctx, "extPortal/deauth", body, nil)
	if err != nil {
		var httpErr *statusError
		if errors.As(err, &httpErr) && httpErr.status == http.StatusNotFound {
			return nil
		}
		return err
	}
	logging.Info("controller revoked client", zap.String("mac", mac))
	return nil
}

// Health verifies the controller is reachable and the operator
// credentials work.
func (o *Omada) Health(ctx context.Context) error {
	return o.login(ctx)
}

// statusError carries a non-2xx HTTP status.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("omada: http status %d", e.status)
}

// apiError carries a non-zero Omada error code.
type apiError struct {
	code int
	msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("omada: errorCode %d: %s", e.code, e.msg)
}

func (e *apiError) retryable() bool {
	return e.code >= retryableErrorCode
}

// call runs one hotspot API operation with session refresh and bounded
// retry. Transient failures (network, 5xx, retryable error codes) back
// off; everything else returns immediately as permanent.
func (o *Omada) call(ctx context.Context, endpoint string, body map[string]any, out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempt := 0
	op := func() error {
		attempt++
		err := o.doOnce(ctx, endpoint, body, out)
		if err == nil {
			metrics.ControllerRequests.WithLabelValues(endpoint, "success").Inc()
			return nil
		}

		var httpErr *statusError
		if errors.As(err, &httpErr) {
			if httpErr.status == http.StatusUnauthorized {
				// Session expired on the controller; drop it and retry.
				o.resetSession()
				metrics.ControllerRequests.WithLabelValues(endpoint, "relogin").Inc()
				return err
			}
			if httpErr.status >= 400 && httpErr.status < 500 {
				metrics.ControllerRequests.WithLabelValues(endpoint, "permanent").Inc()
				return backoff.Permanent(err)
			}
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			metrics.ControllerRequests.WithLabelValues(endpoint, "permanent").Inc()
			return backoff.Permanent(err)
		}

		metrics.ControllerRequests.WithLabelValues(endpoint, "retry").Inc()
		logging.Warn("controller call failed, retrying",
			zap.String("endpoint", endpoint), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, maxCallAttempts-1), ctx))
	if err != nil {
		if isPermanent(err) {
			return err
		}
		return fmt.Errorf("%w: %w", controller.ErrUnavailable, err)
	}
	return nil
}

// isPermanent reports whether the final error was a definitive
// controller rejection rather than exhaustion of the retry budget.
func isPermanent(err error) bool {
	var httpErr *statusError
	if errors.As(err, &httpErr) {
		return httpErr.status >= 400 && httpErr.status < 500 &&
			httpErr.status != http.StatusUnauthorized
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return !apiErr.retryable()
	}
	return false
}

func (o *Omada) doOnce(ctx context.Context, endpoint string, body map[string]any, out any) error {
	csrf, err := o.session(ctx)
	if err != nil {
		return err
	}

	u, err := url.JoinPath(o.cfg.BaseURL, o.cfg.ControllerID, "api/v2/hotspot", endpoint)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrfHeader, csrf)

	resp, err := o.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &statusError{status: resp.StatusCode}
	}

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("omada: decode %s response: %w", endpoint, err)
	}
	if env.ErrorCode != 0 {
		return &apiError{code: env.ErrorCode, msg: env.Msg}
	}
	if out != nil && len(env.Result) > 0 {
		return json.Unmarshal(env.Result, out)
	}
	return nil
}

// session returns the current CSRF token, logging in if there is none.
func (o *Omada) session(ctx context.Context) (string, error) {
	o.mu.Lock()
	csrf := o.csrf
	o.mu.Unlock()
	if csrf != "" {
		return csrf, nil
	}
	if err := o.login(ctx); err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.csrf, nil
}

func (o *Omada) resetSession() {
	o.mu.Lock()
	o.csrf = ""
	o.mu.Unlock()
}

// login opens a hotspot operator session. The controller returns the
// CSRF token in the body and the session id as a cookie, which the
// client jar keeps.
func (o *Omada) login(ctx context.Context) error {
	u, err := url.JoinPath(o.cfg.BaseURL, o.cfg.ControllerID, "api/v2/hotspot/login")
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{
		"name":     o.cfg.OperatorUsername,
		"password": o.cfg.OperatorPassword,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %w", controller.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &statusError{status: resp.StatusCode}
	}

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("omada: decode login response: %w", err)
	}
	if env.ErrorCode != 0 {
		return &apiError{code: env.ErrorCode, msg: env.Msg}
	}
	var result loginResult
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return err
		}
	}
	if result.Token == "" {
		return errors.New("omada: login response carried no csrf token")
	}

	o.mu.Lock()
	o.csrf = result.Token
	o.mu.Unlock()
	logging.Info("controller operator session established",
		zap.String("controller_id", o.cfg.ControllerID))
	return nil
}

func authCacheKey(mac string, end time.Time) string {
	return mac + "|" + end.UTC().Format(time.RFC3339)
}
