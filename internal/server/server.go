// Package server assembles the portal: routing, middleware, background
// workers, and lifecycle.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/rentalnet/guestgate/internal/admin"
	"github.com/rentalnet/guestgate/internal/audit"
	"github.com/rentalnet/guestgate/internal/booking"
	"github.com/rentalnet/guestgate/internal/config"
	"github.com/rentalnet/guestgate/internal/controller"
	"github.com/rentalnet/guestgate/internal/controller/omada"
	"github.com/rentalnet/guestgate/internal/csrf"
	"github.com/rentalnet/guestgate/internal/grant"
	"github.com/rentalnet/guestgate/internal/guest"
	"github.com/rentalnet/guestgate/internal/logging"
	"github.com/rentalnet/guestgate/internal/metrics"
	"github.com/rentalnet/guestgate/internal/queue"
	"github.com/rentalnet/guestgate/internal/ratelimit"
	"github.com/rentalnet/guestgate/internal/realip"
	"github.com/rentalnet/guestgate/internal/redirect"
	"github.com/rentalnet/guestgate/internal/reservation"
	"github.com/rentalnet/guestgate/internal/securityheaders"
	"github.com/rentalnet/guestgate/internal/store"
	"github.com/rentalnet/guestgate/internal/timeutil"
	"github.com/rentalnet/guestgate/internal/voucher"
)

const sessionSweepInterval = 10 * time.Minute

// Server is the assembled portal process.
type Server struct {
	cfg   *config.Config
	store *store.Store
	ctrl  controller.Controller

	httpServer *http.Server

	queue   *queue.Service
	grants  *grant.Service
	poller  *reservation.Poller
	cleaner *reservation.Cleaner

	cancelBg context.CancelFunc
	bg       sync.WaitGroup
}

// NewServer builds the full dependency graph from configuration. It
// connects to the database, runs migrations, and seeds the bootstrap
// admin, but does not start listening.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	auditSvc := audit.NewService(st.Audit)
	if err := admin.Bootstrap(ctx, st, auditSvc, cfg.Bootstrap); err != nil {
		st.Close()
		return nil, err
	}

	ctrl, err := omada.New(cfg.Controller)
	if err != nil {
		st.Close()
		return nil, err
	}

	q := queue.NewService(st, ctrl, auditSvc)
	vouchers := voucher.NewService(st, q, auditSvc)
	bookings := booking.NewService(st, q, auditSvc)
	grants := grant.NewService(st, q, auditSvc)

	// The live rate limits come from the DB singleton; the file config
	// only supplies them until the first admin update.
	limiter := ratelimit.New(cfg.Portal.RateLimitAttempts,
		time.Duration(cfg.Portal.RateLimitWindowSeconds)*time.Second)
	redirectFallback := cfg.Portal.SuccessRedirectURL
	if pc, err := st.PortalConfig.Get(ctx); err == nil {
		limiter.SetLimits(pc.RateLimitAttempts,
			time.Duration(pc.RateLimitWindowSeconds)*time.Second)
		if pc.SuccessRedirectURL != "" {
			redirectFallback = pc.SuccessRedirectURL
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		logging.Warn("portal config not loaded, using file defaults", zap.Error(err))
	}

	extractor, err := realip.New(cfg.Portal.TrustedProxyCIDRs)
	if err != nil {
		st.Close()
		return nil, err
	}

	secure := cfg.Listen.TLS()
	csrfIssuer := csrf.New(cfg.Security.CSRFTokenBytes, secure)
	guestHandlers := guest.NewHandlers(st, vouchers, bookings, grants,
		limiter,
		csrfIssuer,
		redirect.New(cfg.Portal.RedirectHostWhitelist, redirectFallback),
		cfg.Portal,
		secure,
	)
	adminAuth := admin.NewAuth(st, auditSvc, csrfIssuer, cfg.Security, secure)
	adminHandlers := admin.NewHandlers(adminAuth, st, grants, vouchers, auditSvc, limiter)

	s := &Server{
		cfg:     cfg,
		store:   st,
		ctrl:    ctrl,
		queue:   q,
		grants:  grants,
		poller:  reservation.NewPoller(st, reservation.NewClient(cfg.Reservation), time.Duration(cfg.Reservation.PollIntervalSeconds)*time.Second),
		cleaner: reservation.NewCleaner(st, auditSvc, cfg.Cleanup.EventRetentionDays, cfg.Cleanup.CleanupHourLocal),
	}

	router := httprouter.New()
	guestHandlers.Register(router)
	adminHandlers.Register(router)
	router.HandlerFunc(http.MethodGet, "/healthz", s.healthz)
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	handler := securityheaders.Middleware(router)
	handler = extractor.Middleware(handler)
	handler = requestLogMiddleware(handler)
	handler = correlationMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s, nil
}

// Start begins listening and launches the background workers.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelBg = cancel

	s.background(func() { s.queue.Run(ctx) })
	s.background(func() { s.grants.RunSweeper(ctx, time.Minute) })
	s.background(func() { s.poller.Run(ctx) })
	s.background(func() { s.cleaner.Run(ctx) })
	s.background(func() { s.sweepSessions(ctx) })

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.Listen.TLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.Listen.TLSCert, s.cfg.Listen.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		return err
	case <-time.After(250 * time.Millisecond):
	}

	logging.Info("portal listening",
		zap.String("address", s.cfg.Listen.Address),
		zap.Bool("tls", s.cfg.Listen.TLS()))
	return nil
}

func (s *Server) background(fn func()) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logging.Info("shutting down", zap.String("signal", sig.String()))
	return s.Shutdown(30 * time.Second)
}

// Shutdown drains in-flight requests, stops the workers, and closes
// the store.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("http shutdown error", zap.Error(err))
	}

	if s.cancelBg != nil {
		s.cancelBg()
	}
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("background workers did not drain in time")
	}

	err := s.store.Close()
	logging.Info("shutdown complete")
	return err
}

// sweepSessions deletes expired admin sessions on a fixed cadence.
func (s *Server) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.Sessions.DeleteExpired(ctx, timeutil.Now())
			if err != nil {
				logging.Error("session sweep failed", zap.Error(err))
			} else if n > 0 {
				logging.Debug("expired sessions removed", zap.Int64("count", n))
			}
		}
	}
}

// healthz reports process health: database reachable and the
// controller login valid. Controller failure degrades rather than
// fails, since grants queue durably while the controller is down.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, `{"status":"unhealthy","database":"down"}`, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := s.ctrl.Health(ctx); err != nil {
		w.Write([]byte(`{"status":"degraded","controller":"unreachable"}`))
		return
	}
	w.Write([]byte(`{"status":"ok"}`))
}

// correlationMiddleware attaches a correlation id to every request,
// honoring a caller-supplied header.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(audit.Header)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(audit.Header, id)
		next.ServeHTTP(w, r.WithContext(audit.WithCorrelationID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// requestLogMiddleware logs one line per request.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("correlation_id", audit.CorrelationID(r.Context())))
	})
}
