// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Authorizations counts guest authorization attempts by method
	// (voucher, booking) and outcome (granted, rejected, duplicate,
	// error).
	Authorizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestgate_authorizations_total",
		Help: "Guest authorization attempts by method and outcome.",
	}, []string{"method", "outcome"})

	// RateLimited counts guest requests rejected by the per-IP limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guestgate_rate_limited_total",
		Help: "Guest requests rejected by the rate limiter.",
	})

	// ControllerOps counts queued controller operations by op type and
	// result (success, retry, dead).
	ControllerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestgate_controller_ops_total",
		Help: "Controller operations by type and result.",
	}, []string{"op", "result"})

	// ControllerRequests counts raw HTTP calls to the controller by
	// endpoint and status class.
	ControllerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestgate_controller_requests_total",
		Help: "HTTP requests to the wireless controller.",
	}, []string{"endpoint", "result"})

	// PollerRuns counts reservation poll cycles per integration by
	// outcome (success, error).
	PollerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guestgate_reservation_polls_total",
		Help: "Reservation source poll cycles by integration and outcome.",
	}, []string{"integration", "outcome"})

	// StaleIntegrations tracks integrations currently past the stale
	// warning threshold.
	StaleIntegrations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guestgate_stale_integrations",
		Help: "Number of integrations with stale reservation data.",
	})

	// GrantsExpired counts grants flipped to expired by the sweeper.
	GrantsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guestgate_grants_expired_total",
		Help: "Grants expired by the background sweeper.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
