package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Token lifecycle metrics
	TokensIssuedTotal    *prometheus.CounterVec
	TokenVerifyTotal     *prometheus.CounterVec
	TokensRevokedTotal   prometheus.Counter

	// Login metrics
	LoginsTotal *prometheus.CounterVec

	// SSO metrics
	SSOInitiatedTotal *prometheus.CounterVec
	SSOCallbackTotal  *prometheus.CounterVec

	// Store metrics
	StoreErrorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openauth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openauth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openauth_tokens_issued_total",
				Help: "Total number of tokens issued",
			},
			[]string{"type"},
		),
		TokenVerifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openauth_token_verify_total",
				Help: "Total number of token verifications",
			},
			[]string{"result"},
		),
		TokensRevokedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "openauth_tokens_revoked_total",
				Help: "Total number of tokens revoked",
			},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openauth_logins_total",
				Help: "Total number of login attempts",
			},
			[]string{"method", "result"},
		),
		SSOInitiatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openauth_sso_initiated_total",
				Help: "Total number of SSO handshakes initiated",
			},
			[]string{"provider"},
		),
		SSOCallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openauth_sso_callback_total",
				Help: "Total number of SSO callbacks handled",
			},
			[]string{"provider", "result"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openauth_store_errors_total",
				Help: "Total number of backing store errors",
			},
			[]string{"store", "operation"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TokensIssuedTotal,
		m.TokenVerifyTotal,
		m.TokensRevokedTotal,
		m.LoginsTotal,
		m.SSOInitiatedTotal,
		m.SSOCallbackTotal,
		m.StoreErrorsTotal,
	)

	return m
}

// Handler returns the HTTP handler exposing the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records a completed HTTP request
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
