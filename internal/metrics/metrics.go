// Package metrics exposes Prometheus collectors for the fetch orchestrator.
package metrics

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator collectors. A nil *Metrics is valid and
// records nothing, so components can take one unconditionally.
type Metrics struct {
	tasksDispatched     *prometheus.CounterVec
	retriesScheduled    *prometheus.CounterVec
	resultsTotal        *prometheus.CounterVec
	inFlight            prometheus.Gauge
	rateLimitWait       *prometheus.HistogramVec
	admissionTimeouts   *prometheus.CounterVec
	attemptDuration     *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers the collectors against reg. Passing prometheus.DefaultRegisterer
// exposes them on the process-wide /metrics handler; tests pass a fresh
// prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		tasksDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchd_attempts_dispatched_total",
				Help: "Total number of fetch attempts submitted to a backend, labeled by backend.",
			},
			[]string{"backend"},
		),
		retriesScheduled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchd_retries_scheduled_total",
				Help: "Total number of retries scheduled, labeled by error kind.",
			},
			[]string{"kind"},
		),
		resultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchd_results_total",
				Help: "Total number of terminal results, labeled by status and error kind.",
			},
			[]string{"status", "kind"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchd_attempts_in_flight",
				Help: "Number of attempts currently running on a backend.",
			},
		),
		rateLimitWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchd_rate_limit_wait_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		),
		admissionTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchd_admission_timeouts_total",
				Help: "Total number of rate limit admissions that timed out, labeled by host.",
			},
			[]string{"host"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchd_attempt_duration_seconds",
				Help:    "Histogram of attempt latencies, labeled by backend.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"backend"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
}

// SanitizeHost extracts a lowercase hostname from a URL or bare host.
// It returns "unknown" if the input is invalid.
func SanitizeHost(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveDispatch counts one attempt handed to backend.
func (m *Metrics) ObserveDispatch(backend string) {
	if m == nil {
		return
	}
	m.tasksDispatched.WithLabelValues(backend).Inc()
	m.inFlight.Inc()
}

// ObserveAttemptDone closes out an attempt started with ObserveDispatch.
func (m *Metrics) ObserveAttemptDone(backend string, latency time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.attemptDuration.WithLabelValues(backend).Observe(latency.Seconds())
}

// ObserveRetry counts a scheduled retry.
func (m *Metrics) ObserveRetry(kind string) {
	if m == nil {
		return
	}
	m.retriesScheduled.WithLabelValues(kind).Inc()
}

// ObserveResult counts a terminal result.
func (m *Metrics) ObserveResult(status, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	m.resultsTotal.WithLabelValues(status, kind).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func (m *Metrics) ObserveRateLimitDelay(host string, d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.WithLabelValues(SanitizeHost(host)).Observe(d.Seconds())
}

// ObserveAdmissionTimeout counts an admission that gave up waiting for a token.
func (m *Metrics) ObserveAdmissionTimeout(host string) {
	if m == nil {
		return
	}
	m.admissionTimeouts.WithLabelValues(SanitizeHost(host)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
