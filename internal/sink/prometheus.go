package sink

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
	"github.com/JakeFAU/fetch-orchestrator/internal/metrics"
)

// PrometheusSink exports per-host result counters and the last report's
// latency summary.
type PrometheusSink struct {
	results    *prometheus.CounterVec
	attempts   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	reportLast *prometheus.GaugeVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchd_sink_results_total",
			Help: "Results seen by the sink partitioned by host and status.",
		}, []string{"host", "status"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchd_sink_attempts_total",
			Help: "Attempts spent per host, summed over terminal results.",
		}, []string{"host"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetchd_sink_result_latency_seconds",
			Help:    "Latency of the final attempt partitioned by status.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"status"}),
		reportLast: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fetchd_report_last",
			Help: "Fields of the most recent run report; latencies in seconds.",
		}, []string{"field"}),
	}
	for _, collector := range []prometheus.Collector{s.results, s.attempts, s.latency, s.reportLast} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register sink collector: %w", err)
		}
	}
	return s, nil
}

// OnResult updates the per-host counters.
func (s *PrometheusSink) OnResult(_ context.Context, r fetch.Result) error {
	host := r.Host
	if host == "" {
		host = "unknown"
	} else {
		host = metrics.SanitizeHost(host)
	}
	s.results.WithLabelValues(host, string(r.Status)).Inc()
	if r.Attempts > 0 {
		s.attempts.WithLabelValues(host).Add(float64(r.Attempts))
		s.latency.WithLabelValues(string(r.Status)).Observe(r.Latency.Seconds())
	}
	return nil
}

// OnReport publishes the report totals as gauges.
func (s *PrometheusSink) OnReport(_ context.Context, rep fetch.Report) error {
	s.reportLast.WithLabelValues("total").Set(float64(rep.Total))
	s.reportLast.WithLabelValues("succeeded").Set(float64(rep.Succeeded))
	s.reportLast.WithLabelValues("failed").Set(float64(rep.Failed))
	s.reportLast.WithLabelValues("cancelled").Set(float64(rep.Cancelled))
	s.reportLast.WithLabelValues("avg_latency").Set(rep.AvgLatency.Seconds())
	s.reportLast.WithLabelValues("p95_latency").Set(rep.P95Latency.Seconds())
	return nil
}
