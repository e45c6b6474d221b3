package aluvia

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	activeConns        prometheus.Gauge
	upstreamErrors     *prometheus.CounterVec
	pollsTotal         *prometheus.CounterVec
	snapshotPublishes  prometheus.Counter
	ruleCount          prometheus.Gauge
	detectionsTotal    *prometheus.CounterVec
	remediationsTotal  prometheus.Counter
	persistentHosts    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aluvia",
			Name:      "requests_total",
			Help:      "Requests handled, labeled by routing decision.",
		}, []string{"route"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aluvia",
			Name:      "request_duration_seconds",
			Help:      "Forwarded request duration in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aluvia",
			Name:      "active_tunnels",
			Help:      "Number of active CONNECT tunnels.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aluvia",
			Name:      "upstream_errors_total",
			Help:      "Forwarding failures, labeled by routing decision.",
		}, []string{"route"}),

		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aluvia",
			Name:      "config_polls_total",
			Help:      "Control-plane polls, labeled by outcome.",
		}, []string{"result"}),

		snapshotPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aluvia",
			Name:      "config_snapshots_total",
			Help:      "Configuration snapshots published.",
		}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aluvia",
			Name:      "rules",
			Help:      "Normalized rules in the active snapshot.",
		}),

		detectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aluvia",
			Name:      "detections_total",
			Help:      "Page analyses, labeled by tier.",
		}, []string{"tier"}),

		remediationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aluvia",
			Name:      "remediations_total",
			Help:      "Auto-unblock rule updates applied.",
		}),

		persistentHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aluvia",
			Name:      "persistent_hostnames",
			Help:      "Hostnames with exhausted auto-unblock attempts.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeConns,
		m.upstreamErrors,
		m.pollsTotal,
		m.snapshotPublishes,
		m.ruleCount,
		m.detectionsTotal,
		m.remediationsTotal,
		m.persistentHosts,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts a routing decision ("direct" or "gateway").
func (m *Metrics) RecordRequest(route string) {
	m.requestsTotal.WithLabelValues(route).Inc()
}

// RecordRequestDuration records a forwarded request's latency.
func (m *Metrics) RecordRequestDuration(route string, status int, d time.Duration) {
	m.requestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(d.Seconds())
}

// IncActiveConns increments the active tunnel gauge.
func (m *Metrics) IncActiveConns() { m.activeConns.Inc() }

// DecActiveConns decrements the active tunnel gauge.
func (m *Metrics) DecActiveConns() { m.activeConns.Dec() }

// RecordUpstreamError counts a forwarding failure.
func (m *Metrics) RecordUpstreamError(route string) {
	m.upstreamErrors.WithLabelValues(route).Inc()
}

// RecordPoll counts a poll outcome ("updated", "unchanged", "error").
func (m *Metrics) RecordPoll(result string) {
	m.pollsTotal.WithLabelValues(result).Inc()
}

// RecordSnapshotPublished counts a published snapshot and updates the
// rule gauge.
func (m *Metrics) RecordSnapshotPublished(ruleCount int) {
	m.snapshotPublishes.Inc()
	m.ruleCount.Set(float64(ruleCount))
}

// RecordDetection counts a page analysis by tier.
func (m *Metrics) RecordDetection(tier string) {
	m.detectionsTotal.WithLabelValues(tier).Inc()
}

// RecordRemediation counts an applied auto-unblock update.
func (m *Metrics) RecordRemediation() {
	m.remediationsTotal.Inc()
}

// SetPersistentHosts updates the persistent hostname gauge.
func (m *Metrics) SetPersistentHosts(n int) {
	m.persistentHosts.Set(float64(n))
}
