// Package metrics provides Prometheus metrics for the ringrank pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomeCached  = "cached"
)

// Manager owns every metric the service exports. A nil *Manager is valid
// and records nothing.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	collectorCalls   *prometheus.CounterVec
	collectorLatency *prometheus.HistogramVec

	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	entities    *prometheus.CounterVec
	rosterSize  prometheus.Gauge
	lastRunUnix prometheus.Gauge

	tokenRefreshes *prometheus.CounterVec
	feedFetches    *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
}

// NewManager creates a metrics manager on its own registry unless one is supplied.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "ringrank",
		subsystem:        "pipeline",
		histogramBuckets: prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	f := promauto.With(m.registry)

	m.collectorCalls = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "collector_calls_total",
		Help:      "Collector calls by source and outcome.",
	}, []string{"source", "outcome"})

	m.collectorLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "collector_duration_seconds",
		Help:      "Collector call latency by source.",
		Buckets:   m.histogramBuckets,
	}, []string{"source"})

	m.runs = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "runs_total",
		Help:      "Batch runs by result.",
	}, []string{"result"})

	m.runDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "run_duration_seconds",
		Help:      "Wall time of a batch run.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	m.entities = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "entity_updates_total",
		Help:      "Per-entity update attempts by outcome.",
	}, []string{"outcome"})

	m.rosterSize = f.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "roster_size",
		Help:      "Entities seen by the last batch run.",
	})

	m.lastRunUnix = f.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last batch run finished.",
	})

	m.tokenRefreshes = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "source",
		Name:      "token_requests_total",
		Help:      "Credential token lookups by outcome (cached, success, failure).",
	}, []string{"source", "outcome"})

	m.feedFetches = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "source",
		Name:      "feed_fetches_total",
		Help:      "Podcast feed fetches by outcome.",
	}, []string{"outcome"})

	m.httpRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP API requests by route and status code.",
	}, []string{"route", "code"})
}

// ObserveCollector records one collector call.
func (m *Manager) ObserveCollector(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.collectorCalls.WithLabelValues(source, outcome).Inc()
	if outcome != OutcomeSkipped {
		m.collectorLatency.WithLabelValues(source).Observe(d.Seconds())
	}
}

// ObserveRun records a finished batch run.
func (m *Manager) ObserveRun(result string, roster int, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
	m.runDuration.Observe(d.Seconds())
	m.rosterSize.Set(float64(roster))
	m.lastRunUnix.Set(float64(time.Now().Unix()))
}

// IncEntity counts one per-entity update outcome.
func (m *Manager) IncEntity(outcome string) {
	if m == nil {
		return
	}
	m.entities.WithLabelValues(outcome).Inc()
}

// IncToken counts one token cache lookup.
func (m *Manager) IncToken(source, outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(source, outcome).Inc()
}

// IncFeedFetch counts one feed fetch.
func (m *Manager) IncFeedFetch(outcome string) {
	if m == nil {
		return
	}
	m.feedFetches.WithLabelValues(outcome).Inc()
}

// IncHTTPRequest counts one API request.
func (m *Manager) IncHTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
