package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup outcomes.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Metrics collects the Prometheus metrics of the access engine. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheLookups       *prometheus.CounterVec
	calculation        prometheus.Histogram
	accessDecisions    *prometheus.CounterVec
	bulkItems          *prometheus.CounterVec
	ledgerEntries      *prometheus.CounterVec
	sweepInvalidations prometheus.Counter
}

// NewMetrics initialises the registry and every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_access_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_access_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_access_cache_lookups_total",
			Help: "Permission cache lookups by kind and outcome.",
		}, []string{"kind", "outcome"}),
		calculation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "odyssey_access_effective_calculation_seconds",
			Help:    "Time spent computing an effective permission set from storage.",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_access_decisions_total",
			Help: "Access checks by decision.",
		}, []string{"decision"}),
		bulkItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_access_bulk_items_total",
			Help: "Bulk operation items by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_access_ledger_entries_total",
			Help: "Change history entries recorded by entity type and operation.",
		}, []string{"entity_type", "operation"}),
		sweepInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_access_sweep_invalidations_total",
			Help: "Users invalidated by the validity sweep.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration, m.cacheLookups, m.calculation,
		m.accessDecisions, m.bulkItems, m.ledgerEntries, m.sweepInvalidations,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for additional collectors such as the asynq metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveCache counts one cache lookup.
func (m *Metrics) ObserveCache(kind, outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(kind, outcome).Inc()
}

// ObserveCalculation records how long one uncached calculation took.
func (m *Metrics) ObserveCalculation(d time.Duration) {
	if m == nil {
		return
	}
	m.calculation.Observe(d.Seconds())
}

// ObserveDecision counts an access decision: "allow", "deny" or "explicit_deny".
func (m *Metrics) ObserveDecision(decision string) {
	if m == nil {
		return
	}
	m.accessDecisions.WithLabelValues(decision).Inc()
}

// ObserveBulkItem counts one processed bulk item.
func (m *Metrics) ObserveBulkItem(operation string, ok bool) {
	if m == nil {
		return
	}
	outcome := "succeeded"
	if !ok {
		outcome = "failed"
	}
	m.bulkItems.WithLabelValues(operation, outcome).Inc()
}

// ObserveLedgerEntry counts one recorded change.
func (m *Metrics) ObserveLedgerEntry(entityType, operation string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(entityType, operation).Inc()
}

// ObserveSweep adds the number of users a sweep invalidated.
func (m *Metrics) ObserveSweep(users int) {
	if m == nil {
		return
	}
	m.sweepInvalidations.Add(float64(users))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
