package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records tier lookups.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records writes into a tier.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationPromote records values copied into a faster tier after a hit.
	CacheOperationPromote CacheOperation = "promote"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the tier held the value.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates the tier did not hold the value.
	CacheLookupMiss CacheLookupOutcome = "miss"
)

// FetchOutcome captures how a loader task resolved.
type FetchOutcome string

const (
	// FetchSuccess indicates a non-empty 2xx body was delivered.
	FetchSuccess FetchOutcome = "success"
	// FetchFailure covers transport errors, non-2xx statuses and empty bodies.
	FetchFailure FetchOutcome = "failure"
	// FetchCancelled indicates the task was cancelled and its callback suppressed.
	FetchCancelled FetchOutcome = "cancelled"
)

// LoadSource records where a load request was satisfied from.
type LoadSource string

const (
	LoadSourceCache   LoadSource = "cache"
	LoadSourceNetwork LoadSource = "network"
)

// Recorder publishes Prometheus metrics for the image pipeline.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	loadRequests  *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	fetchInFlight prometheus.Gauge
	fetchQueued   prometheus.Gauge

	httpRequests *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "picsum",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Image cache operations executed per tier.",
	}, []string{"tier", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "picsum",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for image cache operations.",
		Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}, []string{"tier", "operation"})

	loadRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "picsum",
		Subsystem: "loader",
		Name:      "requests_total",
		Help:      "Image load requests by the source that satisfied them.",
	}, []string{"source"})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "picsum",
		Subsystem: "loader",
		Name:      "fetches_total",
		Help:      "Network fetches performed by the image loader.",
	}, []string{"outcome", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "picsum",
		Subsystem: "loader",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for image network fetches.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"})

	fetchInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "picsum",
		Subsystem: "loader",
		Name:      "fetches_in_flight",
		Help:      "Network fetches currently holding a worker slot.",
	})

	fetchQueued := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "picsum",
		Subsystem: "loader",
		Name:      "fetches_queued",
		Help:      "Load tasks waiting for a worker slot.",
	})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "picsum",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served.",
	}, []string{"route", "status_code"})

	reg.MustRegister(cacheOperations, cacheLatency, loadRequests, fetches, fetchLatency, fetchInFlight, fetchQueued, httpRequests)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		loadRequests:    loadRequests,
		fetches:         fetches,
		fetchLatency:    fetchLatency,
		fetchInFlight:   fetchInFlight,
		fetchQueued:     fetchQueued,
		httpRequests:    httpRequests,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCacheLookup records the result of a single tier lookup.
func (r *Recorder) ObserveCacheLookup(tier string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(tier), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records a write into a tier.
func (r *Recorder) ObserveCacheStore(tier string, duration time.Duration) {
	if r == nil {
		return
	}
	r.observeCache(normalizeLabel(tier), CacheOperationStore, "stored", duration)
}

// ObserveCachePromotion records a value promoted into a faster tier.
func (r *Recorder) ObserveCachePromotion(tier string, duration time.Duration) {
	if r == nil {
		return
	}
	r.observeCache(normalizeLabel(tier), CacheOperationPromote, "stored", duration)
}

func (r *Recorder) observeCache(tier string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	r.cacheOperations.WithLabelValues(tier, opLabel, normalizeLabel(result)).Inc()
	r.cacheLatency.WithLabelValues(tier, opLabel).Observe(duration.Seconds())
}

// ObserveLoadRequest records whether a load was answered from cache or scheduled.
func (r *Recorder) ObserveLoadRequest(source LoadSource) {
	if r == nil {
		return
	}
	r.loadRequests.WithLabelValues(normalizeLabel(string(source))).Inc()
}

// ObserveFetch records the outcome and latency of a network fetch.
func (r *Recorder) ObserveFetch(outcome FetchOutcome, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(string(outcome))
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.fetches.WithLabelValues(outcomeLabel, statusLabel).Inc()
	r.fetchLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// FetchStarted and FetchFinished bracket a fetch holding a worker slot.
func (r *Recorder) FetchStarted() {
	if r == nil {
		return
	}
	r.fetchInFlight.Inc()
}

func (r *Recorder) FetchFinished() {
	if r == nil {
		return
	}
	r.fetchInFlight.Dec()
}

// TaskQueued and TaskDequeued bracket a task waiting for a worker slot.
func (r *Recorder) TaskQueued() {
	if r == nil {
		return
	}
	r.fetchQueued.Inc()
}

func (r *Recorder) TaskDequeued() {
	if r == nil {
		return
	}
	r.fetchQueued.Dec()
}

// ObserveHTTP records a served HTTP request.
func (r *Recorder) ObserveHTTP(route string, statusCode int) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.httpRequests.WithLabelValues(normalizeLabel(route), statusLabel).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
