package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"linx/internal/health"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Response body size. Watch for: payload growth after feed schema changes.
	HTTPResponseSize *prometheus.HistogramVec

	// NASA feed call rate. Watch for: error vs success ratio.
	FeedCallsTotal *prometheus.CounterVec

	// Feed latency per call. The archive is a multi-megabyte JSON document;
	// watch for p95 > 5s (upstream degradation), p99 near the client timeout.
	FeedCallDuration *prometheus.HistogramVec

	// Retry attempts against the feed. Watch for: high retries = unstable upstream.
	FeedRetriesTotal prometheus.Counter

	// Cache hits by backend. Hit rate = hits/(hits+misses).
	CacheHitsTotal *prometheus.CounterVec

	// Cache misses (fresh entry absent or expired).
	CacheMissesTotal prometheus.Counter

	// Cache backend failures by operation. Watch for: memcached connectivity.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency. Watch for: memcached round trips vs memory.
	CacheOpDuration *prometheus.HistogramVec

	// Archive served past its TTL because the feed was down. Any sustained
	// rate here means the upstream has been failing for a while.
	StaleServesTotal prometheus.Counter

	// Age of the archive when served stale.
	StaleAgeSeconds prometheus.Histogram

	// Requests that waited on another request's feed fetch instead of issuing their own.
	CoalescedWaitsTotal prometheus.Counter

	// How long coalesced waiters blocked.
	CoalescingWaitSeconds prometheus.Histogram

	// Concurrent cache misses for the same key observed at miss time.
	StampedeDetectedTotal prometheus.Counter
	StampedeConcurrency   prometheus.Histogram

	// Sol lookups. Watch for: traffic volume, rate() for QPS.
	SolQueriesTotal prometheus.Counter

	// Sol lookups by query kind: date, sol, latest.
	SolQueriesByKindTotal *prometheus.CounterVec

	// Archive refreshes by trigger: boot, scheduled, manual.
	RefreshRunsTotal   *prometheus.CounterVec
	RefreshErrorsTotal prometheus.Counter
	RefreshDuration    prometheus.Histogram

	// Archive shape after the last successful fetch.
	ArchiveSols      prometheus.Gauge
	ArchiveNewestSol prometheus.Gauge

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per component: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState            *prometheus.GaugeVec
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Requests still in flight while shutdown drains.
	ShutdownInFlightRemaining prometheus.Gauge

	healthGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpResponseSizeBytes",
			Help:    "HTTP response body size in bytes",
			Buckets: []float64{256, 512, 1024, 4096, 16384, 65536},
		},
		[]string{"method", "route"},
	)
	FeedCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marsFeedCallsTotal",
			Help: "Total number of NASA MSL feed calls",
		},
		[]string{"status"},
	)
	FeedCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marsFeedDurationSeconds",
			Help:    "NASA MSL feed latency in seconds (per call)",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	FeedRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marsFeedRetriesTotal",
			Help: "Total number of retry attempts for feed calls",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses (absent or expired archive)",
		},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend failures by operation and error category",
		},
		[]string{"operation", "category"},
	)
	CacheOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"operation", "status"},
	)
	StaleServesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "staleArchiveServesTotal",
			Help: "Lookups answered from the stale archive after a feed failure",
		},
	)
	StaleAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "staleArchiveAgeSeconds",
			Help:    "Archive age when served stale",
			Buckets: []float64{3600, 21600, 43200, 86400, 172800},
		},
	)
	CoalescedWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedWaitsTotal",
			Help: "Requests that waited on a shared feed fetch",
		},
	)
	CoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coalescingWaitSeconds",
			Help:    "Time coalesced waiters spent blocked on the shared fetch",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	StampedeDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses that found other misses already in progress",
		},
	)
	StampedeConcurrency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent misses for the same key observed at miss time",
			Buckets: []float64{2, 3, 5, 8, 13, 21},
		},
	)
	SolQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "solQueriesTotal",
			Help: "Total number of sol weather lookups",
		},
	)
	SolQueriesByKindTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solQueriesByKindTotal",
			Help: "Sol lookups by query kind (date, sol, latest)",
		},
		[]string{"kind"},
	)
	RefreshRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiveRefreshRunsTotal",
			Help: "Archive refreshes by trigger (boot, scheduled, manual)",
		},
		[]string{"trigger"},
	)
	RefreshErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiveRefreshErrorsTotal",
			Help: "Archive refreshes that failed",
		},
	)
	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archiveRefreshDurationSeconds",
			Help:    "Archive refresh duration in seconds (fetch plus cache write)",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	ArchiveSols = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archiveSols",
			Help: "Reports in the archive after the last successful fetch",
		},
	)
	ArchiveNewestSol = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archiveNewestSol",
			Help: "Newest sol number after the last successful fetch",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "fromState", "toState"},
	)
	ShutdownInFlightRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRemaining",
			Help: "Requests still in flight while shutdown drains",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, HTTPResponseSize,
		FeedCallsTotal, FeedCallDuration, FeedRetriesTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOpDuration,
		StaleServesTotal, StaleAgeSeconds,
		CoalescedWaitsTotal, CoalescingWaitSeconds,
		StampedeDetectedTotal, StampedeConcurrency,
		SolQueriesTotal, SolQueriesByKindTotal,
		RefreshRunsTotal, RefreshErrorsTotal, RefreshDuration,
		ArchiveSols, ArchiveNewestSol,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		ShutdownInFlightRemaining,
	)
}

// RegisterHealthGauges registers sliding-window traffic gauges for the
// query path. Call from main after config load with the overload window.
func RegisterHealthGauges(window time.Duration) {
	healthGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "queriesInWindow",
					Help: "Query-path requests in the sliding window; load/capacity planning",
				},
				func() float64 { return float64(health.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in the sliding window; are we rejecting requests",
				},
				func() float64 { return float64(health.DenialCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "queryErrorRateInWindow",
					Help: "Error rate on the query path over the sliding window",
				},
				func() float64 {
					errs, total := health.ErrorRate(window)
					if total == 0 {
						return 0
					}
					return float64(errs) / float64(total)
				},
			),
		)
	})
}

// RecordSolQuery records a sol lookup. kind is one of date, sol, latest.
func RecordSolQuery(kind string) {
	SolQueriesTotal.Inc()
	SolQueriesByKindTotal.WithLabelValues(kind).Inc()
}

// RecordArchiveStats updates the archive shape gauges after a successful fetch.
func RecordArchiveStats(sols int, newestSol int64) {
	ArchiveSols.Set(float64(sols))
	ArchiveNewestSol.Set(float64(newestSol))
}

// RecordCircuitBreakerChange records a breaker transition and updates the
// state gauge. States are the circuitbreaker package's String values.
func RecordCircuitBreakerChange(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(breakerStateValue(to))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
