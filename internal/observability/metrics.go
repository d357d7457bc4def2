package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap call rate by outcome. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency. Watch for: p99 approaching the client timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Provider failures by category (timeout, network, bad_response, invalid_location, ...).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Provider circuit breaker state: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState prometheus.Gauge

	// Circuit breaker transitions.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Response cache hits by backend.
	CacheHitsTotal *prometheus.CounterVec

	// Response cache misses (absent or expired) by backend.
	CacheMissesTotal *prometheus.CounterVec

	// Cache backend errors by operation and category. Backend errors are treated as misses.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache backend latency by operation and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Misses answered by another caller's in-flight fetch for the same key, by backend.
	// A rising rate means many widgets share a location whose entry keeps expiring together.
	SingleflightSharedTotal *prometheus.CounterVec

	// Widget renders by theme and outcome (ok, degraded, not_found).
	WidgetRendersTotal *prometheus.CounterVec

	// Renders per widget (allow-list of configured widget ids; others use widget=other).
	WidgetRendersByWidgetTotal *prometheus.CounterVec

	// Widget store reloads by result.
	WidgetStoreReloadsTotal *prometheus.CounterVec

	// Startup cache warming.
	CacheWarmingDurationSeconds prometheus.Histogram
	CacheWarmingErrorsTotal     prometheus.Counter

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	trackedWidgetsMu sync.RWMutex
	trackedWidgets   map[string]struct{}

	trafficGaugesOnce sync.Once
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
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Weather provider failures by category",
		},
		[]string{"category"},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weatherApiCircuitBreakerState",
			Help: "Provider circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCircuitBreakerTransitionsTotal",
			Help: "Provider circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Response cache hits",
		},
		[]string{"backend"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Response cache misses, including expired entries",
		},
		[]string{"backend"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache backend operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "result"},
	)
	SingleflightSharedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "singleflightSharedTotal",
			Help: "Cache misses answered by another caller's in-flight fetch",
		},
		[]string{"backend"},
	)
	WidgetRendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetRendersTotal",
			Help: "Widget renders by theme and outcome",
		},
		[]string{"theme", "outcome"},
	)
	WidgetRendersByWidgetTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetRendersByWidgetTotal",
			Help: "Widget renders by widget id (allow-list; others use widget=other)",
		},
		[]string{"widget"},
	)
	WidgetStoreReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetStoreReloadsTotal",
			Help: "Widget configuration reloads by result",
		},
		[]string{"result"},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of startup cache warming",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Widgets that failed to warm at startup",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIErrorsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		SingleflightSharedTotal,
		WidgetRendersTotal, WidgetRendersByWidgetTotal, WidgetStoreReloadsTotal,
		CacheWarmingDurationSeconds, CacheWarmingErrorsTotal,
		RateLimitDeniedTotal,
	)
}

// WindowCounter is the subset of traffic.Tracker exposed as gauges.
type WindowCounter interface {
	RequestCount(window time.Duration) int
	DenialCount(window time.Duration) int
	DegradedRate(window time.Duration) (degraded, total int)
}

// RegisterTrafficGauges exposes the sliding-window counters of tracker. Registers once per process.
func RegisterTrafficGauges(tracker WindowCounter, window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "requestsInWindow",
					Help: "Render requests (including denials) in the health window",
				},
				func() float64 { return float64(tracker.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in the health window",
				},
				func() float64 { return float64(tracker.DenialCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "degradedRendersInWindow",
					Help: "Renders served with the unavailable placeholder in the health window",
				},
				func() float64 {
					d, _ := tracker.DegradedRate(window)
					return float64(d)
				},
			),
		)
	})
}

// CircuitBreakerStateValue maps a breaker state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// SetTrackedWidgets sets the allow-list for per-widget metrics.
func SetTrackedWidgets(ids []string) {
	trackedWidgetsMu.Lock()
	defer trackedWidgetsMu.Unlock()
	trackedWidgets = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		trackedWidgets[strings.TrimSpace(id)] = struct{}{}
	}
}

// RecordWidgetRender records a render outcome for the widget.
func RecordWidgetRender(widgetID, theme, outcome string) {
	WidgetRendersTotal.WithLabelValues(theme, outcome).Inc()
	WidgetRendersByWidgetTotal.WithLabelValues(WidgetLabel(widgetID)).Inc()
}

// WidgetLabel returns widgetID when it is tracked, otherwise "other".
func WidgetLabel(widgetID string) string {
	trackedWidgetsMu.RLock()
	_, ok := trackedWidgets[widgetID] // nil map read is safe
	trackedWidgetsMu.RUnlock()
	if ok {
		return widgetID
	}
	return "other"
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
