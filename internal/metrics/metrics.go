// Package metrics exposes gate and proxy metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are histogram buckets in seconds. Decisions are CPU-bound
// and normally finish well under a millisecond.
var DefaultBuckets = []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1}

// RequestBuckets cover the full proxied request.
var RequestBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// OrderMetrics wraps the access log so recorded status codes match it.
const OrderMetrics = -800

// CacheStats is implemented by the verified-token cache.
type CacheStats interface {
	Hits() int64
	Misses() int64
	Len() int
}

// Collector owns a registry with the authgate metrics.
type Collector struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamErrors   prometheus.Counter
	skipPatterns     prometheus.Gauge
	reloads          *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
}

var circuitStates = []string{"closed", "half-open", "open"}

// NewCollector creates a collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_decisions_total",
				Help: "Auth gate decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		decisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authgate_decision_duration_seconds",
				Help:    "Time spent deciding",
				Buckets: DefaultBuckets,
			},
			[]string{"outcome"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_requests_total",
				Help: "Requests on the public listener",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authgate_request_duration_seconds",
				Help:    "Request duration including the upstream",
				Buckets: RequestBuckets,
			},
			[]string{"method"},
		),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_upstream_errors_total",
			Help: "Failed upstream round trips",
		}),
		skipPatterns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authgate_skiplist_patterns",
			Help: "Bypass patterns in effect, built-in and configured",
		}),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_config_reloads_total",
				Help: "Configuration reload attempts",
			},
			[]string{"result"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "authgate_upstream_circuit_state",
				Help: "1 for the current upstream circuit breaker state",
			},
			[]string{"state"},
		),
	}

	c.registry.MustRegister(
		c.decisions,
		c.decisionDuration,
		c.requests,
		c.requestDuration,
		c.upstreamErrors,
		c.skipPatterns,
		c.reloads,
		c.circuitState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveDecision records one gate decision.
func (c *Collector) ObserveDecision(outcome, reason string, elapsed time.Duration) {
	c.decisions.WithLabelValues(outcome, reason).Inc()
	c.decisionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordRequest records a completed request.
func (c *Collector) RecordRequest(method string, status int, elapsed time.Duration) {
	c.requests.WithLabelValues(method, statusClass(status)).Inc()
	c.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordUpstreamError counts a failed upstream round trip.
func (c *Collector) RecordUpstreamError() {
	c.upstreamErrors.Inc()
}

// SetSkipPatterns records the size of the active bypass list.
func (c *Collector) SetSkipPatterns(n int) {
	c.skipPatterns.Set(float64(n))
}

// RecordReload counts a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloads.WithLabelValues(result).Inc()
}

// SetCircuitState marks state as the current breaker state.
func (c *Collector) SetCircuitState(state string) {
	for _, s := range circuitStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.circuitState.WithLabelValues(s).Set(v)
	}
}

// RegisterTokenCache exports hit, miss and size figures read from stats at
// scrape time.
func (c *Collector) RegisterTokenCache(stats CacheStats) error {
	cs := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "authgate_token_cache_hits_total",
			Help: "Verified-token cache hits",
		}, func() float64 { return float64(stats.Hits()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "authgate_token_cache_misses_total",
			Help: "Verified-token cache misses",
		}, func() float64 { return float64(stats.Misses()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "authgate_token_cache_entries",
			Help: "Entries in the verified-token cache",
		}, func() float64 { return float64(stats.Len()) }),
	}
	for _, col := range cs {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records request count and duration for the wrapped handler.
func (c *Collector) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			c.RecordRequest(r.Method, sw.status, time.Since(start))
		})
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return strconv.Itoa(status)
	}
	return strconv.Itoa(status/100) + "xx"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
