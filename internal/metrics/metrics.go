// Package metrics provides Prometheus metrics for the routing substrate:
// request counts, latencies, token usage, cache behavior, routing decisions,
// and tenant accounting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelmux"

// LatencyBuckets defines histogram buckets for latency metrics (seconds).
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0,
}

var (
	// RequestsTotal counts processed requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of processed requests",
		},
		[]string{"model", "tenant", "status"},
	)

	// RequestDuration tracks end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model"},
	)

	// TokensTotal counts generated tokens.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total number of generated tokens",
		},
		[]string{"model", "tenant"},
	)

	// RouteDecisions counts routing decisions by strategy and cache outcome.
	RouteDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_decisions_total",
			Help:      "Total number of routing decisions",
		},
		[]string{"strategy", "cached"},
	)

	// ResponseCacheHits counts response cache hits and misses.
	ResponseCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_requests_total",
			Help:      "Response cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// ModelsRegistered gauges the current registry size.
	ModelsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "models_registered",
			Help:      "Number of models currently registered",
		},
	)

	// ModelEvictions counts registry LRU evictions.
	ModelEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_evictions_total",
			Help:      "Total number of LRU model evictions",
		},
	)

	// QuotaRejections counts quota-exceeded rejections.
	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Total number of quota-exceeded rejections",
		},
		[]string{"tenant", "quota_type"},
	)

	// FallbacksUsed counts fallback attempts.
	FallbacksUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Total number of fallback attempts",
		},
		[]string{"tenant"},
	)

	// CircuitBreakerOpen gauges open breakers.
	CircuitBreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breakers_open",
			Help:      "Number of currently open circuit breakers",
		},
	)

	// StreamsActive gauges in-flight token streams.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of in-flight token streams",
		},
	)

	// ExperimentAssignments counts A/B assignments.
	ExperimentAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiment_assignments_total",
			Help:      "Total number of A/B experiment assignments",
		},
		[]string{"experiment", "variant"},
	)
)
