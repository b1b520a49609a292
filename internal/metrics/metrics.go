// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

// Package metrics declares the Prometheus collectors for the compile server.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Compile pipeline
	CompilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texforge_compiles_total",
			Help: "Total number of compiles by final status",
		},
		[]string{"status"},
	)

	CompileStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "texforge_compile_stage_duration_seconds",
			Help:    "Duration of compile stages in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"}, // sync, compile, output
	)

	LockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texforge_lock_contention_total",
			Help: "Lock acquisitions that found the key already held",
		},
		[]string{"kind", "outcome"}, // outcome: rejected, timeout, reclaimed
	)

	// Sandbox runner
	RunnerJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "texforge_runner_jobs_in_flight",
			Help: "Number of sandboxed jobs currently running",
		},
	)

	RunnerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texforge_runner_jobs_total",
			Help: "Sandboxed jobs by runner and outcome",
		},
		[]string{"runner", "outcome"}, // ok, exited, terminated, timedout, error
	)

	ContainersDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texforge_containers_destroyed_total",
			Help: "Containers removed by the runner",
		},
		[]string{"reason"}, // expired, retry, explicit
	)

	// Output cache
	OutputGenerationsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "texforge_output_generations_removed_total",
			Help: "Build generations removed by retention",
		},
	)

	OutputOptimiseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "texforge_output_optimise_failures_total",
			Help: "PDF linearization attempts that failed",
		},
	)

	// Content range cache
	ContentRanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texforge_content_ranges_total",
			Help: "PDF stream ranges seen by the content cache",
		},
		[]string{"kind", "mode"}, // kind: new, reused; mode: live, dark
	)

	ContentReclaimedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "texforge_content_reclaimed_bytes_total",
			Help: "Bytes freed by evicting stale content blobs",
		},
	)

	ContentCacheSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texforge_content_cache_skipped_total",
			Help: "Compiles where PDF caching was skipped",
		},
		[]string{"reason"}, // queue_limit, no_xref, timeout, error
	)

	// Staging directories and URL cache
	StagingDirsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "texforge_staging_dirs_expired_total",
			Help: "Staging directories removed by the expiry sweep",
		},
	)

	StagingExpirySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "texforge_staging_expiry_seconds",
			Help: "Current staging directory expiry after disk-pressure tuning",
		},
	)

	URLCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "texforge_url_cache_requests_total",
			Help: "URL resource requests by result",
		},
		[]string{"result"}, // hit, download, fallback, error
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// HTTP API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)
)

// RecordCompile counts a finished compile.
func RecordCompile(status string) {
	CompilesTotal.WithLabelValues(status).Inc()
}

// ObserveStage records how long a compile stage took.
func ObserveStage(stage string, d time.Duration) {
	CompileStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks active API requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
