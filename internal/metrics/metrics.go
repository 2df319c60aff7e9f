// Package metrics exports broker counters and gauges in Prometheus
// format: message dispatch, chunk relay, lock pressure, worktree churn
// and cleanup outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns the broker's Prometheus registry.
type Exporter struct {
	registry *prometheus.Registry

	// Dispatch metrics
	messages        *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	// Chunk relay metrics
	chunks *prometheus.CounterVec

	// Lock pressure
	locksActive  prometheus.Gauge
	locksWaiting prometheus.Gauge

	// Worktree lifecycle
	worktrees *prometheus.CounterVec

	// Cleanup outcomes
	cleanupRemoved *prometheus.CounterVec
	cleanupSkipped *prometheus.CounterVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for the dispatch latency histogram (in seconds)
	LatencyBuckets []float64
}

// NewExporter creates an exporter with all broker metrics registered.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "broker",
			Name:      "messages_total",
			Help:      "Inbound messages by platform and dispatch path",
		},
		[]string{"platform", "path"},
	)

	e.dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaybot",
			Subsystem: "broker",
			Name:      "dispatch_latency_seconds",
			Help:      "End-to-end dispatch latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"platform"},
	)

	e.chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "broker",
			Name:      "chunks_total",
			Help:      "Assistant chunks relayed by type",
		},
		[]string{"chunk_type"},
	)

	e.locksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relaybot",
			Subsystem: "broker",
			Name:      "locks_active",
			Help:      "Conversations currently holding a dispatch slot",
		},
	)

	e.locksWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relaybot",
			Subsystem: "broker",
			Name:      "locks_waiting",
			Help:      "Conversations queued for a dispatch slot",
		},
	)

	e.worktrees = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "broker",
			Name:      "worktrees_total",
			Help:      "Worktree lifecycle events (created, adopted, destroyed)",
		},
		[]string{"event"},
	)

	e.cleanupRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "broker",
			Name:      "cleanup_removed_total",
			Help:      "Worktrees removed by cleanup, by kind (merged, stale)",
		},
		[]string{"kind"},
	)

	e.cleanupSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "broker",
			Name:      "cleanup_skipped_total",
			Help:      "Worktrees cleanup declined to remove, by reason",
		},
		[]string{"reason"},
	)

	registry.MustRegister(
		e.messages,
		e.dispatchLatency,
		e.chunks,
		e.locksActive,
		e.locksWaiting,
		e.worktrees,
		e.cleanupRemoved,
		e.cleanupSkipped,
	)
	return e
}

// RecordMessage counts one inbound message with the dispatch path it took
// (command, template, router, raw).
func (e *Exporter) RecordMessage(platform, path string) {
	e.messages.WithLabelValues(platform, path).Inc()
}

// RecordDispatchLatency observes one dispatch duration.
func (e *Exporter) RecordDispatchLatency(platform string, elapsed time.Duration) {
	e.dispatchLatency.WithLabelValues(platform).Observe(elapsed.Seconds())
}

// RecordChunk counts one relayed assistant chunk.
func (e *Exporter) RecordChunk(chunkType string) {
	e.chunks.WithLabelValues(chunkType).Inc()
}

// SetLockStats updates the lock pressure gauges.
func (e *Exporter) SetLockStats(active, waiting int) {
	e.locksActive.Set(float64(active))
	e.locksWaiting.Set(float64(waiting))
}

// RecordWorktree counts a worktree lifecycle event.
func (e *Exporter) RecordWorktree(event string) {
	e.worktrees.WithLabelValues(event).Inc()
}

// RecordCleanup counts one cleanup pass outcome.
func (e *Exporter) RecordCleanup(kind string, removed int, skippedReasons []string) {
	if removed > 0 {
		e.cleanupRemoved.WithLabelValues(kind).Add(float64(removed))
	}
	for _, reason := range skippedReasons {
		e.cleanupSkipped.WithLabelValues(reason).Inc()
	}
}

// Handler returns the HTTP handler serving the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
