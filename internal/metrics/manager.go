// Package metrics exposes Prometheus counters for matching and batches.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/twistermc/attach-images/internal/scan"
)

const namespace = "attach_images"

// Manager owns the registry and the instruments fed by the matcher and the
// batch orchestrator. It implements matcher.Observer and scan.Recorder.
type Manager struct {
	registry *prometheus.Registry

	cacheLookups  *prometheus.CounterVec
	cacheErrors   prometheus.Counter
	searches      *prometheus.CounterVec
	batches       *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	batchDuration prometheus.Histogram
	orphaned      prometheus.Gauge
}

func NewManager() *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Match cache lookups by result (hit or miss)",
		}, []string{"result"}),
		cacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Match cache store failures, treated as misses",
		}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "searches_total",
			Help:      "Live repository searches by stage and whether a document was found",
		}, []string{"stage", "found"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "batches_total",
			Help:      "Completed batches by mode",
		}, []string{"mode"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "attachments_total",
			Help:      "Processed attachments by outcome",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a single batch",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		orphaned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "orphaned_attachments",
			Help:      "Orphan count reported by the most recent batch",
		}),
	}

	registry.MustRegister(
		m.cacheLookups,
		m.cacheErrors,
		m.searches,
		m.batches,
		m.outcomes,
		m.batchDuration,
		m.orphaned,
	)

	log.Debug().Msg("Metrics manager initialized")

	return m
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) CacheHit() {
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Manager) CacheMiss() {
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Manager) CacheError() {
	m.cacheErrors.Inc()
}

func (m *Manager) Searched(stage string, found bool) {
	m.searches.WithLabelValues(stage, strconv.FormatBool(found)).Inc()
}

// RecordBatch counts a completed batch and its per-attachment outcomes
func (m *Manager) RecordBatch(result *scan.Result, elapsed time.Duration) {
	mode := "attach"
	if result.DryRun {
		mode = "dry_run"
	}
	m.batches.WithLabelValues(mode).Inc()
	m.batchDuration.Observe(elapsed.Seconds())
	m.orphaned.Set(float64(result.TotalOrphaned))

	for _, d := range result.Details {
		m.outcomes.WithLabelValues(string(d.Status)).Inc()
	}
}
