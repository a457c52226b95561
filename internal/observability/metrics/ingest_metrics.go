// Package metrics exposes prometheus instruments for the ingestion pipeline.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ForwardFailureTimeout = "timeout"
	ForwardFailureStatus  = "bad_status"
	ForwardFailureNetwork = "network"
)

// IngestMetrics captures ingestion pipeline health signals.
type IngestMetrics struct {
	runs             prometheus.Counter
	runDuration      prometheus.Histogram
	lockContention   prometheus.Counter
	bundlesProcessed prometheus.Counter
	bundlesErrored   *prometheus.CounterVec
	pointsStored     prometheus.Counter
	pointsForwarded  *prometheus.CounterVec
	recordsSkipped   prometheus.Counter
	forwardFailures  *prometheus.CounterVec
	statsFailures    prometheus.Counter
	bundlesPending   prometheus.Gauge
}

// Config carries the constant labels stamped onto every instrument.
type Config struct {
	ServiceName string
	Environment string
}

var (
	ingestMetricsOnce sync.Once
	ingestMetrics     *IngestMetrics
)

// Ingest returns the singleton ingest metrics registry.
func Ingest() *IngestMetrics {
	return IngestWithConfig(Config{})
}

// IngestWithConfig returns the singleton ingest metrics registry using config labels.
func IngestWithConfig(cfg Config) *IngestMetrics {
	ingestMetricsOnce.Do(func() {
		ingestMetrics = newIngestMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ingestMetrics
}

// ResetIngestMetricsForTest resets the ingest metrics singleton for tests.
// The live instruments are unregistered first so the next construction can
// register again without a duplicate-collector panic.
func ResetIngestMetricsForTest() {
	if ingestMetrics != nil {
		ingestMetrics.unregister(prometheus.DefaultRegisterer)
	}
	ingestMetricsOnce = sync.Once{}
	ingestMetrics = nil
}

func newIngestMetrics(registerer prometheus.Registerer, cfg Config) *IngestMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "harvest"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &IngestMetrics{
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "harvest_ingest_runs_total",
			Help:        "Completed ingestion runs.",
			ConstLabels: constLabels,
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "harvest_ingest_run_duration_seconds",
			Help:        "Wall time of a full ingestion run.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "harvest_ingest_lock_contention_total",
			Help:        "Runs skipped because the advisory lock was held.",
			ConstLabels: constLabels,
		}),
		bundlesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "harvest_ingest_bundles_processed_total",
			Help:        "Bundles marked processed.",
			ConstLabels: constLabels,
		}),
		bundlesErrored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "harvest_ingest_bundles_errored_total",
			Help:        "Bundles marked errored, by failure stage.",
			ConstLabels: constLabels,
		}, []string{"stage"}),
		pointsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "harvest_ingest_points_stored_total",
			Help:        "Points bulk-persisted locally.",
			ConstLabels: constLabels,
		}),
		pointsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "harvest_ingest_points_forwarded_total",
			Help:        "Points delivered to federation destinations.",
			ConstLabels: constLabels,
		}, []string{"destination"}),
		recordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "harvest_ingest_records_skipped_total",
			Help:        "Raw records skipped for missing required metadata.",
			ConstLabels: constLabels,
		}),
		forwardFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "harvest_ingest_forward_failures_total",
			Help:        "Failed forward deliveries, by destination and reason.",
			ConstLabels: constLabels,
		}, []string{"destination", "reason"}),
		statsFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "harvest_ingest_stats_failures_total",
			Help:        "Best-effort statistics updates that failed.",
			ConstLabels: constLabels,
		}),
		bundlesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "harvest_ingest_bundles_pending",
			Help:        "Pending bundles remaining after the latest run.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(m.collectors()...)
	return m
}

func (m *IngestMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.runs,
		m.runDuration,
		m.lockContention,
		m.bundlesProcessed,
		m.bundlesErrored,
		m.pointsStored,
		m.pointsForwarded,
		m.recordsSkipped,
		m.forwardFailures,
		m.statsFailures,
		m.bundlesPending,
	}
}

func (m *IngestMetrics) unregister(registerer prometheus.Registerer) {
	for _, c := range m.collectors() {
		registerer.Unregister(c)
	}
}

func (m *IngestMetrics) IncRun() {
	if m == nil {
		return
	}
	m.runs.Inc()
}

func (m *IngestMetrics) ObserveRunDuration(seconds float64) {
	if m == nil {
		return
	}
	m.runDuration.Observe(seconds)
}

func (m *IngestMetrics) IncLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

func (m *IngestMetrics) IncBundleProcessed() {
	if m == nil {
		return
	}
	m.bundlesProcessed.Inc()
}

func (m *IngestMetrics) IncBundleErrored(stage string) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	m.bundlesErrored.WithLabelValues(stage).Inc()
}

func (m *IngestMetrics) AddPointsStored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pointsStored.Add(float64(n))
}

func (m *IngestMetrics) AddPointsForwarded(destination string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pointsForwarded.WithLabelValues(destination).Add(float64(n))
}

func (m *IngestMetrics) AddRecordsSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsSkipped.Add(float64(n))
}

func (m *IngestMetrics) IncForwardFailure(destination, reason string) {
	if m == nil {
		return
	}
	m.forwardFailures.WithLabelValues(destination, reason).Inc()
}

func (m *IngestMetrics) IncStatsFailure() {
	if m == nil {
		return
	}
	m.statsFailures.Inc()
}

func (m *IngestMetrics) SetBundlesPending(n int64) {
	if m == nil {
		return
	}
	m.bundlesPending.Set(float64(n))
}
