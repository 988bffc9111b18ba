// Package metrics holds the Prometheus collectors of the extraction
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "air_quality"

// Metrics holds the Prometheus counters, histograms and gauges. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Runs            *prometheus.CounterVec // labels: outcome={success,failure}
	RunDuration     prometheus.Histogram
	FallbackRuns    prometheus.Counter
	ReadingsFetched *prometheus.CounterVec // labels: source
	PartitionFetch  *prometheus.CounterVec // labels: source, outcome={ok,skipped,unauthorized}
	SnapshotWrites  *prometheus.CounterVec // labels: source, outcome={ok,error}
	SnapshotSkipped prometheus.Counter
	CleanupDeleted  prometheus.Counter
	CleanupErrors   prometheus.Counter
	SchedulerSkips  prometheus.Counter
	BreakerOpen     *prometheus.GaugeVec   // labels: source
	GeocodeLookups  *prometheus.CounterVec // labels: result={hit,miss,error}
	Published       *prometheus.CounterVec // labels: outcome={ok,error}
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_runs_total",
			Help:      "Extraction runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_run_duration_seconds",
			Help:      "Wall time of one extraction run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		FallbackRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_runs_total",
			Help:      "Runs that substituted synthetic readings.",
		}),
		ReadingsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Deduplicated readings produced per source.",
		}, []string{"source"}),
		PartitionFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_fetches_total",
			Help:      "Partition fetches by source and outcome.",
		}, []string{"source", "outcome"}),
		SnapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Snapshot writes by source and outcome.",
		}, []string{"source", "outcome"}),
		SnapshotSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_load_skipped_total",
			Help:      "Snapshot files skipped while loading because they were unreadable.",
		}),
		CleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Snapshots removed by the retention sweep.",
		}),
		CleanupErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_errors_total",
			Help:      "Snapshots the retention sweep failed to remove.",
		}),
		SchedulerSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skipped_ticks_total",
			Help:      "Extraction ticks skipped because a run was in flight.",
		}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 while the provider circuit breaker is open.",
		}, []string{"source"}),
		GeocodeLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_lookups_total",
			Help:      "Reverse geocoding lookups by result.",
		}, []string{"result"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_events_published_total",
			Help:      "Snapshot events published by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.Runs,
		m.RunDuration,
		m.FallbackRuns,
		m.ReadingsFetched,
		m.PartitionFetch,
		m.SnapshotWrites,
		m.SnapshotSkipped,
		m.CleanupDeleted,
		m.CleanupErrors,
		m.SchedulerSkips,
		m.BreakerOpen,
		m.GeocodeLookups,
		m.Published,
	)
	return m
}

// NewForTesting registers the collectors with a fresh registry.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) ObserveRun(success bool, seconds float64, fallback bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(seconds)
	if fallback {
		m.FallbackRuns.Inc()
	}
}

func (m *Metrics) AddReadings(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReadingsFetched.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) PartitionOutcome(source, outcome string) {
	if m == nil {
		return
	}
	m.PartitionFetch.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) SnapshotWrite(source string, err error) {
	if m == nil {
		return
	}
	m.SnapshotWrites.WithLabelValues(source, outcomeOf(err)).Inc()
}

func (m *Metrics) SnapshotLoadSkipped() {
	if m == nil {
		return
	}
	m.SnapshotSkipped.Inc()
}

func (m *Metrics) Cleanup(deleted, failed int) {
	if m == nil {
		return
	}
	m.CleanupDeleted.Add(float64(deleted))
	m.CleanupErrors.Add(float64(failed))
}

func (m *Metrics) SchedulerSkip() {
	if m == nil {
		return
	}
	m.SchedulerSkips.Inc()
}

func (m *Metrics) BreakerState(source string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(source).Set(v)
}

func (m *Metrics) GeocodeLookup(result string) {
	if m == nil {
		return
	}
	m.GeocodeLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Publish(err error) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(outcomeOf(err)).Inc()
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
