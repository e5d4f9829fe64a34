package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dgt_sync"

// Metrics holds the Prometheus counters, histograms, and gauges for the sync service.
type Metrics struct {
	PipelineRunning prometheus.Gauge

	// Cycle metrics.
	CyclesTotal   *prometheus.CounterVec // labels: outcome={success,partial,failed}
	CycleDuration prometheus.Histogram
	CyclesSkipped prometheus.Counter

	// Per-source fetch and reconcile metrics.
	SourceSyncs    *prometheus.CounterVec   // labels: source, outcome={success,fetch_error,parse_error,store_error}
	FetchDuration  *prometheus.HistogramVec // labels: source
	FetchBytes     *prometheus.GaugeVec     // labels: source
	FetchErrors    *prometheus.CounterVec   // labels: source, kind
	BeaconsChanged *prometheus.CounterVec   // labels: source, change={created,updated,deactivated,unchanged}
	ActiveBeacons  *prometheus.GaugeVec     // labels: source
	RecordsDropped *prometheus.CounterVec   // labels: source, reason

	EventsPublished *prometheus.CounterVec // labels: outcome={success,error}

	// Isolation metrics.
	IsolationRequests *prometheus.CounterVec // labels: outcome={success,error,throttled}
	IsolationCache    *prometheus.CounterVec // labels: result={hit,miss}
}

// NewMetrics creates and registers all sync metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.PipelineRunning,
		m.CyclesTotal,
		m.CycleDuration,
		m.CyclesSkipped,
		m.SourceSyncs,
		m.FetchDuration,
		m.FetchBytes,
		m.FetchErrors,
		m.BeaconsChanged,
		m.ActiveBeacons,
		m.RecordsDropped,
		m.EventsPublished,
		m.IsolationRequests,
		m.IsolationCache,
	)

	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the sync scheduler is active, 0 when shut down.",
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed sync cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full fetch-parse-reconcile cycle across all sources.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		CyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_skipped_total",
			Help:      "Scheduled cycles skipped because the previous cycle was still running.",
		}),
		SourceSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_syncs_total",
			Help:      "Per-source sync attempts by outcome.",
		}, []string{"source", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Feed download duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source"}),
		FetchBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_bytes",
			Help:      "Size of the last successfully downloaded feed document.",
		}, []string{"source"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Feed download failures by source and failure kind.",
		}, []string{"source", "kind"}),
		BeaconsChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "beacons_changed_total",
			Help:      "Beacon lifecycle transitions applied by reconciliation.",
		}, []string{"source", "change"}),
		ActiveBeacons: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_beacons",
			Help:      "Active beacons per source after the last successful sync.",
		}, []string{"source"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Feed records skipped during parsing.",
		}, []string{"source", "reason"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Beacon lifecycle events written to Kafka by outcome.",
		}, []string{"outcome"}),
		IsolationRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolation_requests_total",
			Help:      "Overpass isolation lookups by outcome.",
		}, []string{"outcome"}),
		IsolationCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolation_cache_total",
			Help:      "Isolation score cache lookups by result.",
		}, []string{"result"}),
	}
}
