package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "amp_assoc"

// Metrics holds the Prometheus counters, histograms, and gauges for ingestion and sweeps.
type Metrics struct {
	MessagesConsumed *prometheus.CounterVec // labels: feed={amplitude,origin}
	PipelineRunning  *prometheus.GaugeVec   // labels: feed
	ParseErrors      prometheus.Counter

	// Batch processing metrics.
	BatchSize               *prometheus.HistogramVec // labels: feed
	BatchProcessingDuration *prometheus.HistogramVec // labels: feed

	// Ingestion metrics.
	IngestOutcomes  *prometheus.CounterVec // labels: outcome={inserted,merged,duplicate,empty,no_time,invalid,error}
	DedupCacheHits  prometheus.Counter
	OriginsUpserted *prometheus.CounterVec // labels: result={inserted,updated,invalid}

	// Sweep metrics.
	StationsAssociated prometheus.Counter
	Exports            *prometheus.CounterVec // labels: result={written,failed}
	Purged             *prometheus.CounterVec // labels: entity={station,event}
	SweepDuration      prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.MessagesConsumed,
		m.PipelineRunning,
		m.ParseErrors,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.IngestOutcomes,
		m.DedupCacheHits,
		m.OriginsUpserted,
		m.StationsAssociated,
		m.Exports,
		m.Purged,
		m.SweepDuration,
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
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Total messages read from the feed topics.",
		}, []string{"feed"}),
		PipelineRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the feed pipeline is active, 0 when shut down.",
		}, []string{"feed"}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Total amplitude documents rejected as malformed.",
		}),
		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of messages per batch extracted from Kafka.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}, []string{"feed"}),
		BatchProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete batch extract-handle-commit cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"feed"}),
		IngestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_outcomes_total",
			Help:      "Amplitude documents by ingestion outcome.",
		}, []string{"outcome"}),
		DedupCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_cache_hits_total",
			Help:      "Byte-identical amplitude documents skipped before parsing.",
		}),
		OriginsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origins_upserted_total",
			Help:      "Origin descriptors by upsert result.",
		}, []string{"result"}),
		StationsAssociated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stations_associated_total",
			Help:      "Stations claimed by an origin.",
		}),
		Exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Event exports handed to the sink by result.",
		}, []string{"result"}),
		Purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_total",
			Help:      "Rows removed by retention by entity.",
		}, []string{"entity"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a complete association and retention sweep.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}
