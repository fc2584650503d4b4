package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// signal-to-incident engine.
type Metrics struct {
	SignalsIngested prometheus.Counter
	SignalsRejected *prometheus.CounterVec // labels: reason={invalid,parse}
	EngineRunning   prometheus.Gauge

	ClustersOpened prometheus.Counter
	ClustersClosed prometheus.Counter

	IncidentsPromoted prometheus.Counter
	Transitions       *prometheus.CounterVec // labels: from, to, triggered_by
	TransitionErrors  *prometheus.CounterVec // labels: kind={invalid,conflict}

	NotificationsEnqueued prometheus.Counter
	NotificationsDeduped  prometheus.Counter
	NotificationsExpired  prometheus.Counter

	// AI evaluation collaborator metrics.
	AIEvalRequests *prometheus.CounterVec // labels: outcome={success,error,timeout}
	AIEvalDuration prometheus.Histogram
	AIEvalEnabled  prometheus.Gauge

	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.SignalsIngested,
		m.SignalsRejected,
		m.EngineRunning,
		m.ClustersOpened,
		m.ClustersClosed,
		m.IncidentsPromoted,
		m.Transitions,
		m.TransitionErrors,
		m.NotificationsEnqueued,
		m.NotificationsDeduped,
		m.NotificationsExpired,
		m.AIEvalRequests,
		m.AIEvalDuration,
		m.AIEvalEnabled,
		m.BatchSize,
		m.BatchProcessingDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		SignalsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "signals_ingested_total",
			Help:      "Total signals accepted at the ingestion boundary.",
		}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "signals_rejected_total",
			Help:      "Signals rejected at the ingestion boundary, by reason.",
		}, []string{"reason"}),
		EngineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "incident_engine",
			Name:      "running",
			Help:      "1 when the ingest loop is active, 0 when shut down.",
		}),
		ClustersOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "clusters_opened_total",
			Help:      "Clusters opened for signals with no matching open cluster.",
		}),
		ClustersClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "clusters_closed_total",
			Help:      "Clusters closed after the idle window elapsed.",
		}),
		IncidentsPromoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "incidents_promoted_total",
			Help:      "Clusters promoted to tracked incidents.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "lifecycle_transitions_total",
			Help:      "Committed lifecycle transitions by from/to status and trigger.",
		}, []string{"from", "to", "triggered_by"}),
		TransitionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "lifecycle_transition_errors_total",
			Help:      "Rejected or conflicted transition attempts, by kind.",
		}, []string{"kind"}),
		NotificationsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "notifications_enqueued_total",
			Help:      "Outbox entries enqueued for delivery.",
		}),
		NotificationsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "notifications_deduped_total",
			Help:      "Dispatch decisions skipped because the tuple was already notified of the status.",
		}),
		NotificationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "notifications_expired_total",
			Help:      "Undelivered outbox entries dropped after their TTL.",
		}),
		AIEvalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "ai_eval_requests_total",
			Help:      "AI evaluation requests by outcome.",
		}, []string{"outcome"}),
		AIEvalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "incident_engine",
			Name:      "ai_eval_duration_seconds",
			Help:      "AI evaluation request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		AIEvalEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "incident_engine",
			Name:      "ai_eval_enabled",
			Help:      "1 when the AI evaluation collaborator is configured, 0 otherwise.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "incident_engine",
			Name:      "batch_size",
			Help:      "Number of signal messages per batch extracted from Kafka.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "incident_engine",
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete signal batch processing cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
	}
}
