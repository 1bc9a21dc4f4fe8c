package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	FilesDiscoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scout_files_discovered_total",
			Help: "Total number of source files discovered by the batcher",
		},
	)
	FilesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_files_skipped_total",
			Help: "Total number of files skipped during discovery",
		},
		[]string{"reason"},
	)
	BatchesEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scout_batches_enqueued_total",
			Help: "Total number of analysis batches enqueued",
		},
	)
	BatchTokenCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scout_batch_token_count",
			Help:    "Distribution of token counts per enqueued batch",
			Buckets: []float64{1000, 4000, 16000, 32000, 48000, 64000, 128000},
		},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of job handler failures",
		},
		[]string{"queue"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter queue",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_jobs_processing",
			Help: "Number of jobs currently being handled",
		},
		[]string{"queue"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM requests by stage",
		},
		[]string{"stage"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Total number of outbox events published downstream",
		},
		[]string{"event_type"},
	)
	OutboxFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_failed_total",
			Help: "Total number of outbox events that failed to publish",
		},
	)

	RelationshipsReconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relationships_reconciled_total",
			Help: "Total number of candidate relationships by final status",
		},
		[]string{"status"},
	)
	ConfidenceScoreHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relationship_confidence_score",
			Help:    "Distribution of final confidence scores ([0,1])",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	GraphMergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_merges_total",
			Help: "Total number of graph MERGE operations by kind",
		},
		[]string{"kind"},
	)
)

// InitMetrics registers all pipeline metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(FilesDiscoveredTotal)
	prometheus.MustRegister(FilesSkippedTotal)
	prometheus.MustRegister(BatchesEnqueuedTotal)
	prometheus.MustRegister(BatchTokenCount)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(OutboxPublishedTotal)
	prometheus.MustRegister(OutboxFailedTotal)
	prometheus.MustRegister(RelationshipsReconciledTotal)
	prometheus.MustRegister(ConfidenceScoreHistogram)
	prometheus.MustRegister(GraphMergesTotal)
}
