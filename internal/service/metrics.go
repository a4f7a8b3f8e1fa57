package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for collection orchestration, grounded on the
// teacher's internal/vectorstore/metrics.go (promauto package-level
// vars under a Namespace/Subsystem pair, gauge/counter/histogram per
// concern).
var (
	insertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akidb",
			Subsystem: "service",
			Name:      "inserts_total",
			Help:      "Total number of insert_document calls by result (success, error).",
		},
		[]string{"result"},
	)

	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akidb",
			Subsystem: "service",
			Name:      "queries_total",
			Help:      "Total number of query calls by result (success, error).",
		},
		[]string{"result"},
	)

	queryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "akidb",
			Subsystem: "service",
			Name:      "query_duration_seconds",
			Help:      "Duration of query calls, index dispatch through post-filter.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	embeddingRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "akidb",
			Subsystem: "service",
			Name:      "embedding_retries_total",
			Help:      "Total number of embedding call retries after a transient failure.",
		},
	)

	compactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akidb",
			Subsystem: "service",
			Name:      "compactions_total",
			Help:      "Total number of compact() calls by result (success, error).",
		},
		[]string{"result"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akidb",
			Subsystem: "service",
			Name:      "errors_total",
			Help:      "Total number of operation failures by operation and error code.",
		},
		[]string{"op", "code"},
	)
)
