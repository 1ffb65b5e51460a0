// Package metrics holds the Prometheus collectors of the work-queue reader.
// Collectors are registered with the default registry at init and exposed by
// the ops HTTP server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BatchesClaimed counts Claim calls that returned at least one key.
	BatchesClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqueue_batches_claimed_total",
			Help: "Number of non-empty batches claimed from a work-queue table.",
		},
		[]string{"table"},
	)

	// KeysClaimed counts keys claimed across all batches.
	KeysClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqueue_keys_claimed_total",
			Help: "Number of work items claimed.",
		},
		[]string{"table"},
	)

	// DocumentsRead counts documents handed to callers of Reader.Next.
	DocumentsRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqueue_documents_read_total",
			Help: "Number of documents returned by readers.",
		},
		[]string{"table"},
	)

	// DocumentsSkipped counts claimed keys whose data row was gone at fetch
	// time.
	DocumentsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqueue_documents_skipped_total",
			Help: "Number of claimed work items without a data table row.",
		},
		[]string{"table"},
	)

	// Checkpoints counts rows marked finished or failed.
	Checkpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqueue_checkpoints_total",
			Help: "Number of work items marked finished or failed.",
		},
		[]string{"table", "outcome"},
	)

	// Errors counts claim and fetch failures, including retried attempts.
	Errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqueue_errors_total",
			Help: "Number of failed claim or fetch attempts.",
		},
		[]string{"table", "op"},
	)

	// OpDuration observes the latency of claim and fetch round trips.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqueue_op_duration_seconds",
			Help:    "Latency of claim and fetch calls against the store.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table", "op"},
	)

	// PrefetchWait observes how long Next blocked waiting for a batch. Near
	// zero values mean prefetching fully hides store latency.
	PrefetchWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqueue_prefetch_wait_seconds",
			Help:    "Time spent waiting for the next batch.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)
)

func init() {
	prometheus.MustRegister(
		BatchesClaimed,
		KeysClaimed,
		DocumentsRead,
		DocumentsSkipped,
		Checkpoints,
		Errors,
		OpDuration,
		PrefetchWait,
	)
}
