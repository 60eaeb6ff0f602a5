// Package metrics defines the prometheus collectors of the storage core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transaction metrics
var (
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_transactions_total",
			Help: "Total number of backend transactions by outcome",
		},
		[]string{"engine", "outcome"}, // outcome: commit, rollback, conflict
	)

	TransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_transaction_duration_seconds",
			Help:    "Duration of backend transactions from begin to commit or rollback",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"engine"},
	)

	TransactionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_transaction_retries_total",
			Help: "Total number of transaction retries after a retryable failure",
		},
	)
)

// Document and index metrics
var (
	DocumentMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_document_mutations_total",
			Help: "Total number of committed document mutations",
		},
		[]string{"collection", "kind"}, // kind: insert, update, delete
	)

	IndexEntriesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_index_entries_written_total",
			Help: "Total number of index entries added or removed",
		},
		[]string{"collection", "op"}, // op: add, remove
	)

	IndexRebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_index_rebuilds_total",
			Help: "Total number of index rebuild runs",
		},
		[]string{"collection", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_query_duration_seconds",
			Help:    "Duration of query execution by plan type",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"plan"}, // plan: index, fulltext, scan
	)
)

// Full-text metrics
var (
	FTSPostingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_fts_postings_total",
			Help: "Total number of full-text postings added or removed",
		},
		[]string{"op"},
	)

	FTSSearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tern_fts_search_duration_seconds",
			Help:    "Duration of full-text search evaluation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)
)

// Change log metrics
var (
	ChangeRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_change_records_total",
			Help: "Total number of change records appended",
		},
	)

	ChangeRecordsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_change_records_pruned_total",
			Help: "Total number of change records removed by prune operations",
		},
	)
)

// Blob metrics
var (
	BlobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_blob_operations_total",
			Help: "Total number of blob operations by result",
		},
		[]string{"operation", "status"}, // operation: PUT, GET, DELETE
	)

	BlobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_blob_operation_duration_seconds",
			Help:    "Duration of blob backend operations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	BlobDedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_blob_dedup_hits_total",
			Help: "Total number of blob writes deduplicated by content hash",
		},
	)

	BlobsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_blobs_swept_total",
			Help: "Total number of zero-reference blobs collected by the sweeper",
		},
	)
)

// Cache metrics
var (
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_cache_hits_total",
			Help: "Total number of local blob cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_cache_misses_total",
			Help: "Total number of local blob cache misses",
		},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tern_cache_size_bytes",
			Help: "Current size of the local blob cache",
		},
	)
)
