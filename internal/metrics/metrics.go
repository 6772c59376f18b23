// Package metrics registers the prometheus collectors for the pipeline
// engine. All collectors are registered once at init through promauto and
// exposed by the status server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsIssued counts requests the executive handed to the terminal
	// stage.
	RequestsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_requests_issued_total",
			Help: "Total number of pipeline requests issued by the executive",
		},
		[]string{"status"},
	)

	// StageExecuteDuration observes the time spent in each stage's execute.
	StageExecuteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshflow_stage_execute_duration_seconds",
			Help:    "Time spent in stage execute calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// ReportsComputed counts reported-metadata computations by cache
	// outcome.
	ReportsComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_reports_total",
			Help: "Reported-metadata computations by cache outcome",
		},
		[]string{"stage", "outcome"},
	)

	// MetadataCache counts reader metadata cache hits and misses on disk.
	MetadataCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_metadata_cache_total",
			Help: "Reader metadata cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// ReduceOps counts map-reduce combine operations.
	ReduceOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_reduce_operations_total",
			Help: "Map-reduce combine operations per stage",
		},
		[]string{"stage"},
	)

	// PoolQueueDepth tracks the per-pipeline pool queue depth.
	PoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshflow_pool_queue_depth",
		Help: "Current number of queued thread-pool tasks",
	})

	// StageErrors counts structured error records by stage and kind.
	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_stage_errors_total",
			Help: "Structured stage errors by kind",
		},
		[]string{"stage", "kind"},
	)

	// DatasetsWritten counts datasets written by writer stages.
	DatasetsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_datasets_written_total",
			Help: "Datasets written by writer stages",
		},
		[]string{"writer", "status"},
	)
)
