// Package metrics declares the Prometheus instruments exported by the engine.
// They are registered on the default registry at init through promauto; the host
// application decides whether and where to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 1. Operations Total (Counter)
	// Counts engine operations, labeled by operation and outcome ("ok" or the error kind).
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zyphyr_operations_total",
			Help: "Total number of engine operations",
		},
		[]string{"op", "status"},
	)

	// 2. Operation Duration (Histogram)
	// Buckets go from tens of microseconds (small graph search) to seconds (bulk loads).
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zyphyr_operation_duration_seconds",
			Help:    "Duration of engine operations in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"op"},
	)

	// 3. Live Vectors (Gauge)
	// Tracks the number of searchable vectors per data directory.
	LiveVectors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zyphyr_vectors_live",
			Help: "Number of live (non-deleted) vectors",
		},
		[]string{"dataset"},
	)

	// 4. Tombstones (Gauge)
	TombstonedVectors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zyphyr_vectors_tombstoned",
			Help: "Number of deleted slots still held by the store",
		},
		[]string{"dataset"},
	)

	// 5. Segment commits (Counter) and size (Gauge)
	SegmentCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zyphyr_segment_commits_total",
			Help: "Segment commits by outcome",
		},
		[]string{"dataset", "status"},
	)
	SegmentBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zyphyr_segment_bytes",
			Help: "Size of the segment file in bytes",
		},
		[]string{"dataset"},
	)

	// 6. Graph maintenance runs (Counter)
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zyphyr_maintenance_runs_total",
			Help: "Graph maintenance cycles that did work, by task",
		},
		[]string{"task"},
	)

	// 7. Kernel tier (Gauge)
	// Set to 1 for the distance kernel tier selected at startup.
	KernelTier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zyphyr_distance_kernel_info",
			Help: "Distance kernel tier selected for this process",
		},
		[]string{"isa", "detected"},
	)
)
