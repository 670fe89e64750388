package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionsOpenedTotal tracks the total number of worker sessions accepted.
var SessionsOpenedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chunkdist_sessions_opened_total",
		Help: "Total worker sessions accepted",
	},
	[]string{"run"},
)

// SessionsClosedTotal tracks sessions closed, labeled with how they ended.
var SessionsClosedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chunkdist_sessions_closed_total",
		Help: "Total worker sessions closed, by close reason",
	},
	[]string{"run", "reason"},
)

// ChunksAssignedTotal tracks chunk ids handed to workers.
var ChunksAssignedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chunkdist_chunks_assigned_total",
		Help: "Total chunk ids assigned to workers",
	},
	[]string{"run"},
)

// ChunksCompletedTotal tracks chunks reported as succeeded.
var ChunksCompletedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chunkdist_chunks_completed_total",
		Help: "Total chunks reported succeeded",
	},
	[]string{"run"},
)

// ChunksLimboTotal tracks chunks that failed or were abandoned.
var ChunksLimboTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chunkdist_chunks_limbo_total",
		Help: "Total chunks moved to limbo",
	},
	[]string{"run"},
)

// ActiveSessions tracks the current number of connected workers.
var ActiveSessions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "chunkdist_active_sessions",
		Help: "Current connected worker sessions",
	},
	[]string{"run"},
)

// TargetRemaining tracks the current size of the target set.
var TargetRemaining = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "chunkdist_target_remaining",
		Help: "Chunk ids still waiting to be assigned",
	},
	[]string{"run"},
)

// BatchSize tracks the size of batches handed out.
var BatchSize = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chunkdist_batch_size",
		Help:    "Chunk ids per assigned batch",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	},
	[]string{"run"},
)

// CheckpointDuration tracks time spent writing snapshot checkpoints.
var CheckpointDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chunkdist_checkpoint_duration_seconds",
		Help:    "Time spent persisting registry snapshots",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"run"},
)

// ChunkProcessingDuration tracks per-chunk wall time on the client side.
var ChunkProcessingDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chunkdist_chunk_processing_duration_seconds",
		Help:    "Wall time to generate, partition and publish one chunk",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	},
	[]string{"run", "stage"},
)
