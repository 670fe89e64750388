package executor

import (
	"context"

	"github.com/skygen/chunkdist"
)

// Generator produces the raw table files for one chunk.
// Implementations must confine all filesystem writes to a chunk-scoped
// working directory. These interfaces exist so the worker client can be
// tested with mock collaborators.
type Generator interface {
	// Generate runs the external generator for chunkID and returns the
	// paths of the files it produced.
	Generate(ctx context.Context, chunkID int, run chunkdist.RunConfiguration) ([]string, error)
}

// Partitioner splits generated table files into sub-chunk files
// according to the run's partitioning geometry.
type Partitioner interface {
	// Partition runs the external partitioner over the generated files
	// and returns the paths of the output files.
	Partition(ctx context.Context, chunkID int, files []string, run chunkdist.RunConfiguration) ([]string, error)
}

// Ingestor publishes partitioned chunk files to the replication system.
type Ingestor interface {
	// Publish sends the chunk's files to the ingest service.
	Publish(ctx context.Context, chunkID int, files []string) error
}
