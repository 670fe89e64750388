package chunkdist

// ChunkState represents where a chunk is in the generation lifecycle.
// A chunk belongs to exactly one state at any time.
type ChunkState string

const (
	// StateTarget indicates the chunk still needs to be generated and has
	// not been handed to any worker.
	StateTarget ChunkState = "target"

	// StateAssigned indicates the chunk is leased to a connected worker.
	StateAssigned ChunkState = "assigned"

	// StateCompleted indicates a worker explicitly reported the chunk as
	// successfully generated, partitioned and (unless skipped) ingested.
	StateCompleted ChunkState = "completed"

	// StateLimbo indicates the chunk was assigned but its outcome is
	// unknown or failed. Limbo chunks require operator review before they
	// can be generated again, since partial artifacts may exist on disk.
	StateLimbo ChunkState = "limbo"
)

// Outcome is a worker's report for a single chunk.
type Outcome struct {
	// ChunkID is the chunk the report is about.
	ChunkID int `json:"chunk_id"`

	// Succeeded is true only when every collaborator stage finished for
	// the chunk. Anything else resolves to limbo on the server.
	Succeeded bool `json:"succeeded"`

	// Message carries free-form diagnostic text for failed chunks.
	Message string `json:"message,omitempty"`
}

// ConfigFile is a named configuration file shipped to workers inside the
// one-time configuration payload.
type ConfigFile struct {
	// Name is the base file name the worker writes the contents to.
	Name string `json:"name"`

	// Contents is the full text of the file.
	Contents string `json:"contents"`
}

// IngestConfig describes the replication/ingest service workers publish
// chunk files to. Skip suppresses all ingest calls for dry runs.
type IngestConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	AuthKey  string `json:"auth_key,omitempty"`
	Database string `json:"database"`
	Skip     bool   `json:"skip"`
}

// RunConfiguration is the immutable payload sent once per client session.
// It bundles everything a worker needs to run the external generator and
// partitioner for any chunk of the run.
type RunConfiguration struct {
	// GeneratorArgs is the command-line argument string for the generator
	// (visit count, object density, seed and so on).
	GeneratorArgs string `json:"generator_args"`

	// GeneratorSpec is the full text of the generator specification
	// document.
	GeneratorSpec string `json:"generator_spec"`

	// PartitionerConfigs are the partitioner configuration files, in the
	// order the partitioner expects them.
	PartitionerConfigs []ConfigFile `json:"partitioner_configs,omitempty"`

	// Ingest describes the ingest service, or Skip for dry runs.
	Ingest IngestConfig `json:"ingest"`
}

// Summary reports the final chunk accounting for a run.
type Summary struct {
	// Target holds ids that were never assigned before the run ended.
	Target []int

	// Completed holds ids explicitly reported as succeeded.
	Completed []int

	// Limbo holds ids whose outcome failed or was never reported. These
	// need operator review before they can be requeued.
	Limbo []int
}
