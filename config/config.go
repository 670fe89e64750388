// Package config loads coordinator and worker settings from flags,
// environment variables and an optional config file, in that order of
// precedence. Environment variables use the CHUNKDIST_ prefix with
// dashes replaced by underscores (CHUNKDIST_SESSION_TIMEOUT and so on).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "CHUNKDIST"

// Server holds coordinator settings.
type Server struct {
	// LogLevel is one of debug, info or error.
	LogLevel string

	// Listen is the address the coordinator accepts workers on.
	Listen string

	// MetricsListen is the Prometheus endpoint address. Empty disables it.
	MetricsListen string

	// Run labels the run for logs and metrics.
	Run string

	// Chunks is the requested chunk set expression, e.g. "0:2500,3000".
	Chunks string

	// LogDir is where the chunk set files are kept.
	LogDir string

	// Requeue moves recovered limbo chunks back into the target set
	// before serving.
	Requeue bool

	// BatchLimit caps the batch size a worker may request.
	BatchLimit int

	// SessionTimeout is the idle timeout for worker sessions.
	SessionTimeout time.Duration

	// CheckpointInterval is the time between periodic set snapshots.
	CheckpointInterval time.Duration

	// JournalDriver selects the transition journal database driver
	// (sqlite3, postgres or mysql). Empty disables the journal.
	JournalDriver string

	// JournalDSN is the journal database connection string.
	JournalDSN string

	// GeneratorArgs are passed through to every worker's generator.
	GeneratorArgs string

	// GeneratorSpecFile is the generator specification sent to workers.
	GeneratorSpecFile string

	// PartitionerConfigFiles are the partitioner configs sent to workers.
	PartitionerConfigFiles []string

	// IngestHost, IngestPort and IngestAuthKey locate the ingest system.
	IngestHost    string
	IngestPort    int
	IngestAuthKey string

	// IngestDatabase is the target catalog database name.
	IngestDatabase string

	// IngestSkip tells workers not to publish chunks.
	IngestSkip bool
}

// Client holds worker settings.
type Client struct {
	// LogLevel is one of debug, info or error.
	LogLevel string

	// Addr is the coordinator address to connect to.
	Addr string

	// MetricsListen is the Prometheus endpoint address. Empty disables it.
	MetricsListen string

	// Run labels the run for logs and metrics.
	Run string

	// WorkDir is the root for chunk working directories.
	WorkDir string

	// GeneratorCommand and PartitionerCommand override the executables.
	GeneratorCommand   string
	PartitionerCommand string

	// KeepWorkDirs retains chunk directories after success.
	KeepWorkDirs bool

	// BatchSize is the number of chunks requested per batch.
	BatchSize int

	// Parallelism is the number of chunks processed concurrently.
	Parallelism int

	// MaxConsecutiveFailures is the give-up threshold.
	MaxConsecutiveFailures int

	// KeepAliveInterval is the time between pings while processing.
	KeepAliveInterval time.Duration

	// IngestTable is the table partitioned chunk files are loaded into.
	IngestTable string
}

// NewViper creates a viper instance wired to the flag set of cmd, the
// CHUNKDIST_ environment and the optional --config file.
func NewViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return v, nil
}

// ServerFlags registers coordinator flags on cmd.
func ServerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "path to a config file")
	f.String("log-level", "info", "log level: debug, info or error")
	f.String("listen", ":14040", "address to accept workers on")
	f.String("metrics-listen", "", "prometheus endpoint address (empty disables)")
	f.String("run", "default", "run label for logs and metrics")
	f.String("chunks", "", "chunk set expression, e.g. 0:2500,3000")
	f.String("log-dir", "chunklogs", "directory for chunk set files")
	f.Bool("requeue", false, "requeue recovered limbo chunks before serving")
	f.Int("batch-limit", 0, "cap on per-request batch size (0 uses the default)")
	f.Duration("session-timeout", 0, "worker session idle timeout")
	f.Duration("checkpoint-interval", 0, "time between chunk set snapshots")
	f.String("journal-driver", "", "transition journal driver: sqlite3, postgres or mysql")
	f.String("journal-dsn", "", "transition journal connection string")
	f.String("generator-args", "", "arguments passed to every worker's generator")
	f.String("generator-spec", "", "generator specification file sent to workers")
	f.StringSlice("partitioner-config", nil, "partitioner config file sent to workers (repeatable)")
	f.String("ingest-host", "", "ingest system host")
	f.Int("ingest-port", 0, "ingest system port")
	f.String("ingest-auth-key", "", "ingest system authorization key")
	f.String("ingest-db", "", "target catalog database name")
	f.Bool("ingest-skip", false, "tell workers not to publish chunks")
}

// LoadServer reads coordinator settings from v.
func LoadServer(v *viper.Viper) (Server, error) {
	cfg := Server{
		LogLevel:               v.GetString("log-level"),
		Listen:                 v.GetString("listen"),
		MetricsListen:          v.GetString("metrics-listen"),
		Run:                    v.GetString("run"),
		Chunks:                 v.GetString("chunks"),
		LogDir:                 v.GetString("log-dir"),
		Requeue:                v.GetBool("requeue"),
		BatchLimit:             v.GetInt("batch-limit"),
		SessionTimeout:         v.GetDuration("session-timeout"),
		CheckpointInterval:     v.GetDuration("checkpoint-interval"),
		JournalDriver:          v.GetString("journal-driver"),
		JournalDSN:             v.GetString("journal-dsn"),
		GeneratorArgs:          v.GetString("generator-args"),
		GeneratorSpecFile:      v.GetString("generator-spec"),
		PartitionerConfigFiles: v.GetStringSlice("partitioner-config"),
		IngestHost:             v.GetString("ingest-host"),
		IngestPort:             v.GetInt("ingest-port"),
		IngestAuthKey:          v.GetString("ingest-auth-key"),
		IngestDatabase:         v.GetString("ingest-db"),
		IngestSkip:             v.GetBool("ingest-skip"),
	}
	if cfg.JournalDriver != "" && cfg.JournalDSN == "" {
		return cfg, fmt.Errorf("journal-dsn is required when journal-driver is set")
	}
	switch cfg.JournalDriver {
	case "", "sqlite3", "postgres", "mysql":
	default:
		return cfg, fmt.Errorf("unknown journal driver %q", cfg.JournalDriver)
	}
	return cfg, nil
}

// ClientFlags registers worker flags on cmd.
func ClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "path to a config file")
	f.String("log-level", "info", "log level: debug, info or error")
	f.String("addr", "localhost:14040", "coordinator address")
	f.String("metrics-listen", "", "prometheus endpoint address (empty disables)")
	f.String("run", "default", "run label for logs and metrics")
	f.String("work-dir", "chunkwork", "root for chunk working directories")
	f.String("generator-command", "", "generator executable")
	f.String("partitioner-command", "", "partitioner executable")
	f.Bool("keep-work-dirs", false, "retain chunk directories after success")
	f.Int("batch-size", 0, "chunks requested per batch (0 uses the default)")
	f.Int("parallelism", 0, "chunks processed concurrently (0 uses the default)")
	f.Int("max-failures", 0, "consecutive failures before giving up (0 uses the default)")
	f.Duration("keep-alive", 0, "time between pings while processing")
	f.String("ingest-table", "object", "table partitioned files are loaded into")
}

// LoadClient reads worker settings from v.
func LoadClient(v *viper.Viper) (Client, error) {
	cfg := Client{
		LogLevel:               v.GetString("log-level"),
		Addr:                   v.GetString("addr"),
		MetricsListen:          v.GetString("metrics-listen"),
		Run:                    v.GetString("run"),
		WorkDir:                v.GetString("work-dir"),
		GeneratorCommand:       v.GetString("generator-command"),
		PartitionerCommand:     v.GetString("partitioner-command"),
		KeepWorkDirs:           v.GetBool("keep-work-dirs"),
		BatchSize:              v.GetInt("batch-size"),
		Parallelism:            v.GetInt("parallelism"),
		MaxConsecutiveFailures: v.GetInt("max-failures"),
		KeepAliveInterval:      v.GetDuration("keep-alive"),
		IngestTable:            v.GetString("ingest-table"),
	}
	if cfg.Addr == "" {
		return cfg, fmt.Errorf("coordinator address is required")
	}
	return cfg, nil
}
