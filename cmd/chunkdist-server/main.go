// chunkdist-server runs the coordinator: it loads or initializes the
// chunk set files, listens for workers, hands out chunk batches and
// checkpoints progress until the target set is exhausted.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getpup/pupsourcing/es"
	"github.com/skygen/chunkdist"
	"github.com/skygen/chunkdist/chunklog"
	"github.com/skygen/chunkdist/config"
	"github.com/skygen/chunkdist/internal/logging"
	"github.com/skygen/chunkdist/journal"
	"github.com/skygen/chunkdist/metrics"
	"github.com/skygen/chunkdist/registry"
	"github.com/skygen/chunkdist/server"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	cmd := newRootCommand()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chunkdist-server",
		Short:         "coordinate distributed chunk generation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadServer(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.ServerFlags(cmd)
	return cmd
}

func run(ctx context.Context, cfg config.Server) error {
	logger := logging.New(logging.Level(cfg.LogLevel), "app", "chunkdist-server", "run", cfg.Run)

	requested, err := chunklog.ParseList(cfg.Chunks, ",")
	if err != nil {
		return fmt.Errorf("bad chunk expression %q: %w", cfg.Chunks, err)
	}
	if len(requested) == 0 {
		return fmt.Errorf("no chunks requested, use --chunks")
	}

	store, err := chunklog.NewFileStore(cfg.LogDir)
	if err != nil {
		return err
	}
	snap, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load chunk sets: %w", err)
	}
	// Assigned ids from a crashed run join the limbo seed so the next
	// checkpoint keeps their record on disk instead of overwriting it
	// with the live (empty) assigned set.
	unresolved := snap.Unresolved()
	if len(unresolved) > 0 {
		logger.Info(ctx, "recovered unresolved chunks from a previous run",
			"count", len(unresolved), "requeue", cfg.Requeue)
	}

	onTransition, closeJournal, err := buildJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeJournal != nil {
		defer closeJournal()
	}

	reg := registry.New(registry.Config{
		Target:       snap.InitialTarget(requested),
		Limbo:        unresolved,
		Completed:    snap.Completed,
		OnTransition: onTransition,
		Logger:       logger,
	})
	if cfg.Requeue && len(unresolved) > 0 {
		if err := reg.Requeue(unresolved); err != nil {
			return fmt.Errorf("failed to requeue unresolved chunks: %w", err)
		}
		logger.Info(ctx, "requeued unresolved chunks", "count", len(unresolved))
	}

	runConfig, err := buildRunConfig(cfg)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(cfg.Run)
	if cfg.MetricsListen != "" {
		ms := metrics.NewServer(cfg.MetricsListen)
		ms.Start()
		defer ms.Shutdown(context.Background())
	}

	srv, err := server.New(server.Config{
		Addr:               cfg.Listen,
		Registry:           reg,
		RunConfig:          runConfig,
		Store:              store,
		BatchLimit:         cfg.BatchLimit,
		SessionTimeout:     cfg.SessionTimeout,
		CheckpointInterval: cfg.CheckpointInterval,
		Logger:             logger,
		Metrics:            collector,
	})
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil {
		return err
	}
	fmt.Println(reg.Snapshot().Report())
	return nil
}

// buildJournal opens the transition journal database when a driver is
// configured. The returned func closes the handle.
func buildJournal(ctx context.Context, cfg config.Server, logger es.Logger) (registry.TransitionFunc, func(), error) {
	if cfg.JournalDriver == "" {
		return nil, nil, nil
	}
	db, err := sql.Open(cfg.JournalDriver, cfg.JournalDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to reach journal database: %w", err)
	}
	ph := journal.Question
	if cfg.JournalDriver == "postgres" {
		ph = journal.Dollar
	}
	j, err := journal.New(journal.Config{DB: db, Placeholders: ph})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := j.Migrate(ctx, ""); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate journal table: %w", err)
	}
	fn, drain := journalTransitionFunc(j, logger)
	return fn, func() {
		drain()
		db.Close()
	}, nil
}

// journalTransitionFunc adapts the journal to the registry hook. The
// hook runs under the registry lock, so entries go through a buffered
// channel and a single writer goroutine does the inserts. The journal
// is an audit aid: a write failure, or a full buffer, is logged but
// never allowed to block or abort the run.
func journalTransitionFunc(j *journal.SQL, logger es.Logger) (registry.TransitionFunc, func()) {
	entries := make(chan journal.Entry, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if err := j.Record(context.Background(), e); err != nil && logger != nil {
				logger.Error(context.Background(), "failed to journal transition",
					"chunk", e.ChunkID, "to", string(e.To), "error", err)
			}
		}
	}()
	fn := func(chunkID int, from, to chunkdist.ChunkState, sessionID, note string) {
		e := journal.Entry{
			ChunkID:   chunkID,
			From:      from,
			To:        to,
			SessionID: sessionID,
			Note:      note,
			At:        time.Now().UTC(),
		}
		select {
		case entries <- e:
		default:
			if logger != nil {
				logger.Error(context.Background(), "journal buffer full, dropping entry",
					"chunk", chunkID, "to", string(to))
			}
		}
	}
	drain := func() {
		close(entries)
		<-done
	}
	return fn, drain
}

// buildRunConfig assembles the payload sent to every worker, reading
// the generator spec and partitioner config files from disk.
func buildRunConfig(cfg config.Server) (chunkdist.RunConfiguration, error) {
	var rc chunkdist.RunConfiguration
	rc.GeneratorArgs = cfg.GeneratorArgs
	if cfg.GeneratorSpecFile != "" {
		raw, err := os.ReadFile(cfg.GeneratorSpecFile)
		if err != nil {
			return rc, fmt.Errorf("failed to read generator spec: %w", err)
		}
		rc.GeneratorSpec = string(raw)
	}
	for _, path := range cfg.PartitionerConfigFiles {
		raw, err := os.ReadFile(path)
		if err != nil {
			return rc, fmt.Errorf("failed to read partitioner config %s: %w", path, err)
		}
		rc.PartitionerConfigs = append(rc.PartitionerConfigs, chunkdist.ConfigFile{
			Name:     filepath.Base(path),
			Contents: string(raw),
		})
	}
	rc.Ingest = chunkdist.IngestConfig{
		Host:     cfg.IngestHost,
		Port:     cfg.IngestPort,
		AuthKey:  cfg.IngestAuthKey,
		Database: cfg.IngestDatabase,
		Skip:     cfg.IngestSkip || cfg.IngestHost == "",
	}
	return rc, nil
}
