// chunkdist-client runs a worker: it connects to the coordinator, pulls
// chunk batches and runs the generate/partition/publish pipeline for
// each chunk until the coordinator runs out of work.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skygen/chunkdist"
	"github.com/skygen/chunkdist/client"
	"github.com/skygen/chunkdist/config"
	"github.com/skygen/chunkdist/executor"
	"github.com/skygen/chunkdist/ingest"
	"github.com/skygen/chunkdist/internal/logging"
	"github.com/skygen/chunkdist/metrics"
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
		Use:           "chunkdist-client",
		Short:         "process chunk batches for a chunkdist coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadClient(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.ClientFlags(cmd)
	return cmd
}

func run(ctx context.Context, cfg config.Client) error {
	logger := logging.New(logging.Level(cfg.LogLevel), "app", "chunkdist-client", "run", cfg.Run)

	exec, err := executor.NewCommandExecutor(executor.Config{
		WorkDir:            cfg.WorkDir,
		GeneratorCommand:   cfg.GeneratorCommand,
		PartitionerCommand: cfg.PartitionerCommand,
		KeepWorkDirs:       cfg.KeepWorkDirs,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(cfg.Run)
	if cfg.MetricsListen != "" {
		ms := metrics.NewServer(cfg.MetricsListen)
		ms.Start()
		defer ms.Shutdown(context.Background())
	}

	c, err := client.New(client.Config{
		Addr:        cfg.Addr,
		Generator:   exec,
		Partitioner: exec,
		IngestorFactory: func(rc chunkdist.RunConfiguration) (executor.Ingestor, error) {
			ic, err := ingest.FromRunConfig(rc.Ingest, logger)
			if err != nil || ic == nil {
				return nil, err
			}
			if err := ic.Alive(ctx); err != nil {
				return nil, fmt.Errorf("ingest system not reachable: %w", err)
			}
			return ingest.NewChunkPublisher(ic, rc.Ingest.Database, cfg.IngestTable)
		},
		BatchSize:              cfg.BatchSize,
		Parallelism:            cfg.Parallelism,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		KeepAliveInterval:      cfg.KeepAliveInterval,
		Logger:                 logger,
		Metrics:                collector,
	})
	if err != nil {
		return err
	}
	if err := c.Run(ctx); err != nil {
		return err
	}
	fmt.Printf("completed %d chunks\n", c.Completed())
	return nil
}
