// Package executor runs the external generator and partitioner programs
// for the worker client. Each chunk gets its own working directory under
// a configured root, so a failed chunk can be inspected and a retried
// chunk starts clean.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/getpup/pupsourcing/es"
	"github.com/skygen/chunkdist"
)

// Config configures the command-based collaborators.
type Config struct {
	// WorkDir is the root directory for chunk working directories
	// (required).
	WorkDir string

	// GeneratorCommand is the generator executable (default: "datagen").
	GeneratorCommand string

	// PartitionerCommand is the partitioner executable
	// (default: "sph-partition").
	PartitionerCommand string

	// KeepWorkDirs retains chunk working directories after successful
	// chunks instead of deleting them.
	KeepWorkDirs bool

	// Logger is for observability (optional).
	Logger es.Logger
}

// specFileName is where the generator specification payload is written
// inside each chunk directory.
const specFileName = "genspec.cfg"

// CommandExecutor implements Generator and Partitioner by running the
// configured external commands.
type CommandExecutor struct {
	config Config
}

// Compile-time checks that CommandExecutor implements both collaborators.
var (
	_ Generator   = (*CommandExecutor)(nil)
	_ Partitioner = (*CommandExecutor)(nil)
)

// NewCommandExecutor creates a CommandExecutor with the given
// configuration, applying command-name defaults.
func NewCommandExecutor(cfg Config) (*CommandExecutor, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("executor: WorkDir is required")
	}
	if cfg.GeneratorCommand == "" {
		cfg.GeneratorCommand = "datagen"
	}
	if cfg.PartitionerCommand == "" {
		cfg.PartitionerCommand = "sph-partition"
	}
	abs, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("executor: bad WorkDir: %w", err)
	}
	cfg.WorkDir = abs
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("executor: failed to create WorkDir: %w", err)
	}
	return &CommandExecutor{config: cfg}, nil
}

// ChunkDir returns the working directory for one chunk.
func (e *CommandExecutor) ChunkDir(chunkID int) string {
	return filepath.Join(e.config.WorkDir, "chunk"+strconv.Itoa(chunkID))
}

// Generate writes the spec payload into a fresh chunk directory and runs
// the generator there. It returns the csv files the generator produced.
func (e *CommandExecutor) Generate(ctx context.Context, chunkID int, run chunkdist.RunConfiguration) ([]string, error) {
	dir := e.ChunkDir(chunkID)
	// A leftover directory means a previous attempt died part way
	// through; start over rather than trusting its contents.
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear chunk dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chunk dir: %w", err)
	}
	specPath := filepath.Join(dir, specFileName)
	if err := os.WriteFile(specPath, []byte(run.GeneratorSpec), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write generator spec: %w", err)
	}

	args := strings.Fields(run.GeneratorArgs)
	args = append(args, "--chunk", strconv.Itoa(chunkID), "--spec", specFileName)
	if err := e.runCommand(ctx, dir, e.config.GeneratorCommand, args); err != nil {
		return nil, fmt.Errorf("generator failed for chunk %d: %w", chunkID, err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("generator produced no files for chunk %d", chunkID)
	}
	return files, nil
}

// Partition writes the partitioner configuration files next to the
// generated data and runs the partitioner once per input file. Output
// lands in a "partitioned" subdirectory.
func (e *CommandExecutor) Partition(ctx context.Context, chunkID int, files []string, run chunkdist.RunConfiguration) ([]string, error) {
	dir := e.ChunkDir(chunkID)
	cfgDir := filepath.Join(dir, "partition-cfgs")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partitioner cfg dir: %w", err)
	}
	var cfgArgs []string
	for _, cf := range run.PartitionerConfigs {
		path := filepath.Join(cfgDir, cf.Name)
		if err := os.WriteFile(path, []byte(cf.Contents), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write partitioner cfg %s: %w", cf.Name, err)
		}
		cfgArgs = append(cfgArgs, "--config", path)
	}
	outDir := filepath.Join(dir, "partitioned")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	for _, in := range files {
		args := append([]string{}, cfgArgs...)
		args = append(args, "--out.dir", outDir, "--in", in)
		if err := e.runCommand(ctx, dir, e.config.PartitionerCommand, args); err != nil {
			return nil, fmt.Errorf("partitioner failed for chunk %d file %s: %w",
				chunkID, filepath.Base(in), err)
		}
	}

	out, err := filepath.Glob(filepath.Join(outDir, "*"))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("partitioner produced no files for chunk %d", chunkID)
	}
	return out, nil
}

// Cleanup removes a chunk's working directory unless KeepWorkDirs is
// set. Call it after the chunk's outcome has been reported.
func (e *CommandExecutor) Cleanup(chunkID int) error {
	if e.config.KeepWorkDirs {
		return nil
	}
	return os.RemoveAll(e.ChunkDir(chunkID))
}

func (e *CommandExecutor) runCommand(ctx context.Context, dir, command string, args []string) error {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if e.config.Logger != nil {
		e.config.Logger.Debug(ctx, "ran collaborator command",
			"command", command, "args", strings.Join(args, " "), "error", err)
	}
	if err != nil {
		// The tail of the output usually has the actual complaint.
		msg := string(out)
		if len(msg) > 2048 {
			msg = msg[len(msg)-2048:]
		}
		return fmt.Errorf("%s: %w: %s", command, err, strings.TrimSpace(msg))
	}
	return nil
}
