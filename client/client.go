// Package client implements the worker side of the chunk distribution
// protocol. A client connects to the coordinator, pulls batches of chunk
// ids, runs the generate/partition/publish pipeline for each chunk, and
// reports every outcome back before asking for more work.
package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/getpup/pupsourcing/es"
	"github.com/google/uuid"

	"github.com/skygen/chunkdist"
	"github.com/skygen/chunkdist/executor"
	"github.com/skygen/chunkdist/metrics"
	"github.com/skygen/chunkdist/protocol"
)

const (
	// DefaultBatchSize is the default number of chunks requested per batch
	DefaultBatchSize = 5

	// DefaultParallelism is the default number of chunks processed concurrently
	DefaultParallelism = 1

	// DefaultMaxConsecutiveFailures is the default failure streak that
	// makes the client give up its remaining work
	DefaultMaxConsecutiveFailures = 3

	// DefaultKeepAliveInterval is the default time between keep-alive pings
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultReadTimeout is the default timeout for a single coordinator reply
	DefaultReadTimeout = 2 * time.Minute
)

// Config configures client behavior
type Config struct {
	// Addr is the coordinator address to connect to (required)
	Addr string

	// ClientID identifies this client to the coordinator.
	// Defaults to hostname plus a fresh UUID.
	ClientID string

	// Generator produces chunk data files (required)
	Generator executor.Generator

	// Partitioner splits generated files into spatial pieces (required)
	Partitioner executor.Partitioner

	// Ingestor publishes partitioned files (optional; publishing is
	// skipped when nil or when the run configuration says to skip it)
	Ingestor executor.Ingestor

	// IngestorFactory builds an Ingestor from the run configuration
	// received during the handshake. Used only when Ingestor is nil.
	// Returning a nil Ingestor disables publishing.
	IngestorFactory func(run chunkdist.RunConfiguration) (executor.Ingestor, error)

	// BatchSize is the number of chunks requested per batch
	BatchSize int

	// Parallelism is the number of chunks processed concurrently
	Parallelism int

	// MaxConsecutiveFailures is the failure streak after which the
	// client gives up instead of requesting more work
	MaxConsecutiveFailures int

	// KeepAliveInterval is the time between pings while processing
	KeepAliveInterval time.Duration

	// ReadTimeout bounds each wait for a coordinator reply
	ReadTimeout time.Duration

	// Logger is for observability (optional)
	Logger es.Logger

	// Metrics records client-side processing metrics (optional)
	Metrics *metrics.Collector
}

// Client pulls chunk batches from a coordinator and processes them.
type Client struct {
	config Config

	mu        sync.Mutex
	run       chunkdist.RunConfiguration
	ingestor  executor.Ingestor
	completed int
	failed    int
	streak    int
}

// New creates a client with the given configuration, applying defaults.
func New(config Config) (*Client, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("coordinator address is required")
	}
	if config.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if config.Partitioner == nil {
		return nil, fmt.Errorf("partitioner is required")
	}
	if config.ClientID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		config.ClientID = fmt.Sprintf("%s-%s", hostname, uuid.New().String())
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Parallelism <= 0 {
		config.Parallelism = DefaultParallelism
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	return &Client{config: config, ingestor: config.Ingestor}, nil
}

// ID returns the client's identifier.
func (c *Client) ID() string {
	return c.config.ClientID
}

// Completed returns how many chunks this client has completed so far.
func (c *Client) Completed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Run connects to the coordinator and processes batches until the
// coordinator reports exhaustion, the context is cancelled, or the
// failure streak forces a give-up. A clean exhaustion returns nil.
func (c *Client) Run(ctx context.Context) error {
	netConn, err := net.Dial("tcp", c.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	conn := protocol.NewConn(netConn)
	defer conn.Close()

	// Closing the connection is the only way to interrupt a blocked
	// read, so watch the context from a side goroutine.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	if err := c.handshake(conn); err != nil {
		return err
	}
	c.logInfo(ctx, "connected to coordinator", "addr", c.config.Addr, "client_id", c.config.ClientID)

	stopPing := c.startKeepAlive(ctx, conn)
	defer stopPing()

	for {
		chunks, err := c.requestBatch(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(chunks) == 0 {
			// Empty batch means the coordinator has nothing left.
			if err := conn.Write(protocol.Message{Type: protocol.TypeBye}); err != nil {
				c.logError(ctx, "failed to send bye", "error", err)
			}
			c.logInfo(ctx, "no work remaining, disconnecting", "completed", c.Completed())
			return nil
		}

		c.processBatch(ctx, conn, chunks)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.giveUpReached() {
			if err := conn.Write(protocol.Message{Type: protocol.TypeGiveUp}); err != nil {
				c.logError(ctx, "failed to send give-up", "error", err)
			}
			return fmt.Errorf("%w after %d consecutive failures",
				chunkdist.ErrGiveUp, c.config.MaxConsecutiveFailures)
		}
	}
}

// handshake introduces the client and captures the run configuration.
func (c *Client) handshake(conn *protocol.Conn) error {
	if err := conn.Write(protocol.Message{
		Type:     protocol.TypeHello,
		ClientID: c.config.ClientID,
	}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}
	reply, err := conn.Read(c.config.ReadTimeout)
	if err != nil {
		return fmt.Errorf("failed to read run configuration: %w", err)
	}
	if reply.Type != protocol.TypeConfig || reply.Config == nil {
		return fmt.Errorf("%w: expected config, got %q", chunkdist.ErrProtocol, reply.Type)
	}
	run := *reply.Config
	ing := c.config.Ingestor
	if ing == nil && c.config.IngestorFactory != nil && !run.Ingest.Skip {
		ing, err = c.config.IngestorFactory(run)
		if err != nil {
			return fmt.Errorf("failed to build ingestor: %w", err)
		}
	}
	c.mu.Lock()
	c.run = run
	c.ingestor = ing
	c.mu.Unlock()
	return nil
}

// requestBatch asks for the next batch of chunk ids.
func (c *Client) requestBatch(conn *protocol.Conn) ([]int, error) {
	if err := conn.Write(protocol.Message{
		Type:      protocol.TypeRequestBatch,
		BatchSize: c.config.BatchSize,
	}); err != nil {
		return nil, fmt.Errorf("failed to request batch: %w", err)
	}
	reply, err := conn.Read(c.config.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	if reply.Type != protocol.TypeBatch {
		return nil, fmt.Errorf("%w: expected batch, got %q", chunkdist.ErrProtocol, reply.Type)
	}
	return reply.Chunks, nil
}

// processBatch runs the pipeline for every chunk in the batch, bounded
// by the configured parallelism. Each outcome is reported as soon as
// the chunk finishes; the coordinator holds the lease until then.
func (c *Client) processBatch(ctx context.Context, conn *protocol.Conn, chunks []int) {
	sem := make(chan struct{}, c.config.Parallelism)
	var wg sync.WaitGroup
	for _, chunkID := range chunks {
		if ctx.Err() != nil || c.giveUpReached() {
			// Unstarted chunks stay leased; the coordinator moves
			// them to limbo when the session ends.
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(chunkID int) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := c.processChunk(ctx, chunkID)
			c.record(outcome)
			if err := conn.Write(protocol.Message{
				Type:   protocol.TypeReport,
				Report: &outcome,
			}); err != nil {
				c.logError(ctx, "failed to report outcome",
					"chunk", chunkID, "error", err)
			}
		}(chunkID)
	}
	wg.Wait()
}

// processChunk runs generate, partition and publish for one chunk.
func (c *Client) processChunk(ctx context.Context, chunkID int) chunkdist.Outcome {
	c.mu.Lock()
	run := c.run
	ing := c.ingestor
	c.mu.Unlock()

	fail := func(stage string, err error) chunkdist.Outcome {
		c.logError(ctx, "chunk failed", "chunk", chunkID, "stage", stage, "error", err)
		return chunkdist.Outcome{
			ChunkID: chunkID,
			Message: fmt.Sprintf("%s: %v", stage, err),
		}
	}

	start := time.Now()
	files, err := c.config.Generator.Generate(ctx, chunkID, run)
	if err != nil {
		return fail("generate", err)
	}
	c.observeStage("generate", start)

	start = time.Now()
	pieces, err := c.config.Partitioner.Partition(ctx, chunkID, files, run)
	if err != nil {
		return fail("partition", err)
	}
	c.observeStage("partition", start)

	if ing != nil && !run.Ingest.Skip {
		start = time.Now()
		if err := ing.Publish(ctx, chunkID, pieces); err != nil {
			return fail("publish", err)
		}
		c.observeStage("publish", start)
	}

	// Failed chunks keep their working directory for inspection, so
	// cleanup happens only on the success path.
	if cl, ok := c.config.Generator.(interface{ Cleanup(chunkID int) error }); ok {
		if err := cl.Cleanup(chunkID); err != nil {
			c.logError(ctx, "failed to clean chunk dir", "chunk", chunkID, "error", err)
		}
	}

	c.logDebug(ctx, "chunk completed", "chunk", chunkID, "files", len(pieces))
	return chunkdist.Outcome{ChunkID: chunkID, Succeeded: true}
}

// startKeepAlive pings the coordinator periodically so long chunk runs
// do not trip the session idle timeout. The returned func stops it.
func (c *Client) startKeepAlive(ctx context.Context, conn *protocol.Conn) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.config.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.Write(protocol.Message{Type: protocol.TypePing}); err != nil {
					// The main loop will surface the broken connection.
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-done
	}
}

// record updates the success/failure counters from one outcome.
func (c *Client) record(outcome chunkdist.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if outcome.Succeeded {
		c.completed++
		c.streak = 0
		return
	}
	c.failed++
	c.streak++
}

func (c *Client) giveUpReached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streak >= c.config.MaxConsecutiveFailures
}

func (c *Client) observeStage(stage string, start time.Time) {
	if c.config.Metrics == nil {
		return
	}
	c.config.Metrics.ObserveChunkStage(stage, time.Since(start).Seconds())
}

func (c *Client) logDebug(ctx context.Context, msg string, kv ...any) {
	if c.config.Logger != nil {
		c.config.Logger.Debug(ctx, msg, kv...)
	}
}

func (c *Client) logInfo(ctx context.Context, msg string, kv ...any) {
	if c.config.Logger != nil {
		c.config.Logger.Info(ctx, msg, kv...)
	}
}

func (c *Client) logError(ctx context.Context, msg string, kv ...any) {
	if c.config.Logger != nil {
		c.config.Logger.Error(ctx, msg, kv...)
	}
}
