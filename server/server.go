// Package server implements the coordinator: a TCP server that hands
// chunk batches to worker clients, routes their outcome reports into the
// chunk registry, and persists registry snapshots so a run survives
// crashes and restarts.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/getpup/pupsourcing/es"
	"github.com/skygen/chunkdist"
	"github.com/skygen/chunkdist/chunklog"
	"github.com/skygen/chunkdist/metrics"
	"github.com/skygen/chunkdist/protocol"
	"github.com/skygen/chunkdist/registry"
)

// Config holds configuration for the coordinator Server.
type Config struct {
	// Addr is the listen address, for example ":14242" (required).
	Addr string

	// Registry is the shared chunk registry for the run (required).
	Registry *registry.Registry

	// RunConfig is the immutable payload sent to every worker once
	// (required, but may be the zero value for tests).
	RunConfig chunkdist.RunConfiguration

	// Store persists registry snapshots. A snapshot write failure is
	// fatal to the run: an inconsistent on-disk state is worse than a
	// crash with no snapshot (required).
	Store chunklog.Store

	// BatchLimit caps how many chunk ids one batch may carry, regardless
	// of what the client asks for (default: 50).
	BatchLimit int

	// SessionTimeout is how long a session may stay silent before it is
	// treated as dead and its leases are abandoned (default: 5m).
	SessionTimeout time.Duration

	// CheckpointInterval is how often the registry is snapshotted to the
	// store to bound data loss (default: 1m).
	CheckpointInterval time.Duration

	// Logger is for observability (optional).
	Logger es.Logger

	// Metrics collects counters and gauges (optional).
	Metrics *metrics.Collector
}

// Server accepts worker connections and drives one session per
// connection against the shared registry. It shuts down when the
// context is cancelled or when the registry is exhausted and the last
// session has closed.
type Server struct {
	config Config

	mu       sync.Mutex
	ln       net.Listener
	sessions map[string]*session
	closing  bool

	wg       sync.WaitGroup
	drained  chan struct{}
	drainOne sync.Once
}

// New creates a Server with the given configuration.
// Applies defaults for BatchLimit, SessionTimeout and CheckpointInterval.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("server: Registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("server: Store is required")
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = time.Minute
	}
	return &Server{
		config:   cfg,
		sessions: make(map[string]*session),
		drained:  make(chan struct{}),
	}, nil
}

// Run listens, accepts workers, and blocks until the run ends. It
// returns nil on a clean finish (registry exhausted or ctx cancelled
// with the final snapshot saved) and an error when persistence fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	// The opening snapshot doubles as a write check on the store: better
	// to find a bad log directory now than after hours of generation.
	if err := s.checkpoint(ctx); err != nil {
		ln.Close()
		return err
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "coordinator listening",
			"addr", ln.Addr().String(), "batchLimit", s.config.BatchLimit)
	}

	go s.acceptLoop(ctx)

	// A run restarted after everything completed (or with an emptied
	// target file) is over before the first worker connects.
	s.maybeDrain()

	ticker := time.NewTicker(s.config.CheckpointInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-s.drained:
			break loop
		case <-ticker.C:
			if err := s.checkpoint(ctx); err != nil {
				runErr = err
				break loop
			}
			s.maybeDrain()
		}
	}

	s.shutdown()
	s.wg.Wait()

	// Persist the end state even after a checkpoint failure; if this
	// save also fails the original error wins.
	if err := s.checkpoint(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	s.logSummary(ctx)
	return runErr
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Summary returns the registry's final accounting.
func (s *Server) Summary() chunkdist.Summary {
	return s.config.Registry.Summary()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return
		}
		sess := newSession(s, protocol.NewConn(conn))
		s.sessions[sess.id] = sess
		active := len(s.sessions)
		// Registered under the lock so shutdown's wg.Wait cannot
		// complete with this session's goroutine still unstarted.
		s.wg.Add(1)
		s.mu.Unlock()

		if s.config.Metrics != nil {
			s.config.Metrics.IncSessionsOpened()
			s.config.Metrics.SetActiveSessions(active)
		}
		go func() {
			defer s.wg.Done()
			sess.run(ctx)
			s.sessionClosed(sess)
		}()
	}
}

// sessionClosed removes a finished session and ends the run when the
// registry is exhausted and no workers remain connected.
func (s *Server) sessionClosed(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	active := len(s.sessions)
	s.mu.Unlock()

	if s.config.Metrics != nil {
		s.config.Metrics.SetActiveSessions(active)
	}
	s.maybeDrain()
}

// maybeDrain ends the run once the registry is exhausted and no
// sessions remain. Safe to call from any goroutine, any number of
// times.
func (s *Server) maybeDrain() {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()

	if active == 0 && s.config.Registry.Exhausted() {
		s.drainOne.Do(func() { close(s.drained) })
	}
}

// shutdown stops accepting and closes every open session. Closing a
// session's connection makes its read loop fail, which resolves its
// leases through abandon before the final snapshot is taken.
func (s *Server) shutdown() {
	s.mu.Lock()
	s.closing = true
	if s.ln != nil {
		s.ln.Close()
	}
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.conn.Close()
	}
}

// checkpoint persists the current registry snapshot. Failures are fatal
// to the run per the persistence contract.
func (s *Server) checkpoint(ctx context.Context) error {
	start := time.Now()
	snap := s.config.Registry.Snapshot()
	if err := s.config.Store.Save(ctx, snap); err != nil {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "snapshot save failed", "error", err)
		}
		return fmt.Errorf("failed to persist chunk sets: %w", err)
	}
	if s.config.Metrics != nil {
		s.config.Metrics.ObserveCheckpointDuration(time.Since(start).Seconds())
		s.config.Metrics.SetTargetRemaining(len(snap.Target))
	}
	return nil
}

func (s *Server) logSummary(ctx context.Context) {
	if s.config.Logger == nil {
		return
	}
	sum := s.config.Registry.Summary()
	s.config.Logger.Info(ctx, "run finished",
		"completed", len(sum.Completed),
		"limbo", len(sum.Limbo),
		"neverAssigned", len(sum.Target),
		"limboIDs", sum.Limbo)
}

// closeReason classifies why a session read loop stopped, for logs and
// metrics. io.EOF and closed-connection errors read as disconnects.
func closeReason(err error) string {
	switch {
	case err == nil:
		return "bye"
	case errors.Is(err, chunkdist.ErrGiveUp):
		return "give_up"
	case errors.Is(err, chunkdist.ErrSessionTimeout):
		return "timeout"
	case errors.Is(err, chunkdist.ErrProtocol):
		return "protocol_error"
	default:
		return "disconnect"
	}
}
