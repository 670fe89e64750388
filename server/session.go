package server

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/skygen/chunkdist"
	"github.com/skygen/chunkdist/protocol"
)

// session drives the protocol for one connected worker. It owns the
// read side of the connection and the set of chunk ids leased to this
// worker; both live and die with the session goroutine.
type session struct {
	id     string
	client string
	conn   *protocol.Conn
	srv    *Server

	// leased holds ids handed out but not yet reported. No lock: only
	// the session goroutine touches it.
	leased map[int]struct{}
}

func newSession(srv *Server, conn *protocol.Conn) *session {
	return &session{
		id:     uuid.New().String(),
		conn:   conn,
		srv:    srv,
		leased: make(map[int]struct{}),
	}
}

// run performs the handshake and then serves the pull loop until the
// worker disconnects, gives up, says bye, or goes silent past the
// session timeout. Whatever the exit path, leases without a matching
// report are abandoned: an unresolved assignment is never assumed
// complete.
func (s *session) run(ctx context.Context) {
	defer s.conn.Close()

	err := s.handshake()
	if err == nil {
		err = s.serve(ctx)
	}

	s.resolveLeases(ctx)

	reason := closeReason(err)
	if s.srv.config.Metrics != nil {
		s.srv.config.Metrics.IncSessionsClosed(reason)
	}
	if s.srv.config.Logger != nil {
		s.srv.config.Logger.Info(ctx, "session closed",
			"sessionID", s.id, "client", s.client,
			"remote", s.conn.RemoteAddr(), "reason", reason)
	}
}

// handshake waits for Hello and answers with the run configuration.
func (s *session) handshake() error {
	msg, err := s.conn.Read(s.srv.config.SessionTimeout)
	if err != nil {
		return s.readErr(err)
	}
	if msg.Type != protocol.TypeHello {
		return fmt.Errorf("%w: expected hello, got %s", chunkdist.ErrProtocol, msg.Type)
	}
	s.client = msg.ClientID
	cfg := s.srv.config.RunConfig
	return s.conn.Write(protocol.Message{Type: protocol.TypeConfig, Config: &cfg})
}

func (s *session) serve(ctx context.Context) error {
	for {
		msg, err := s.conn.Read(s.srv.config.SessionTimeout)
		if err != nil {
			return s.readErr(err)
		}
		switch msg.Type {
		case protocol.TypeRequestBatch:
			if err := s.handleRequestBatch(ctx, msg.BatchSize); err != nil {
				return err
			}
		case protocol.TypeReport:
			if msg.Report == nil {
				return fmt.Errorf("%w: report without outcome", chunkdist.ErrProtocol)
			}
			s.handleReport(ctx, *msg.Report)
		case protocol.TypeGiveUp:
			for _, outcome := range msg.Outcomes {
				s.handleReport(ctx, outcome)
			}
			return chunkdist.ErrGiveUp
		case protocol.TypePing:
			// Activity only; reading it already reset the idle deadline.
		case protocol.TypeBye:
			return nil
		default:
			return fmt.Errorf("%w: unexpected %s message", chunkdist.ErrProtocol, msg.Type)
		}
	}
}

// handleRequestBatch takes up to the server cap from the registry and
// sends the batch. An empty batch is a valid answer and tells the
// worker the target set is drained; the registry may still hold
// assigned ids owned by other sessions, so the worker must not infer
// run completion from it.
func (s *session) handleRequestBatch(ctx context.Context, requested int) error {
	n := requested
	if n <= 0 || n > s.srv.config.BatchLimit {
		n = s.srv.config.BatchLimit
	}
	ids := s.srv.config.Registry.Take(n, s.id)
	for _, id := range ids {
		s.leased[id] = struct{}{}
	}
	if s.srv.config.Metrics != nil {
		s.srv.config.Metrics.AddChunksAssigned(len(ids))
		target, _, _, _ := s.srv.config.Registry.Counts()
		s.srv.config.Metrics.SetTargetRemaining(target)
	}
	if s.srv.config.Logger != nil {
		s.srv.config.Logger.Debug(ctx, "batch assigned",
			"sessionID", s.id, "client", s.client, "requested", requested, "sent", len(ids))
	}
	return s.conn.Write(protocol.Message{Type: protocol.TypeBatch, Chunks: ids})
}

// handleReport routes one outcome into the registry. Reports for ids
// this session does not hold are forwarded anyway; the registry decides
// whether they are stale and the session merely logs the rejection.
func (s *session) handleReport(ctx context.Context, outcome chunkdist.Outcome) {
	delete(s.leased, outcome.ChunkID)
	err := s.srv.config.Registry.Report(outcome, s.id)
	if err != nil {
		if s.srv.config.Logger != nil {
			s.srv.config.Logger.Error(ctx, "rejected chunk report",
				"sessionID", s.id, "chunkID", outcome.ChunkID, "error", err)
		}
		return
	}
	if s.srv.config.Metrics != nil {
		if outcome.Succeeded {
			s.srv.config.Metrics.IncChunksCompleted()
		} else {
			s.srv.config.Metrics.AddChunksLimbo(1)
		}
	}
}

// resolveLeases abandons every id still attributed to this session.
func (s *session) resolveLeases(ctx context.Context) {
	if len(s.leased) == 0 {
		return
	}
	ids := make([]int, 0, len(s.leased))
	for id := range s.leased {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	s.srv.config.Registry.Abandon(ids, s.id)
	if s.srv.config.Metrics != nil {
		s.srv.config.Metrics.AddChunksLimbo(len(ids))
	}
	if s.srv.config.Logger != nil {
		s.srv.config.Logger.Info(ctx, "abandoned unreported chunks",
			"sessionID", s.id, "client", s.client, "chunkIDs", ids)
	}
}

// readErr maps read failures onto the error taxonomy: deadline expiry
// becomes ErrSessionTimeout, everything else passes through (protocol
// errors already carry ErrProtocol, disconnects stay raw).
func (s *session) readErr(err error) error {
	if protocol.IsTimeout(err) {
		return chunkdist.ErrSessionTimeout
	}
	return err
}
