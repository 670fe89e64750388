package chunkdist

import "errors"

var (
	// ErrUnknownChunk indicates a report for a chunk id that is not
	// currently assigned (duplicate or stale report). Logged by the
	// server, never fatal to a session.
	ErrUnknownChunk = errors.New("chunk not assigned")

	// ErrNotInLimbo indicates a requeue request for a chunk id that is
	// not in the limbo set.
	ErrNotInLimbo = errors.New("chunk not in limbo")

	// ErrProtocol indicates a malformed or out-of-sequence wire message.
	// Terminates the offending session only.
	ErrProtocol = errors.New("protocol error")

	// ErrSessionTimeout indicates a session saw no activity within the
	// configured interval and was forcibly closed, abandoning its leases.
	ErrSessionTimeout = errors.New("session timed out")

	// ErrGiveUp indicates the worker decided it cannot make further
	// progress and deliberately ended its session.
	ErrGiveUp = errors.New("worker gave up")
)
