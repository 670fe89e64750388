// Package protocol defines the wire messages exchanged between the
// coordinator server and worker clients, and a small framing layer over
// a stream connection. Messages are newline-delimited JSON objects; the
// framing is an implementation detail of this package, the message
// semantics are the contract.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/skygen/chunkdist"
)

// Type identifies a wire message.
type Type string

const (
	// TypeHello opens a session (client to server).
	TypeHello Type = "hello"

	// TypeConfig carries the one-time run configuration payload
	// (server to client).
	TypeConfig Type = "config"

	// TypeRequestBatch asks for up to BatchSize chunk ids
	// (client to server).
	TypeRequestBatch Type = "request_batch"

	// TypeBatch carries the assigned chunk ids; an empty Chunks slice is
	// the exhaustion signal (server to client).
	TypeBatch Type = "batch"

	// TypeReport carries one chunk outcome (client to server, any time
	// while working).
	TypeReport Type = "report"

	// TypeGiveUp carries any final outcomes and announces a deliberate
	// stop; the server abandons the rest of the session's leases
	// (client to server).
	TypeGiveUp Type = "give_up"

	// TypePing keeps an otherwise silent session alive during long
	// generation (client to server).
	TypePing Type = "ping"

	// TypeBye closes the session cleanly (either direction).
	TypeBye Type = "bye"
)

// Message is the envelope for every wire exchange. Only the fields
// relevant to Type are populated.
type Message struct {
	Type Type `json:"type"`

	// ClientID identifies the worker (Hello).
	ClientID string `json:"client_id,omitempty"`

	// Config is the run configuration payload (Config).
	Config *chunkdist.RunConfiguration `json:"config,omitempty"`

	// BatchSize is the requested maximum batch size (RequestBatch).
	BatchSize int `json:"batch_size,omitempty"`

	// Chunks are the assigned chunk ids (Batch).
	Chunks []int `json:"chunks,omitempty"`

	// Report is a single chunk outcome (Report).
	Report *chunkdist.Outcome `json:"report,omitempty"`

	// Outcomes are the final resolved outcomes (GiveUp).
	Outcomes []chunkdist.Outcome `json:"outcomes,omitempty"`
}

// MaxMessageBytes bounds a single frame. A batch of a thousand chunk
// ids is well under this; anything larger is a protocol violation.
const MaxMessageBytes = 1 << 20

// Conn frames Messages over a stream connection. Writes are serialized
// internally so a client may report outcomes from several goroutines at
// once; reads must stay on a single goroutine.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewConn wraps an established stream connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
		w:    bufio.NewWriterSize(conn, 64*1024),
	}
}

// Write sends one message. Safe for concurrent use.
func (c *Conn) Write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s message: %w", msg.Type, err)
	}
	return nil
}

// Read receives the next message. A non-zero timeout bounds how long the
// read may block; hitting it returns a timeout network error the caller
// can distinguish with net.Error.Timeout(). Malformed frames return an
// error wrapping chunkdist.ErrProtocol.
func (c *Conn) Read(timeout time.Duration) (Message, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Message{}, err
		}
	} else {
		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return Message{}, err
		}
	}
	line, err := c.readFrame()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", chunkdist.ErrProtocol, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing message type", chunkdist.ErrProtocol)
	}
	return msg, nil
}

// readFrame accumulates one newline-terminated frame, enforcing
// MaxMessageBytes while reading so a peer that never sends the
// delimiter cannot grow the buffer without bound.
func (c *Conn) readFrame() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxMessageBytes {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", chunkdist.ErrProtocol, MaxMessageBytes)
		}
		switch err {
		case nil:
			return line, nil
		case bufio.ErrBufferFull:
			continue
		default:
			return nil, err
		}
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// IsTimeout reports whether err is a network timeout, i.e. the read
// deadline from Conn.Read expired.
func IsTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
