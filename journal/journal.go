// Package journal records chunk state transitions in a SQL database for
// post-mortem reconciliation. The journal is strictly an audit trail:
// run correctness never depends on it, and a write failure is reported
// but must not stop the run.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/skygen/chunkdist"
)

// Recorder is the write side of the journal, consumed by the server.
type Recorder interface {
	// Record appends one transition entry.
	Record(ctx context.Context, e Entry) error
}

// Entry is one chunk state transition.
type Entry struct {
	ChunkID   int
	From      chunkdist.ChunkState
	To        chunkdist.ChunkState
	SessionID string
	Note      string
	At        time.Time
}

// Placeholders selects the bind-parameter style of the target database.
type Placeholders int

const (
	// Question uses "?" markers (sqlite, mysql).
	Question Placeholders = iota

	// Dollar uses "$1".."$n" markers (postgres).
	Dollar
)

// Config holds configuration for a SQL journal.
type Config struct {
	// DB is the open database handle (required).
	DB *sql.DB

	// Table is the journal table name (default: chunk_transitions).
	Table string

	// Placeholders matches the driver's bind style (default: Question).
	Placeholders Placeholders
}

// SQL writes journal entries through database/sql. Safe for concurrent
// use; *sql.DB does its own pooling.
type SQL struct {
	db     *sql.DB
	insert string
}

// Compile-time check that SQL implements Recorder.
var _ Recorder = (*SQL)(nil)

// New creates a SQL journal with the given configuration.
func New(cfg Config) (*SQL, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("journal: DB is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	insert := fmt.Sprintf(
		"INSERT INTO %s (chunk_id, from_state, to_state, session_id, note, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		cfg.Table)
	if cfg.Placeholders == Dollar {
		insert = rebind(insert)
	}
	return &SQL{db: cfg.DB, insert: insert}, nil
}

// Record appends one transition entry. A zero At defaults to now.
func (s *SQL) Record(ctx context.Context, e Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		e.ChunkID, string(e.From), string(e.To), e.SessionID, e.Note, at)
	if err != nil {
		return fmt.Errorf("failed to record transition for chunk %d: %w", e.ChunkID, err)
	}
	return nil
}

// Migrate creates the journal table if it does not exist.
func (s *SQL) Migrate(ctx context.Context, table string) error {
	if table == "" {
		table = DefaultTable
	}
	if _, err := s.db.ExecContext(ctx, MigrationUp(table)); err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}
	return nil
}

// rebind converts "?" markers to "$1".."$n" for postgres.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
