package journal

import "fmt"

// DefaultTable is the journal table name used when none is configured.
const DefaultTable = "chunk_transitions"

// MigrationUp returns the SQL to create the journal table. The DDL
// sticks to types sqlite, mysql and postgres all accept, since the
// journal is expected to run against any of the three.
func MigrationUp(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    chunk_id INTEGER NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    session_id TEXT NOT NULL,
    note TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`, table)
}

// MigrationDown returns the SQL to drop the journal table.
func MigrationDown(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", table)
}
