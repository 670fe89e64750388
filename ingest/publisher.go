package ingest

import (
	"context"
	"fmt"

	"github.com/skygen/chunkdist/executor"
)

// ChunkPublisher publishes a chunk's partitioned files inside a single
// ingest transaction. The transaction is aborted if any file fails, so
// a half-ingested chunk never becomes visible.
type ChunkPublisher struct {
	client   *Client
	database string
	table    string
}

var _ executor.Ingestor = (*ChunkPublisher)(nil)

// NewChunkPublisher creates a publisher targeting one database table.
func NewChunkPublisher(client *Client, database, table string) (*ChunkPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("ingest client is required")
	}
	if database == "" || table == "" {
		return nil, fmt.Errorf("database and table are required")
	}
	return &ChunkPublisher{client: client, database: database, table: table}, nil
}

// Publish implements executor.Ingestor.
func (p *ChunkPublisher) Publish(ctx context.Context, chunkID int, files []string) error {
	transID, err := p.client.StartTransaction(ctx, p.database)
	if err != nil {
		return err
	}

	host, port, err := p.client.ChunkLocation(ctx, transID, chunkID)
	if err != nil {
		p.abort(ctx, transID)
		return err
	}
	for _, f := range files {
		if err := p.client.SendFile(ctx, host, port, transID, p.table, f); err != nil {
			p.abort(ctx, transID)
			return err
		}
	}

	if err := p.client.EndTransaction(ctx, transID, false); err != nil {
		return err
	}
	p.client.logDebug(ctx, "chunk ingested",
		"chunk", chunkID, "files", len(files), "transaction", transID)
	return nil
}

// abort rolls back a transaction after a failure. The original failure
// is what gets reported, so an abort error is only logged.
func (p *ChunkPublisher) abort(ctx context.Context, transID int) {
	if err := p.client.EndTransaction(ctx, transID, true); err != nil {
		if p.client.logger != nil {
			p.client.logger.Error(ctx, "failed to abort ingest transaction",
				"transaction", transID, "error", err)
		}
	}
}
