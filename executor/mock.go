package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/skygen/chunkdist"
)

// MockGenerator is a mock implementation of Generator for testing.
type MockGenerator struct {
	mu            sync.Mutex
	GenerateFunc  func(ctx context.Context, chunkID int, run chunkdist.RunConfiguration) ([]string, error)
	GenerateCalls []GenerateCall
}

// GenerateCall records the parameters of a single Generate call.
type GenerateCall struct {
	ChunkID int
	Run     chunkdist.RunConfiguration
}

// NewMockGenerator creates a new MockGenerator with an empty call history.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		GenerateCalls: make([]GenerateCall, 0),
	}
}

// Generate implements the Generator interface.
// It records the call parameters, then:
// - If GenerateFunc is set, calls and returns it
// - Otherwise, returns a single synthetic file name for the chunk
func (m *MockGenerator) Generate(ctx context.Context, chunkID int, run chunkdist.RunConfiguration) ([]string, error) {
	m.mu.Lock()
	m.GenerateCalls = append(m.GenerateCalls, GenerateCall{
		ChunkID: chunkID,
		Run:     run,
	})
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, chunkID, run)
	}
	return []string{fmt.Sprintf("chunk%d.csv", chunkID)}, nil
}

// Reset clears the call history.
func (m *MockGenerator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GenerateCalls = make([]GenerateCall, 0)
}

// MockPartitioner is a mock implementation of Partitioner for testing.
type MockPartitioner struct {
	mu             sync.Mutex
	PartitionFunc  func(ctx context.Context, chunkID int, files []string, run chunkdist.RunConfiguration) ([]string, error)
	PartitionCalls []PartitionCall
}

// PartitionCall records the parameters of a single Partition call.
type PartitionCall struct {
	ChunkID int
	Files   []string
	Run     chunkdist.RunConfiguration
}

// NewMockPartitioner creates a new MockPartitioner with an empty call history.
func NewMockPartitioner() *MockPartitioner {
	return &MockPartitioner{
		PartitionCalls: make([]PartitionCall, 0),
	}
}

// Partition implements the Partitioner interface.
// It records the call parameters, then:
// - If PartitionFunc is set, calls and returns it
// - Otherwise, echoes the input files back unchanged
func (m *MockPartitioner) Partition(ctx context.Context, chunkID int, files []string, run chunkdist.RunConfiguration) ([]string, error) {
	m.mu.Lock()
	m.PartitionCalls = append(m.PartitionCalls, PartitionCall{
		ChunkID: chunkID,
		Files:   files,
		Run:     run,
	})
	m.mu.Unlock()

	if m.PartitionFunc != nil {
		return m.PartitionFunc(ctx, chunkID, files, run)
	}
	return files, nil
}

// Reset clears the call history.
func (m *MockPartitioner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PartitionCalls = make([]PartitionCall, 0)
}

// MockIngestor is a mock implementation of Ingestor for testing.
type MockIngestor struct {
	mu           sync.Mutex
	PublishFunc  func(ctx context.Context, chunkID int, files []string) error
	PublishCalls []PublishCall
}

// PublishCall records the parameters of a single Publish call.
type PublishCall struct {
	ChunkID int
	Files   []string
}

// NewMockIngestor creates a new MockIngestor with an empty call history.
func NewMockIngestor() *MockIngestor {
	return &MockIngestor{
		PublishCalls: make([]PublishCall, 0),
	}
}

// Publish implements the Ingestor interface.
// It records the call parameters, then:
// - If PublishFunc is set, calls and returns it
// - Otherwise, returns nil
func (m *MockIngestor) Publish(ctx context.Context, chunkID int, files []string) error {
	m.mu.Lock()
	m.PublishCalls = append(m.PublishCalls, PublishCall{
		ChunkID: chunkID,
		Files:   files,
	})
	m.mu.Unlock()

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, chunkID, files)
	}
	return nil
}

// Reset clears the call history.
func (m *MockIngestor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalls = make([]PublishCall, 0)
}
