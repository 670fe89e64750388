package protocol

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygen/chunkdist"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a), NewConn(b)
}

func TestConn_WriteReadRoundTrip(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		_ = client.Write(Message{Type: TypeHello, ClientID: "worker-1"})
	}()

	msg, err := server.Read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeHello, msg.Type)
	assert.Equal(t, "worker-1", msg.ClientID)
}

func TestConn_CarriesRunConfiguration(t *testing.T) {
	client, server := pipeConns(t)

	cfg := chunkdist.RunConfiguration{
		GeneratorArgs: "--objects 10000",
		GeneratorSpec: "spec contents",
		PartitionerConfigs: []chunkdist.ConfigFile{
			{Name: "object.cfg", Contents: "id = objectId"},
		},
		Ingest: chunkdist.IngestConfig{Host: "ingest.local", Port: 25080, Database: "cat"},
	}
	go func() {
		_ = server.Write(Message{Type: TypeConfig, Config: &cfg})
	}()

	msg, err := client.Read(time.Second)
	require.NoError(t, err)
	require.Equal(t, TypeConfig, msg.Type)
	require.NotNil(t, msg.Config)
	assert.Equal(t, cfg, *msg.Config)
}

func TestConn_CarriesBatchAndReport(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		_ = server.Write(Message{Type: TypeBatch, Chunks: []int{4, 5, 6}})
	}()
	msg, err := client.Read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5, 6}, msg.Chunks)

	go func() {
		_ = client.Write(Message{
			Type:   TypeReport,
			Report: &chunkdist.Outcome{ChunkID: 5, Succeeded: false, Message: "generator exit 2"},
		})
	}()
	msg, err = server.Read(time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg.Report)
	assert.Equal(t, 5, msg.Report.ChunkID)
	assert.False(t, msg.Report.Succeeded)
	assert.Equal(t, "generator exit 2", msg.Report.Message)
}

func TestConn_EmptyBatchRoundTripsAsEmpty(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		_ = server.Write(Message{Type: TypeBatch})
	}()
	msg, err := client.Read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeBatch, msg.Type)
	assert.Empty(t, msg.Chunks)
}

func TestConn_MalformedFrameIsProtocolError(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	server := NewConn(b)

	go func() {
		_, _ = a.Write([]byte("this is not json\n"))
	}()

	_, err := server.Read(time.Second)
	assert.ErrorIs(t, err, chunkdist.ErrProtocol)
}

func TestConn_MissingTypeIsProtocolError(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	server := NewConn(b)

	go func() {
		_, _ = a.Write([]byte("{\"chunks\":[1]}\n"))
	}()

	_, err := server.Read(time.Second)
	assert.ErrorIs(t, err, chunkdist.ErrProtocol)
}

func TestConn_UnterminatedFrameFailsAtLimit(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	server := NewConn(b)

	// A peer that streams bytes without ever sending the delimiter must
	// be cut off at the frame limit, not buffered indefinitely.
	go func() {
		block := make([]byte, 64*1024)
		for i := range block {
			block[i] = 'a'
		}
		for {
			if _, err := a.Write(block); err != nil {
				return
			}
		}
	}()

	_, err := server.Read(5 * time.Second)
	assert.ErrorIs(t, err, chunkdist.ErrProtocol)
	assert.ErrorContains(t, err, "exceeds")
}

func TestConn_ReadTimeout(t *testing.T) {
	_, server := pipeConns(t)

	_, err := server.Read(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestIsTimeout_FalseForOtherErrors(t *testing.T) {
	assert.False(t, IsTimeout(chunkdist.ErrProtocol))
	assert.False(t, IsTimeout(nil))
}

func TestConn_ConcurrentWritersProduceWholeFrames(t *testing.T) {
	client, server := pipeConns(t)

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				err := client.Write(Message{
					Type:   TypeReport,
					Report: &chunkdist.Outcome{ChunkID: i*1000 + j, Succeeded: true},
				})
				if err != nil {
					return
				}
			}
		}(i)
	}

	seen := make(map[int]struct{})
	for len(seen) < writers*perWriter {
		msg, err := server.Read(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, TypeReport, msg.Type)
		require.NotNil(t, msg.Report)
		_, dup := seen[msg.Report.ChunkID]
		require.False(t, dup)
		seen[msg.Report.ChunkID] = struct{}{}
	}
	wg.Wait()
}
