package integration_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygen/chunkdist"
	"github.com/skygen/chunkdist/chunklog"
	"github.com/skygen/chunkdist/client"
	"github.com/skygen/chunkdist/executor"
	"github.com/skygen/chunkdist/registry"
	"github.com/skygen/chunkdist/server"
)

// startServer brings up a coordinator for the given target set backed
// by a file store in dir.
func startServer(t *testing.T, dir string, target []int) (*server.Server, *chunklog.FileStore, chan error, context.CancelFunc) {
	t.Helper()

	store, err := chunklog.NewFileStore(dir)
	require.NoError(t, err)
	snap, err := store.Load(context.Background())
	require.NoError(t, err)

	reg := registry.New(registry.Config{
		Target:    snap.InitialTarget(target),
		Limbo:     snap.Unresolved(),
		Completed: snap.Completed,
	})
	srv, err := server.New(server.Config{
		Addr:           "127.0.0.1:0",
		Registry:       reg,
		RunConfig:      chunkdist.RunConfiguration{GeneratorArgs: "--objects 50"},
		Store:          store,
		BatchLimit:     4,
		SessionTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil },
		2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
	})
	return srv, store, done, cancel
}

func newWorker(t *testing.T, srv *server.Server, failing map[int]bool) *client.Client {
	t.Helper()
	gen := executor.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, chunkID int, run chunkdist.RunConfiguration) ([]string, error) {
		if failing[chunkID] {
			return nil, fmt.Errorf("generator exit 2")
		}
		return []string{fmt.Sprintf("chunk%d.csv", chunkID)}, nil
	}
	c, err := client.New(client.Config{
		Addr:                   srv.Addr().String(),
		Generator:              gen,
		Partitioner:            executor.NewMockPartitioner(),
		BatchSize:              3,
		MaxConsecutiveFailures: 100,
	})
	require.NoError(t, err)
	return c
}

func waitServer(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		// Put the result back so the cleanup's stop check sees it too.
		done <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("server did not finish")
		return nil
	}
}

func TestRun_SingleWorkerWithFailures(t *testing.T) {
	target := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	srv, store, done, _ := startServer(t, t.TempDir(), target)

	w := newWorker(t, srv, map[int]bool{6: true, 7: true})
	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, waitServer(t, done))

	assert.Equal(t, 8, w.Completed())

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 8, 9}, snap.Completed)
	assert.Equal(t, []int{6, 7}, snap.Limbo)
	assert.Empty(t, snap.Target)
	assert.Empty(t, snap.Assigned)
}

func TestRun_TwoWorkersShareTheTarget(t *testing.T) {
	target := make([]int, 30)
	for i := range target {
		target[i] = i
	}
	srv, store, done, _ := startServer(t, t.TempDir(), target)

	w1 := newWorker(t, srv, nil)
	w2 := newWorker(t, srv, nil)

	errs := make(chan error, 2)
	go func() { errs <- w1.Run(context.Background()) }()
	go func() { errs <- w2.Run(context.Background()) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.NoError(t, waitServer(t, done))

	// Every chunk completed exactly once between the two workers.
	assert.Equal(t, len(target), w1.Completed()+w2.Completed())

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, target, snap.Completed)
	assert.Empty(t, snap.Limbo)
}

func TestRun_RestartSkipsCompletedWork(t *testing.T) {
	dir := t.TempDir()
	target := []int{0, 1, 2, 3, 4, 5}

	// First campaign: chunks 4 and 5 fail.
	srv, _, done, _ := startServer(t, dir, target)
	w := newWorker(t, srv, map[int]bool{4: true, 5: true})
	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, waitServer(t, done))

	// Second campaign over the same range and log directory. Completed
	// work is skipped; the failed chunks stay in limbo untouched until
	// an operator requeues them, so the worker gets nothing.
	srv2, store2, done2, _ := startServer(t, dir, target)
	w2 := newWorker(t, srv2, nil)
	require.NoError(t, w2.Run(context.Background()))

	assert.Equal(t, 0, w2.Completed())

	require.NoError(t, waitServer(t, done2))
	snap, err := store2.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, snap.Completed)
	assert.Equal(t, []int{4, 5}, snap.Limbo)
}

func TestRun_CrashedAssignmentIsNotRegenerated(t *testing.T) {
	dir := t.TempDir()
	target := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	// A prior run crashed while chunk 6 was leased out: the snapshot
	// still lists it as assigned. Its artifacts may be half written or
	// half ingested, so it must not be handed out again.
	seed, err := chunklog.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, seed.Save(context.Background(), chunklog.Snapshot{
		Completed: []int{0, 1, 2, 3, 4},
		Assigned:  []int{6},
	}))

	srv, store, done, _ := startServer(t, dir, target)
	w := newWorker(t, srv, nil)
	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, waitServer(t, done))

	// Only 5, 7, 8, 9 were ever eligible.
	assert.Equal(t, 4, w.Completed())

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 7, 8, 9}, snap.Completed)
	// The crashed lease survives the run's checkpoints as a limbo
	// entry for the operator to reconcile.
	assert.Equal(t, []int{6}, snap.Limbo)
	assert.Empty(t, snap.Assigned)
	assert.Empty(t, snap.Target)
}

func TestRun_ShutdownMidRunAbandonsLeases(t *testing.T) {
	dir := t.TempDir()
	target := []int{0, 1, 2, 3, 4, 5, 6, 7}
	srv, store, done, cancel := startServer(t, dir, target)

	started := make(chan struct{})
	block := make(chan struct{})
	gen := executor.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, chunkID int, run chunkdist.RunConfiguration) ([]string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, fmt.Errorf("interrupted")
	}
	w, err := client.New(client.Config{
		Addr:        srv.Addr().String(),
		Generator:   gen,
		Partitioner: executor.NewMockPartitioner(),
		BatchSize:   3,
	})
	require.NoError(t, err)

	wdone := make(chan error, 1)
	go func() { wdone <- w.Run(context.Background()) }()

	// Wait until the worker holds a batch, then stop the coordinator.
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started a chunk")
	}
	cancel()
	require.NoError(t, waitServer(t, done))
	close(block)
	<-wdone

	// The leased batch landed in limbo, the rest stayed in target.
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Assigned)
	assert.Len(t, snap.Limbo, 3)
	assert.Len(t, snap.Target, 5)
	assert.Empty(t, snap.Completed)
}
