package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygen/chunkdist"
)

func TestNew_ExcludesCompletedAndLimboFromTarget(t *testing.T) {
	r := New(Config{
		Target:    []int{0, 1, 2, 3, 4, 2},
		Completed: []int{1},
		Limbo:     []int{3},
	})

	target, assigned, completed, limbo := r.Counts()
	assert.Equal(t, 3, target)
	assert.Equal(t, 0, assigned)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, limbo)

	snap := r.Snapshot()
	assert.Equal(t, []int{0, 2, 4}, snap.Target)
}

func TestNew_CompletedWinsOverLimbo(t *testing.T) {
	r := New(Config{
		Target:    []int{1},
		Completed: []int{1},
		Limbo:     []int{1},
	})

	snap := r.Snapshot()
	assert.Empty(t, snap.Target)
	assert.Empty(t, snap.Limbo)
	assert.Equal(t, []int{1}, snap.Completed)
}

func TestTake_HandsOutAscendingBatches(t *testing.T) {
	r := New(Config{Target: []int{5, 1, 3, 2, 4}})

	batch := r.Take(3, "s1")
	assert.Equal(t, []int{1, 2, 3}, batch)

	batch = r.Take(10, "s1")
	assert.Equal(t, []int{4, 5}, batch)

	batch = r.Take(1, "s1")
	assert.Empty(t, batch)
}

func TestTake_ZeroOrNegativeReturnsNothing(t *testing.T) {
	r := New(Config{Target: []int{1, 2}})

	assert.Empty(t, r.Take(0, "s1"))
	assert.Empty(t, r.Take(-1, "s1"))

	target, _, _, _ := r.Counts()
	assert.Equal(t, 2, target)
}

func TestTake_ConcurrentBatchesAreDisjoint(t *testing.T) {
	ids := make([]int, 1000)
	for i := range ids {
		ids[i] = i
	}
	r := New(Config{Target: ids})

	const workers = 10
	var wg sync.WaitGroup
	batches := make([][]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				batch := r.Take(7, "s")
				if len(batch) == 0 {
					return
				}
				batches[i] = append(batches[i], batch...)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int]int)
	total := 0
	for _, b := range batches {
		for _, id := range b {
			seen[id]++
			total++
		}
	}
	require.Equal(t, len(ids), total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "chunk %d handed out %d times", id, n)
	}
}

func TestReport_SuccessMovesToCompleted(t *testing.T) {
	r := New(Config{Target: []int{1, 2}})
	r.Take(2, "s1")

	err := r.Report(chunkdist.Outcome{ChunkID: 1, Succeeded: true}, "s1")
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Equal(t, []int{1}, snap.Completed)
	assert.Equal(t, []int{2}, snap.Assigned)
}

func TestReport_FailureMovesToLimbo(t *testing.T) {
	r := New(Config{Target: []int{1}})
	r.Take(1, "s1")

	err := r.Report(chunkdist.Outcome{ChunkID: 1, Succeeded: false, Message: "generator exit 1"}, "s1")
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Equal(t, []int{1}, snap.Limbo)
	assert.Empty(t, snap.Assigned)
}

func TestReport_UnassignedChunkIsRejectedWithoutChange(t *testing.T) {
	r := New(Config{Target: []int{1, 2}})
	r.Take(1, "s1")

	err := r.Report(chunkdist.Outcome{ChunkID: 99, Succeeded: true}, "s1")
	assert.ErrorIs(t, err, chunkdist.ErrUnknownChunk)

	// Reporting a target chunk that was never assigned is rejected too.
	err = r.Report(chunkdist.Outcome{ChunkID: 2, Succeeded: true}, "s1")
	assert.ErrorIs(t, err, chunkdist.ErrUnknownChunk)

	target, assigned, completed, limbo := r.Counts()
	assert.Equal(t, 1, target)
	assert.Equal(t, 1, assigned)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, limbo)
}

func TestReport_DuplicateReportIsRejected(t *testing.T) {
	r := New(Config{Target: []int{1}})
	r.Take(1, "s1")

	require.NoError(t, r.Report(chunkdist.Outcome{ChunkID: 1, Succeeded: true}, "s1"))
	err := r.Report(chunkdist.Outcome{ChunkID: 1, Succeeded: false}, "s1")
	assert.ErrorIs(t, err, chunkdist.ErrUnknownChunk)

	snap := r.Snapshot()
	assert.Equal(t, []int{1}, snap.Completed)
	assert.Empty(t, snap.Limbo)
}

func TestAbandon_MovesAssignedToLimboAndIgnoresOthers(t *testing.T) {
	r := New(Config{Target: []int{1, 2, 3}})
	r.Take(2, "s1")
	require.NoError(t, r.Report(chunkdist.Outcome{ChunkID: 1, Succeeded: true}, "s1"))

	// 1 is completed, 2 is assigned, 3 is target, 99 is unknown.
	r.Abandon([]int{1, 2, 3, 99}, "s1")

	snap := r.Snapshot()
	assert.Equal(t, []int{1}, snap.Completed)
	assert.Equal(t, []int{2}, snap.Limbo)
	assert.Equal(t, []int{3}, snap.Target)
	assert.Empty(t, snap.Assigned)
}

func TestAbandon_IsIdempotent(t *testing.T) {
	r := New(Config{Target: []int{1}})
	r.Take(1, "s1")

	r.Abandon([]int{1}, "s1")
	r.Abandon([]int{1}, "s1")

	snap := r.Snapshot()
	assert.Equal(t, []int{1}, snap.Limbo)
}

func TestRequeue_MovesLimboBackToTarget(t *testing.T) {
	r := New(Config{Target: []int{2, 4}, Limbo: []int{1, 3}})

	require.NoError(t, r.Requeue([]int{1, 3}))

	snap := r.Snapshot()
	assert.Equal(t, []int{1, 2, 3, 4}, snap.Target)
	assert.Empty(t, snap.Limbo)
}

func TestRequeue_RejectsIdsNotInLimbo(t *testing.T) {
	r := New(Config{Target: []int{1}, Limbo: []int{5}})

	err := r.Requeue([]int{5, 1})
	assert.ErrorIs(t, err, chunkdist.ErrNotInLimbo)

	// The first id was requeued before the failure.
	snap := r.Snapshot()
	assert.Equal(t, []int{1, 5}, snap.Target)
}

func TestExhausted(t *testing.T) {
	r := New(Config{Target: []int{1}})
	assert.False(t, r.Exhausted())

	r.Take(1, "s1")
	assert.False(t, r.Exhausted())

	require.NoError(t, r.Report(chunkdist.Outcome{ChunkID: 1, Succeeded: false}, "s1"))
	assert.True(t, r.Exhausted())
}

func TestOnTransition_ObservesEveryMove(t *testing.T) {
	type move struct {
		id       int
		from, to chunkdist.ChunkState
		note     string
	}
	var moves []move
	r := New(Config{
		Target: []int{1, 2},
		OnTransition: func(chunkID int, from, to chunkdist.ChunkState, sessionID, note string) {
			moves = append(moves, move{chunkID, from, to, note})
		},
	})

	r.Take(2, "s1")
	require.NoError(t, r.Report(chunkdist.Outcome{ChunkID: 1, Succeeded: true}, "s1"))
	r.Abandon([]int{2}, "s1")
	require.NoError(t, r.Requeue([]int{2}))

	require.Len(t, moves, 5)
	assert.Equal(t, move{1, chunkdist.StateTarget, chunkdist.StateAssigned, ""}, moves[0])
	assert.Equal(t, move{2, chunkdist.StateTarget, chunkdist.StateAssigned, ""}, moves[1])
	assert.Equal(t, move{1, chunkdist.StateAssigned, chunkdist.StateCompleted, ""}, moves[2])
	assert.Equal(t, move{2, chunkdist.StateAssigned, chunkdist.StateLimbo, "abandoned"}, moves[3])
	assert.Equal(t, move{2, chunkdist.StateLimbo, chunkdist.StateTarget, "requeued"}, moves[4])
}

func TestSummary(t *testing.T) {
	r := New(Config{Target: []int{1, 2, 3}})
	r.Take(2, "s1")
	require.NoError(t, r.Report(chunkdist.Outcome{ChunkID: 1, Succeeded: true}, "s1"))
	r.Abandon([]int{2}, "s1")

	sum := r.Summary()
	assert.Equal(t, []int{3}, sum.Target)
	assert.Equal(t, []int{1}, sum.Completed)
	assert.Equal(t, []int{2}, sum.Limbo)
}
