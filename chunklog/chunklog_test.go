package chunklog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList_SingleIdsAndSpans(t *testing.T) {
	ids, err := ParseList("0:3,7,20:22", ",")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 7, 20, 21, 22}, ids)
}

func TestParseList_SwappedSpanBounds(t *testing.T) {
	ids, err := ParseList("5:3", ",")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, ids)
}

func TestParseList_DeduplicatesOverlaps(t *testing.T) {
	ids, err := ParseList("1:4,3:6,4", ",")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, ids)
}

func TestParseList_IgnoresBlanksAndWhitespace(t *testing.T) {
	ids, err := ParseList("1\n\n 2 \n3\n", "\n")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)
}

func TestParseList_RejectsGarbage(t *testing.T) {
	_, err := ParseList("1,two,3", ",")
	assert.Error(t, err)

	_, err = ParseList("1:x", ",")
	assert.Error(t, err)
}

func TestParseList_Empty(t *testing.T) {
	ids, err := ParseList("", ",")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestInitialTarget_SubtractsAllPriorSets(t *testing.T) {
	snap := Snapshot{
		Assigned:  []int{4},
		Completed: []int{1, 2},
		Limbo:     []int{5},
	}

	target := snap.InitialTarget([]int{0, 1, 2, 3, 4, 5, 6})
	// Assigned and limbo ids are held back alongside completed ones:
	// regenerating a chunk that may already be partly ingested needs a
	// deliberate requeue, never a silent restart.
	assert.Equal(t, []int{0, 3, 6}, target)
}

func TestInitialTarget_CrashedAssignmentStaysOut(t *testing.T) {
	snap := Snapshot{
		Completed: []int{0, 1, 2, 3, 4},
		Assigned:  []int{6},
	}

	target := snap.InitialTarget([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	assert.NotContains(t, target, 6)
	assert.Equal(t, []int{5, 7, 8, 9}, target)
	assert.Equal(t, []int{6}, snap.Unresolved())
}

func TestInitialTarget_DeduplicatesRequested(t *testing.T) {
	target := Snapshot{}.InitialTarget([]int{3, 1, 3, 2, 1})
	assert.Equal(t, []int{1, 2, 3}, target)
}

func TestUnresolved(t *testing.T) {
	snap := Snapshot{
		Assigned:  []int{3, 4, 5},
		Completed: []int{4},
		Limbo:     []int{5, 9},
	}
	assert.Equal(t, []int{3, 5, 9}, snap.Unresolved())
}

func TestUnresolved_EmptySnapshot(t *testing.T) {
	assert.Empty(t, Snapshot{}.Unresolved())
}

func TestFileStore_LoadMissingFilesReadsEmpty(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Target)
	assert.Empty(t, snap.Assigned)
	assert.Empty(t, snap.Completed)
	assert.Empty(t, snap.Limbo)
}

func TestFileStore_SaveThenLoadRoundTrips(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	want := Snapshot{
		Target:    []int{8, 9},
		Assigned:  []int{6, 7},
		Completed: []int{0, 1, 2},
		Limbo:     []int{5},
	}
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileStore_SaveOverwritesPreviousSnapshot(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Snapshot{Target: []int{1, 2, 3}, Limbo: []int{4}}))
	require.NoError(t, store.Save(ctx, Snapshot{Completed: []int{1, 2, 3, 4}}))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Target)
	assert.Empty(t, got.Limbo)
	assert.Equal(t, []int{1, 2, 3, 4}, got.Completed)
}

func TestFileStore_FilesAreOperatorEditable(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	// An operator edits limbo.clg by hand between runs.
	require.NoError(t, os.WriteFile(filepath.Join(dir, LimboFile), []byte("10\n11\n"), 0o644))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11}, got.Limbo)
}

func TestFileStore_CorruptFileFails(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, TargetFile), []byte("1\nnope\n"), 0o644))

	_, err = store.Load(context.Background())
	assert.Error(t, err)
}

func TestReport_MentionsUnresolvedChunks(t *testing.T) {
	snap := Snapshot{Assigned: []int{6, 7}, Completed: []int{0}, Limbo: []int{9}}
	out := snap.Report()
	assert.Contains(t, out, "[6 7 9]")
	assert.Contains(t, out, "completed: 1")
}
