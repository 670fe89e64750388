// Package registry implements the in-memory chunk lifecycle state machine.
// It is the single source of truth for which chunks are still to be
// generated, which are leased to workers, and which finished or failed.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/getpup/pupsourcing/es"
	"github.com/skygen/chunkdist"
	"github.com/skygen/chunkdist/chunklog"
)

// TransitionFunc observes a single chunk state transition. It is called
// with the registry lock held, so implementations must not call back into
// the registry and should return quickly; anything slow belongs behind a
// buffered channel.
type TransitionFunc func(chunkID int, from, to chunkdist.ChunkState, sessionID, note string)

// Config holds configuration for a Registry.
type Config struct {
	// Target is the initial set of chunk ids to generate (required).
	// Duplicates are ignored.
	Target []int

	// Limbo seeds the limbo set from a prior run's snapshot. These ids
	// are surfaced for operator review and can be moved back to target
	// with Requeue. Optional.
	Limbo []int

	// Completed seeds the completed set from a prior run's snapshot, so
	// the final save reflects the whole campaign. Optional.
	Completed []int

	// OnTransition is invoked for every set transition. Optional.
	OnTransition TransitionFunc

	// Logger is for observability (optional).
	Logger es.Logger
}

// Registry tracks the four disjoint chunk sets for one run. All mutating
// operations are serialized under a single mutex: the value of the
// registry is its small, globally consistent set membership, so there is
// no finer-grained locking.
type Registry struct {
	mu sync.Mutex

	// target is kept sorted ascending so Take hands out deterministic
	// batches, which also keeps the tests simple.
	target    []int
	assigned  map[int]struct{}
	completed map[int]struct{}
	limbo     map[int]struct{}

	onTransition TransitionFunc
	logger       es.Logger
}

// New creates a Registry from the given configuration. Ids present in
// Completed or Limbo are excluded from the initial target set even if
// listed in Target.
func New(cfg Config) *Registry {
	r := &Registry{
		assigned:     make(map[int]struct{}),
		completed:    make(map[int]struct{}),
		limbo:        make(map[int]struct{}),
		onTransition: cfg.OnTransition,
		logger:       cfg.Logger,
	}
	for _, id := range cfg.Completed {
		r.completed[id] = struct{}{}
	}
	for _, id := range cfg.Limbo {
		if _, done := r.completed[id]; !done {
			r.limbo[id] = struct{}{}
		}
	}
	seen := make(map[int]struct{}, len(cfg.Target))
	for _, id := range cfg.Target {
		if _, ok := seen[id]; ok {
			continue
		}
		if _, ok := r.completed[id]; ok {
			continue
		}
		if _, ok := r.limbo[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		r.target = append(r.target, id)
	}
	sort.Ints(r.target)
	return r
}

// Take atomically removes up to n ids from the target set, marks them
// assigned to sessionID, and returns them in ascending order. It returns
// fewer than n ids when the target set is smaller, and an empty slice
// when nothing is left to hand out.
func (r *Registry) Take(n int, sessionID string) []int {
	if n <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.target) {
		n = len(r.target)
	}
	batch := make([]int, n)
	copy(batch, r.target[:n])
	r.target = r.target[n:]
	for _, id := range batch {
		r.assigned[id] = struct{}{}
		r.transition(id, chunkdist.StateTarget, chunkdist.StateAssigned, sessionID, "")
	}
	return batch
}

// Report resolves the outcome of an assigned chunk, moving it to
// completed on success or limbo on failure. Reports for ids that are not
// currently assigned return chunkdist.ErrUnknownChunk and change nothing.
func (r *Registry) Report(outcome chunkdist.Outcome, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := outcome.ChunkID
	if _, ok := r.assigned[id]; !ok {
		return chunkdist.ErrUnknownChunk
	}
	delete(r.assigned, id)
	if outcome.Succeeded {
		r.completed[id] = struct{}{}
		r.transition(id, chunkdist.StateAssigned, chunkdist.StateCompleted, sessionID, outcome.Message)
		return nil
	}
	r.limbo[id] = struct{}{}
	r.transition(id, chunkdist.StateAssigned, chunkdist.StateLimbo, sessionID, outcome.Message)
	return nil
}

// Abandon moves every given id that is currently assigned into limbo.
// Used when a session ends without reporting its leases. Ids that are
// not assigned are ignored, so the operation is idempotent.
func (r *Registry) Abandon(ids []int, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if _, ok := r.assigned[id]; !ok {
			continue
		}
		delete(r.assigned, id)
		r.limbo[id] = struct{}{}
		r.transition(id, chunkdist.StateAssigned, chunkdist.StateLimbo, sessionID, "abandoned")
	}
}

// Requeue moves ids from limbo back into the target set. This is an
// administrative operation for restart-with-edits workflows; it fails
// with chunkdist.ErrNotInLimbo on the first id that is not in limbo,
// leaving earlier ids requeued.
func (r *Registry) Requeue(ids []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if _, ok := r.limbo[id]; !ok {
			return chunkdist.ErrNotInLimbo
		}
		delete(r.limbo, id)
		i := sort.SearchInts(r.target, id)
		r.target = append(r.target, 0)
		copy(r.target[i+1:], r.target[i:])
		r.target[i] = id
		r.transition(id, chunkdist.StateLimbo, chunkdist.StateTarget, "", "requeued")
	}
	return nil
}

// Exhausted reports whether both the target and assigned sets are empty,
// meaning no further work exists or will be reported.
func (r *Registry) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.target) == 0 && len(r.assigned) == 0
}

// Snapshot returns a consistent copy of the four sets for persistence.
func (r *Registry) Snapshot() chunklog.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := chunklog.Snapshot{
		Target:    append([]int(nil), r.target...),
		Assigned:  setToSorted(r.assigned),
		Completed: setToSorted(r.completed),
		Limbo:     setToSorted(r.limbo),
	}
	return snap
}

// Summary returns the final accounting of the run.
func (r *Registry) Summary() chunkdist.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	return chunkdist.Summary{
		Target:    append([]int(nil), r.target...),
		Completed: setToSorted(r.completed),
		Limbo:     setToSorted(r.limbo),
	}
}

// Counts returns the current size of each set.
func (r *Registry) Counts() (target, assigned, completed, limbo int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.target), len(r.assigned), len(r.completed), len(r.limbo)
}

// transition records a set move. Caller must hold r.mu.
func (r *Registry) transition(id int, from, to chunkdist.ChunkState, sessionID, note string) {
	if r.logger != nil {
		r.logger.Debug(context.Background(), "chunk transition",
			"chunkID", id, "from", string(from), "to", string(to),
			"sessionID", sessionID, "note", note)
	}
	if r.onTransition != nil {
		r.onTransition(id, from, to, sessionID, note)
	}
}

func setToSorted(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
