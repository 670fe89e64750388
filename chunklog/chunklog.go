// Package chunklog persists chunk-set membership across runs. The four
// sets are stored as plain-text files with one chunk id per line so an
// operator can inspect and edit them between runs.
package chunklog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// File names inside a log directory. The extension matters only to the
// operator; the contents are newline-separated integers.
const (
	TargetFile    = "target.clg"
	AssignedFile  = "assigned.clg"
	CompletedFile = "completed.clg"
	LimboFile     = "limbo.clg"
)

// Snapshot is a consistent copy of the four chunk sets.
type Snapshot struct {
	Target    []int
	Assigned  []int
	Completed []int
	Limbo     []int
}

// InitialTarget derives the target set for a new run: the requested ids
// minus everything the prior snapshot already accounts for. Completed
// ids are done; assigned and limbo ids are excluded too, because
// artifacts from a crashed or failed run may be inconsistent and
// generating (and ingesting) the same chunk twice could corrupt the
// catalog. They stay out of the target until the operator reconciles
// them or explicitly requeues.
func (s Snapshot) InitialTarget(requested []int) []int {
	done := make(map[int]struct{}, len(s.Completed)+len(s.Assigned)+len(s.Limbo))
	for _, id := range s.Completed {
		done[id] = struct{}{}
	}
	for _, id := range s.Assigned {
		done[id] = struct{}{}
	}
	for _, id := range s.Limbo {
		done[id] = struct{}{}
	}
	var target []int
	seen := make(map[int]struct{}, len(requested))
	for _, id := range requested {
		if _, ok := done[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		target = append(target, id)
	}
	sort.Ints(target)
	return target
}

// Unresolved returns the ids an operator needs to look at before they
// can be generated again: everything assigned but not completed, plus
// everything in limbo.
func (s Snapshot) Unresolved() []int {
	done := make(map[int]struct{}, len(s.Completed))
	for _, id := range s.Completed {
		done[id] = struct{}{}
	}
	set := make(map[int]struct{})
	for _, id := range s.Assigned {
		if _, ok := done[id]; !ok {
			set[id] = struct{}{}
		}
	}
	for _, id := range s.Limbo {
		set[id] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Report renders the per-set counts and the unresolved problem set in a
// form meant for run logs and operator eyes, not machines.
func (s Snapshot) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "problem chunk ids: %v\n", s.Unresolved())
	fmt.Fprintf(&b, "log counts:\n")
	fmt.Fprintf(&b, "  target:    %d\n", len(s.Target))
	fmt.Fprintf(&b, "  assigned:  %d\n", len(s.Assigned))
	fmt.Fprintf(&b, "  completed: %d\n", len(s.Completed))
	fmt.Fprintf(&b, "  limbo:     %d\n", len(s.Limbo))
	return b.String()
}

// Store loads and saves chunk-set snapshots. Implementations must make
// Save a consistent whole-snapshot overwrite, never a partial update.
type Store interface {
	// Load reads the most recent snapshot. A store with no prior state
	// returns an empty snapshot and no error.
	Load(ctx context.Context) (Snapshot, error)

	// Save overwrites the stored snapshot with the given one.
	Save(ctx context.Context, snap Snapshot) error
}

// FileStore is the plain-text file implementation of Store. All four
// files live in one directory; missing files read as empty sets.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating the directory
// if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory the store reads and writes.
func (f *FileStore) Dir() string {
	return f.dir
}

// Load reads the four set files. Files that do not exist read as empty.
func (f *FileStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Target, err = f.readSet(TargetFile); err != nil {
		return Snapshot{}, err
	}
	if snap.Assigned, err = f.readSet(AssignedFile); err != nil {
		return Snapshot{}, err
	}
	if snap.Completed, err = f.readSet(CompletedFile); err != nil {
		return Snapshot{}, err
	}
	if snap.Limbo, err = f.readSet(LimboFile); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Save writes all four files, replacing previous contents. Each file is
// written to a temp file and renamed so a crash mid-save never leaves a
// half-written set behind.
func (f *FileStore) Save(ctx context.Context, snap Snapshot) error {
	files := []struct {
		name string
		ids  []int
	}{
		{TargetFile, snap.Target},
		{AssignedFile, snap.Assigned},
		{CompletedFile, snap.Completed},
		{LimboFile, snap.Limbo},
	}
	for _, file := range files {
		if err := f.writeSet(file.name, file.ids); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileStore) readSet(name string) ([]int, error) {
	raw, err := os.ReadFile(filepath.Join(f.dir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	ids, err := ParseList(string(raw), "\n")
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return ids, nil
}

func (f *FileStore) writeSet(name string, ids []int) error {
	path := filepath.Join(f.dir, name)
	tmp := path + ".tmp"
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%d\n", id)
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// ParseList parses a separated list of chunk ids. Each element is either
// a single id or an inclusive span "a:b" (order of a and b does not
// matter). Empty elements are ignored, so trailing separators and blank
// lines are harmless. The separator is "\n" for files and "," for
// command-line input.
func ParseList(raw, sep string) ([]int, error) {
	set := make(map[int]struct{})
	for _, part := range strings.Split(raw, sep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, ":"); ok {
			a, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("bad chunk span %q: %w", part, err)
			}
			b, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("bad chunk span %q: %w", part, err)
			}
			if a > b {
				a, b = b, a
			}
			for id := a; id <= b; id++ {
				set[id] = struct{}{}
			}
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad chunk id %q: %w", part, err)
		}
		set[id] = struct{}{}
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}
