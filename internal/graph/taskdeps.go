package graph

import (
	"context"
	"sync"

	"github.com/vk/redgreengo/internal/dep"
)

// NodeIndex is a dense, run-local position in the current graph's arena.
// Indices are assigned on first insertion and are not stable across runs;
// cross-run positions use serialized.Index instead.
type NodeIndex uint32

// TaskDeps accumulates the read-set of one in-flight task: the ordered,
// de-duplicated indices of every node whose value the task read, plus a flag
// recording whether any read dependency is already known red. The flag lets
// the graph skip fingerprinting a result that is known dirty anyway.
//
// A TaskDeps belongs to exactly one task. The closure that owns it may fan
// work out to short-lived goroutines, so reads are guarded by a mutex, but
// unrelated concurrent tasks never share an accumulator.
type TaskDeps struct {
	mu      sync.Mutex
	reads   []NodeIndex
	seen    map[NodeIndex]struct{}
	readRed bool

	// key is the task's node identity, known up front for keyed tasks and
	// nil for anonymous ones. Work-product registration resolves its owner
	// through this.
	key *dep.Node
}

func newTaskDeps(key *dep.Node) *TaskDeps {
	return &TaskDeps{seen: make(map[NodeIndex]struct{}), key: key}
}

// record adds one read, preserving first-read order.
func (td *TaskDeps) record(idx NodeIndex, red bool) {
	td.mu.Lock()
	defer td.mu.Unlock()

	if red {
		td.readRed = true
	}
	if _, ok := td.seen[idx]; ok {
		return
	}
	td.seen[idx] = struct{}{}
	td.reads = append(td.reads, idx)
}

// finish consumes the accumulator into a finished edge list.
func (td *TaskDeps) finish() (edges []NodeIndex, readRed bool) {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.reads, td.readRed
}

// depsKey carries the recording capability through context.
type depsKey struct{}

// depsMode distinguishes "no accumulator installed" from "reads explicitly
// ignored": both record nothing, but ignore mode is an active choice made by
// WithIgnore and survives nesting.
type depsMode struct {
	deps *TaskDeps // nil in ignore/untracked mode
}

func withDeps(ctx context.Context, td *TaskDeps) context.Context {
	return context.WithValue(ctx, depsKey{}, depsMode{deps: td})
}

// WithIgnore returns a context whose reads are discarded, even inside an
// enclosing tracked task. Used for computations whose results must never
// create edges, such as diagnostics.
func WithIgnore(ctx context.Context) context.Context {
	return context.WithValue(ctx, depsKey{}, depsMode{})
}

// currentDeps returns the installed accumulator, or nil when execution is
// untracked or ignored.
func currentDeps(ctx context.Context) *TaskDeps {
	if mode, ok := ctx.Value(depsKey{}).(depsMode); ok {
		return mode.deps
	}
	return nil
}
