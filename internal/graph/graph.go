package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vk/redgreengo/internal/ctxlog"
	"github.com/vk/redgreengo/internal/dep"
	"github.com/vk/redgreengo/internal/fingerprint"
	"github.com/vk/redgreengo/internal/serialized"
	"github.com/vk/redgreengo/internal/workproduct"
)

// HashFunc fingerprints a task's result. A nil HashFunc means the result has
// no stable fingerprint; the node can then never be proven green by
// re-execution.
type HashFunc func(result any) fingerprint.Fingerprint

// TaskFunc is a caller-supplied unit of tracked computation.
type TaskFunc func(ctx context.Context) (any, error)

// nodeData is one finalized arena slot. Slots are written once and never
// mutated afterwards.
type nodeData struct {
	node  dep.Node
	fp    fingerprint.Fingerprint
	edges []NodeIndex

	// prev is the node's position in the previous graph, when it has one.
	prev    serialized.Index
	hasPrev bool
}

// Graph is the current run's dependency graph plus the machinery that
// decides validity against the previous run.
type Graph struct {
	registry *dep.Registry
	prev     *serialized.Graph
	colors   *colorMap

	mu    sync.RWMutex
	nodes []nodeData
	index map[dep.Node]NodeIndex

	// anonID disambiguates anonymous nodes with identical edge sets.
	// Collisions are impossible by construction, not by hash width.
	anonID atomic.Uint64

	redIndex NodeIndex
	products *workproduct.Map
}

// New creates the current graph for a run. prev is the decoded previous
// graph, or serialized.Empty() on a fresh run. The forever-red node is
// inserted immediately; reading it poisons any dependent task red.
func New(registry *dep.Registry, prev *serialized.Graph) *Graph {
	g := &Graph{
		registry: registry,
		prev:     prev,
		colors:   newColorMap(prev.NumNodes()),
		index:    make(map[dep.Node]NodeIndex),
		products: workproduct.NewMap(),
	}
	redNode := dep.NewNode(dep.KindRed, fingerprint.Zero)
	g.redIndex = g.intern(redNode, fingerprint.Zero, nil)
	return g
}

// Registry returns the kind registry this graph was built with.
func (g *Graph) Registry() *dep.Registry { return g.registry }

// Previous returns the previous run's graph.
func (g *Graph) Previous() *serialized.Graph { return g.prev }

// WorkProducts returns the work products registered so far this run.
func (g *Graph) WorkProducts() *workproduct.Map { return g.products }

// ForeverRed returns the index of the distinguished always-red node.
func (g *Graph) ForeverRed() NodeIndex { return g.redIndex }

// NumNodes returns the number of nodes inserted so far.
func (g *Graph) NumNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// NodeAt returns the identity stored at idx.
func (g *Graph) NodeAt(idx NodeIndex) dep.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[idx].node
}

// FingerprintAt returns the result fingerprint stored at idx.
func (g *Graph) FingerprintAt(idx NodeIndex) fingerprint.Fingerprint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[idx].fp
}

// EdgesAt returns the finalized edge list at idx. The slice must not be
// mutated.
func (g *Graph) EdgesAt(idx NodeIndex) []NodeIndex {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[idx].edges
}

// LookupNode finds a node's current index by identity.
func (g *Graph) LookupNode(node dep.Node) (NodeIndex, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[node]
	return idx, ok
}

// ColorOf returns the memoized color of a previous-run node, if resolution
// has finished.
func (g *Graph) ColorOf(node dep.Node) (Color, bool) {
	prevIdx, ok := g.prev.LookupNode(node)
	if !ok {
		return Color{}, false
	}
	return g.colors.get(prevIdx)
}

// intern inserts a finalized node, returning its index. Insertion is
// append-only and idempotent: two tasks racing to produce the same keyed
// node observe one index, and the first finalized edge list wins.
func (g *Graph) intern(node dep.Node, fp fingerprint.Fingerprint, edges []NodeIndex) NodeIndex {
	g.mu.Lock()
	defer g.mu.Unlock()

	if idx, ok := g.index[node]; ok {
		return idx
	}
	idx := NodeIndex(len(g.nodes))
	prevIdx, hasPrev := g.prev.LookupNode(node)
	g.nodes = append(g.nodes, nodeData{
		node:    node,
		fp:      fp,
		edges:   edges,
		prev:    prevIdx,
		hasPrev: hasPrev,
	})
	g.index[node] = idx
	return idx
}

// Read records a dependency on idx in the current task's accumulator. Reads
// outside any task, or under WithIgnore, record nothing. Reading the
// forever-red node, or a node whose previous-run color is already red,
// additionally flags the read-set as known dirty.
func (g *Graph) Read(ctx context.Context, idx NodeIndex) {
	td := currentDeps(ctx)
	if td == nil {
		return
	}
	td.record(idx, g.isKnownRed(idx))
}

// ReadNode records a dependency by node identity. The node must already
// exist in the current graph; depending on a node that was never computed is
// a caller bug.
func (g *Graph) ReadNode(ctx context.Context, node dep.Node) error {
	idx, ok := g.LookupNode(node)
	if !ok {
		return fmt.Errorf("graph: read of unknown node %s", g.registry.DescribeNode(node))
	}
	g.Read(ctx, idx)
	return nil
}

func (g *Graph) isKnownRed(idx NodeIndex) bool {
	if idx == g.redIndex {
		return true
	}
	g.mu.RLock()
	data := g.nodes[idx]
	g.mu.RUnlock()
	if !data.hasPrev {
		return false
	}
	color, resolved := g.colors.get(data.prev)
	return resolved && !color.Green
}

// WithTask runs fn as a keyed tracked task. It installs a fresh accumulator,
// runs the closure, fingerprints the result, and inserts the node with
// exactly the set of edges the closure read. If the node existed in the
// previous graph its color is decided here by fingerprint comparison: an
// identical result fingerprint proves the cached downstream state green.
func (g *Graph) WithTask(ctx context.Context, node dep.Node, hash HashFunc, fn TaskFunc) (any, NodeIndex, error) {
	info := g.registry.Info(node.Kind)
	if info.Anon {
		panic(fmt.Sprintf("graph: keyed task invoked with anonymous kind '%s'", info.Name))
	}

	td := newTaskDeps(&node)
	result, err := fn(g.taskContext(ctx, td))
	if err != nil {
		return nil, 0, err
	}

	edges, readRed := td.finish()

	resultFp := fingerprint.Zero
	hashed := false
	if hash != nil && !readRed {
		resultFp = hash(result)
		hashed = true
	}

	idx := g.intern(node, resultFp, edges)

	if prevIdx, ok := g.prev.LookupNode(node); ok {
		green := hashed && !info.EvalAlways && resultFp == g.prev.Fingerprint(prevIdx)
		color := g.colors.setFromExecution(prevIdx, green, idx)
		ctxlog.FromContext(ctx).Debug("Task re-executed.",
			"node", g.registry.DescribeNode(node),
			"green", color.Green,
			"edges", len(edges))
	}
	return result, idx, nil
}

// WithAnonTask runs fn as an anonymous task: the node's identity is derived
// from the hash of its recorded edge set plus a per-graph disambiguator, so
// it is meaningful only within this run and never reconstructed.
func (g *Graph) WithAnonTask(ctx context.Context, kind dep.Kind, fn TaskFunc) (any, NodeIndex, error) {
	info := g.registry.Info(kind)
	if !info.Anon {
		panic(fmt.Sprintf("graph: anonymous task invoked with keyed kind '%s'", info.Name))
	}

	td := newTaskDeps(nil)
	result, err := fn(g.taskContext(ctx, td))
	if err != nil {
		return nil, 0, err
	}

	edges, _ := td.finish()

	h := fingerprint.NewHasher()
	h.WriteUint64(uint64(kind))
	for _, e := range edges {
		edgeNode := g.NodeAt(e)
		h.WriteUint64(uint64(edgeNode.Kind))
		h.WriteFingerprint(edgeNode.Fingerprint)
	}
	h.WriteUint64(g.anonID.Add(1))

	node := dep.NewNode(kind, h.Finish())
	idx := g.intern(node, fingerprint.Zero, edges)
	return result, idx, nil
}

// taskContext installs the accumulator for fn and threads the logger along.
func (g *Graph) taskContext(ctx context.Context, td *TaskDeps) context.Context {
	return withDeps(ctx, td)
}

// RegisterWorkProduct associates external artifact files with the task
// currently being recorded. Registration is idempotent per id within a run.
// Anonymous tasks cannot own work products: their identity does not survive
// the run, so nothing could reclaim the artifacts next time.
func (g *Graph) RegisterWorkProduct(ctx context.Context, id workproduct.ID, paths []string) error {
	td := currentDeps(ctx)
	if td == nil {
		return fmt.Errorf("graph: work product '%s' registered outside a tracked task", id)
	}
	if td.key == nil {
		return fmt.Errorf("graph: work product '%s' registered by an anonymous task", id)
	}
	g.products.Register(workproduct.WorkProduct{ID: id, Owner: *td.key, Paths: paths})
	return nil
}

// ReconcileWorkProducts deletes the artifacts of every previous-run work
// product whose owner did not survive: kept are products re-registered this
// run and products whose owning node resolved green. Must be called only
// after all marking and forcing has settled.
func (g *Graph) ReconcileWorkProducts(ctx context.Context) error {
	return workproduct.Reconcile(ctx, g.prev.WorkProducts(), func(wp workproduct.WorkProduct) bool {
		if g.products.Contains(wp.ID) {
			return true
		}
		prevIdx, ok := g.prev.LookupNode(wp.Owner)
		if !ok {
			return false
		}
		color, resolved := g.colors.get(prevIdx)
		if !resolved || !color.Green {
			return false
		}
		// Carry the product forward so the next run's snapshot still tracks
		// it even though the green owner never re-registered.
		g.products.Register(wp)
		return true
	})
}

// Snapshot freezes the current graph into its serialized form. The arena's
// dense indices become the next run's serialized indices. Call once, after
// the run's tasks and marking have completed.
func (g *Graph) Snapshot() *serialized.Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]dep.Node, len(g.nodes))
	fps := make([]fingerprint.Fingerprint, len(g.nodes))
	edges := make([][]serialized.Index, len(g.nodes))
	for i, data := range g.nodes {
		nodes[i] = data.node
		fps[i] = data.fp
		out := make([]serialized.Index, len(data.edges))
		for j, e := range data.edges {
			out[j] = serialized.Index(e)
		}
		edges[i] = out
	}
	return serialized.New(nodes, fps, edges, g.products.All())
}
