package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vk/redgreengo/internal/ctxlog"
	"github.com/vk/redgreengo/internal/dep"
	"github.com/vk/redgreengo/internal/serialized"
)

// CycleError reports a true self-referential dependency discovered during
// marking: a structural bug in the tracked computations, not an ordinary
// cache miss. It is fatal and carries the readable chain of in-progress
// frames that closed the cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("structural dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// errWaitCycle signals that blocking on another marker's in-progress node
// would close a loop among blocked markers.
var errWaitCycle = errors.New("wait-for cycle among markers")

// waitTable records which marker is blocked on which other. Two situations
// register an edge: a marker parked on another marker's in-progress node,
// and a marker synchronously forcing a nested computation (which may mark on
// its behalf). The chain walk in block therefore sees every way resolutions
// can end up waiting on each other, on one goroutine or across several.
//
// Edges for parked markers are registered and removed under the owning
// colorEntry's lock (see colorMap.park and colorMap.wake), so a finished
// resolution can never leave a stale edge behind for the walk to trip over.
type waitTable struct {
	mu      sync.Mutex
	blocked map[*marker]*marker
}

func newWaitTable() waitTable {
	return waitTable{blocked: make(map[*marker]*marker)}
}

// block records waiter as blocked on owner. It first walks the chain of
// blocked markers starting at owner; reaching waiter means parking would
// deadlock, and the walked chain is returned for the cycle trace. The walk
// and the registration are atomic, so two markers racing to park on each
// other cannot both slip through undetected.
func (w *waitTable) block(waiter, owner *marker) ([]*marker, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var chain []*marker
	for o := owner; o != nil; o = w.blocked[o] {
		if o == waiter {
			return chain, errWaitCycle
		}
		chain = append(chain, o)
	}
	w.blocked[waiter] = owner
	return nil, nil
}

// beginForce marks parent as blocked on the nested marker its force callback
// is about to drive. Without this edge, a forced computation that marks back
// into parent's in-progress path would park on a claim that can never
// resolve instead of reporting the cycle.
func (w *waitTable) beginForce(parent, child *marker) {
	w.mu.Lock()
	w.blocked[parent] = child
	w.mu.Unlock()
}

func (w *waitTable) endForce(parent *marker) {
	w.mu.Lock()
	delete(w.blocked, parent)
	w.mu.Unlock()
}

// unblock drops the blocked edges of markers about to be woken.
func (w *waitTable) unblock(waiters []*marker) {
	w.mu.Lock()
	for _, m := range waiters {
		delete(w.blocked, m)
	}
	w.mu.Unlock()
}

// forceKey carries the marker whose descent invoked the in-flight force
// callback, so a nested TryMarkGreen can link the two resolutions in the
// wait table.
type forceKey struct{}

func withForcingMarker(ctx context.Context, m *marker) context.Context {
	return context.WithValue(ctx, forceKey{}, m)
}

func forcingMarker(ctx context.Context) *marker {
	m, _ := ctx.Value(forceKey{}).(*marker)
	return m
}

// marker is the per-query resolution state: one top-level TryMarkGreen call
// owns one marker, and the recursive descent shares it. frames is the stack
// of in-progress previous-run nodes on the current path, used for cycle
// detection and diagnostics; it is touched only by the owning goroutine.
type marker struct {
	g      *Graph
	frames []serialized.Index
}

// TryMarkGreen answers "is this previously-known node still valid". On
// success the node has been re-inserted into the current graph without
// re-executing its computation and its current index is returned. ok=false
// means the cached result must not be reused; only a structural cycle
// produces an error.
func (g *Graph) TryMarkGreen(ctx context.Context, node dep.Node) (NodeIndex, bool, error) {
	if g.registry.IsEvalAlways(node.Kind) {
		return 0, false, nil
	}
	prevIdx, ok := g.prev.LookupNode(node)
	if !ok {
		return 0, false, nil
	}
	if color, resolved := g.colors.get(prevIdx); resolved {
		if color.Green {
			return color.Node, true, nil
		}
		return 0, false, nil
	}
	m := &marker{g: g}
	if parent := forcingMarker(ctx); parent != nil {
		g.colors.waits.beginForce(parent, m)
		defer g.colors.waits.endForce(parent)
	}
	return m.tryMarkPreviousGreen(ctx, prevIdx)
}

// tryMarkPreviousGreen performs one memoized DFS step: claim the node,
// resolve every previous-run edge to green, and on success re-insert the
// node with its previous fingerprint. Failure without a verdict rolls the
// claim back to unvisited: the node may still be proven green later by
// executing its task and comparing fingerprints.
func (m *marker) tryMarkPreviousGreen(ctx context.Context, idx serialized.Index) (NodeIndex, bool, error) {
	g := m.g
	logger := ctxlog.FromContext(ctx)

claim:
	for {
		result, color, owner := g.colors.claim(idx, m)
		switch result {
		case claimResolvedGreen:
			return color.Node, true, nil
		case claimResolvedRed:
			return 0, false, nil
		case claimOwnedBySelf:
			// The node is already on our own in-progress path.
			return 0, false, m.cycleError(idx)
		case claimOwnedByOther:
			done, chain, err := g.colors.park(idx, m, owner)
			if err != nil {
				return 0, false, m.waitCycleError(idx, chain)
			}
			if done != nil {
				<-done
			}
			continue
		case claimAcquired:
			break claim
		}
	}

	m.frames = append(m.frames, idx)
	completed := false
	defer func() {
		m.frames = m.frames[:len(m.frames)-1]
		if !completed {
			g.colors.rollback(idx)
		}
	}()

	node := g.prev.Node(idx)
	prevEdges := g.prev.Edges(idx)
	currentEdges := make([]NodeIndex, 0, len(prevEdges))

	for _, depIdx := range prevEdges {
		depCurrent, ok, err := m.tryMarkParentGreen(ctx, depIdx)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			logger.Debug("Mark failed: dependency not green.",
				"node", g.registry.DescribeNode(node),
				"dep", g.registry.DescribeNode(g.prev.Node(depIdx)))
			return 0, false, nil
		}
		currentEdges = append(currentEdges, depCurrent)
	}

	// Every dependency is green: reuse the previous fingerprint without
	// rerunning the computation.
	currentIdx := g.intern(node, g.prev.Fingerprint(idx), currentEdges)
	g.colors.resolveGreen(idx, currentIdx)
	completed = true

	logger.Debug("Node marked green.", "node", g.registry.DescribeNode(node))
	if cb := g.registry.Info(node.Kind).LoadDiskCache; cb != nil {
		cb(ctx, node)
	}
	return currentIdx, true, nil
}

// tryMarkParentGreen resolves one dependency edge during marking.
func (m *marker) tryMarkParentGreen(ctx context.Context, depIdx serialized.Index) (NodeIndex, bool, error) {
	g := m.g

	if color, resolved := g.colors.get(depIdx); resolved {
		if color.Green {
			return color.Node, true, nil
		}
		return 0, false, nil
	}

	depNode := g.prev.Node(depIdx)
	info := g.registry.Info(depNode.Kind)

	// Eval-always dependencies are stale unconditionally.
	if info.EvalAlways {
		return 0, false, nil
	}

	currentIdx, ok, err := m.tryMarkPreviousGreen(ctx, depIdx)
	if err != nil || ok {
		return currentIdx, ok, err
	}

	// Marking alone could not prove the dependency green. If its identity
	// can be rebuilt from a key, force its computation now; execution will
	// settle the color by fingerprint comparison. Opaque and anonymous
	// identities cannot be forced and are conservatively red.
	if !g.registry.FingerprintStyle(depNode.Kind).Reconstructible() {
		return 0, false, nil
	}
	if info.Force == nil {
		return 0, false, nil
	}

	ctxlog.FromContext(ctx).Debug("Forcing dependency.", "node", g.registry.DescribeNode(depNode))
	if !info.Force(withForcingMarker(ctx, m), depNode) {
		return 0, false, nil
	}

	if color, resolved := g.colors.get(depIdx); resolved && color.Green {
		return color.Node, true, nil
	}
	return 0, false, nil
}

// cycleError renders the in-progress path that closed a cycle at idx within
// a single marker's descent.
func (m *marker) cycleError(idx serialized.Index) error {
	start := 0
	for i, f := range m.frames {
		if f == idx {
			start = i
			break
		}
	}
	var path []string
	for _, f := range m.frames[start:] {
		path = append(path, m.g.registry.DescribeNode(m.g.prev.Node(f)))
	}
	path = append(path, m.g.registry.DescribeNode(m.g.prev.Node(idx)))
	return &CycleError{Path: path}
}

// waitCycleError renders a cycle discovered while parking, stitching the
// in-progress frames of every marker on the blocked chain into one loop.
// Every chain marker stays blocked until this query errors out and unwinds,
// so their frames are stable while being read; the edges that prove it were
// observed under the wait table's lock.
func (m *marker) waitCycleError(idx serialized.Index, chain []*marker) error {
	var path []string
	add := func(f serialized.Index) {
		path = append(path, m.g.registry.DescribeNode(m.g.prev.Node(f)))
	}
	for _, f := range m.frames {
		add(f)
	}
	for _, o := range chain {
		for _, f := range o.frames {
			add(f)
		}
	}
	add(idx)
	return &CycleError{Path: path}
}
