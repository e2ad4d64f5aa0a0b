package graph_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/redgreengo/internal/dep"
	"github.com/vk/redgreengo/internal/fingerprint"
	"github.com/vk/redgreengo/internal/graph"
	"github.com/vk/redgreengo/internal/serialized"
	"github.com/vk/redgreengo/internal/testutil"
)

// markFixture drives a tiny named-task workload directly against the graph,
// so marking scenarios can span two runs without the config layer.
type markFixture struct {
	t    *testing.T
	reg  *dep.Registry
	kind dep.Kind

	mu       sync.Mutex
	results  map[string]string
	deps     map[string][]string
	executed []string

	g    *graph.Graph
	idxs map[string]graph.NodeIndex
}

func newMarkFixture(t *testing.T, results map[string]string, deps map[string][]string) *markFixture {
	t.Helper()
	f := &markFixture{
		t:       t,
		reg:     dep.NewRegistry(),
		results: results,
		deps:    deps,
	}
	f.kind = f.reg.Register(dep.KindInfo{
		Name:             "Task",
		FingerprintStyle: dep.StyleDefPathHash,
		Force:            f.force,
	})
	return f
}

func (f *markFixture) node(name string) dep.Node {
	return testutil.KeyNode(f.kind, name)
}

// begin starts a run against prev and resets per-run state.
func (f *markFixture) begin(prev *serialized.Graph) {
	f.g = graph.New(f.reg, prev)
	f.idxs = make(map[string]graph.NodeIndex)
	f.executed = nil
}

// execute runs one named task, executing its dependencies first.
func (f *markFixture) execute(ctx context.Context, name string) graph.NodeIndex {
	f.mu.Lock()
	if idx, ok := f.idxs[name]; ok {
		f.mu.Unlock()
		return idx
	}
	f.mu.Unlock()

	for _, d := range f.deps[name] {
		f.execute(ctx, d)
	}
	_, idx, err := f.g.WithTask(ctx, f.node(name), testutil.HashString,
		func(tctx context.Context) (any, error) {
			f.mu.Lock()
			for _, d := range f.deps[name] {
				f.g.Read(tctx, f.idxs[d])
			}
			result := f.results[name]
			f.executed = append(f.executed, name)
			f.mu.Unlock()
			return result, nil
		})
	require.NoError(f.t, err)

	f.mu.Lock()
	f.idxs[name] = idx
	f.mu.Unlock()
	return idx
}

// force resolves a node identity back to its task name and executes it.
func (f *markFixture) force(ctx context.Context, node dep.Node) bool {
	f.mu.Lock()
	var found string
	for name := range f.results {
		if f.node(name) == node {
			found = name
			break
		}
	}
	f.mu.Unlock()
	if found == "" {
		return false
	}
	f.execute(ctx, found)
	return true
}

// firstRun executes the named tasks against an empty previous graph and
// returns the snapshot for the next run.
func (f *markFixture) firstRun(ctx context.Context, names ...string) *serialized.Graph {
	f.begin(serialized.Empty())
	for _, n := range names {
		f.execute(ctx, n)
	}
	return f.g.Snapshot()
}

func TestTryMarkGreenFreshRunAlwaysMisses(t *testing.T) {
	ctx := testutil.Context(t)
	f := newMarkFixture(t, map[string]string{"a": "va"}, nil)
	f.begin(serialized.Empty())

	_, green, err := f.g.TryMarkGreen(ctx, f.node("a"))
	require.NoError(t, err)
	assert.False(t, green)
}

func TestUnchangedChainMarksGreenWithoutExecuting(t *testing.T) {
	ctx := testutil.Context(t)
	f := newMarkFixture(t,
		map[string]string{"leaf": "v1", "mid": "v2", "top": "v3"},
		map[string][]string{"mid": {"leaf"}, "top": {"mid"}})
	prev := f.firstRun(ctx, "top")

	f.begin(prev)
	idx, green, err := f.g.TryMarkGreen(ctx, f.node("top"))
	require.NoError(t, err)
	require.True(t, green)
	assert.Empty(t, f.executed, "a green chain must be reused without running any task body")

	// The chain was re-inserted with its previous fingerprints and edges.
	assert.Equal(t, fingerprint.OfString("v3"), f.g.FingerprintAt(idx))
	midIdx, ok := f.g.LookupNode(f.node("mid"))
	require.True(t, ok)
	assert.Equal(t, []graph.NodeIndex{midIdx}, f.g.EdgesAt(idx))

	for _, name := range []string{"leaf", "mid", "top"} {
		color, resolved := f.g.ColorOf(f.node(name))
		require.True(t, resolved, name)
		assert.True(t, color.Green, name)
	}
}

func TestChangedLeafPoisonsExactlyItsDependents(t *testing.T) {
	ctx := testutil.Context(t)
	f := newMarkFixture(t,
		map[string]string{"leaf": "v1", "mid": "m", "top": "t", "other": "o"},
		map[string][]string{"mid": {"leaf"}, "top": {"mid"}})
	prev := f.firstRun(ctx, "top", "other")

	f.begin(prev)
	// Re-executing the leaf with a changed value settles it red.
	f.results["leaf"] = "v1-changed"
	f.execute(ctx, "leaf")

	color, resolved := f.g.ColorOf(f.node("leaf"))
	require.True(t, resolved)
	require.False(t, color.Green)

	// The top query forces mid, which reads the known-red leaf and so goes
	// red itself without being fingerprinted; the redness reaches top.
	_, green, err := f.g.TryMarkGreen(ctx, f.node("top"))
	require.NoError(t, err)
	assert.False(t, green)
	assert.ElementsMatch(t, []string{"leaf", "mid"}, f.executed)

	midColor, resolved := f.g.ColorOf(f.node("mid"))
	require.True(t, resolved)
	assert.False(t, midColor.Green)

	midIdx, ok := f.g.LookupNode(f.node("mid"))
	require.True(t, ok)
	assert.True(t, f.g.FingerprintAt(midIdx).IsZero(),
		"a known-dirty result is never fingerprinted")

	f.execute(ctx, "top")
	topColor, resolved := f.g.ColorOf(f.node("top"))
	require.True(t, resolved)
	assert.False(t, topColor.Green, "redness covers the whole transitive closure of the change")

	// The untouched sibling marks green with no execution at all.
	_, green, err = f.g.TryMarkGreen(ctx, f.node("other"))
	require.NoError(t, err)
	assert.True(t, green)
	assert.ElementsMatch(t, []string{"leaf", "mid", "top"}, f.executed)
}

func TestEvalAlwaysIsNeverGreen(t *testing.T) {
	ctx := testutil.Context(t)
	reg := dep.NewRegistry()
	kind := reg.Register(dep.KindInfo{
		Name:             "Volatile",
		EvalAlways:       true,
		FingerprintStyle: dep.StyleDefPathHash,
	})
	node := testutil.KeyNode(kind, "clock")

	prevG := graph.New(reg, serialized.Empty())
	_, _, err := prevG.WithTask(ctx, node, testutil.HashString,
		func(context.Context) (any, error) { return "09:00", nil })
	require.NoError(t, err)

	g := graph.New(reg, prevG.Snapshot())
	_, green, err := g.TryMarkGreen(ctx, node)
	require.NoError(t, err)
	assert.False(t, green)
}

func TestOpaqueDependencyIsNeverForced(t *testing.T) {
	ctx := testutil.Context(t)
	reg := dep.NewRegistry()
	forced := false
	opaque := reg.Register(dep.KindInfo{
		Name:             "Opaque",
		FingerprintStyle: dep.StyleOpaque,
		Force: func(context.Context, dep.Node) bool {
			forced = true
			return true
		},
	})
	volatile := reg.Register(dep.KindInfo{
		Name:             "Volatile",
		EvalAlways:       true,
		FingerprintStyle: dep.StyleDefPathHash,
	})
	keyed := reg.Register(dep.KindInfo{Name: "Task", FingerprintStyle: dep.StyleDefPathHash})

	// Hand-built previous graph: top -> opaque -> volatile. The volatile
	// edge defeats marking, and the opaque identity blocks forcing.
	nodes := []dep.Node{
		testutil.KeyNode(volatile, "v"),
		testutil.KeyNode(opaque, "o"),
		testutil.KeyNode(keyed, "top"),
	}
	fps := []fingerprint.Fingerprint{
		fingerprint.OfString("fv"),
		fingerprint.OfString("fo"),
		fingerprint.OfString("ft"),
	}
	edges := [][]serialized.Index{{}, {0}, {1}}
	prev := serialized.New(nodes, fps, edges, nil)

	g := graph.New(reg, prev)
	_, green, err := g.TryMarkGreen(ctx, nodes[2])
	require.NoError(t, err)
	assert.False(t, green)
	assert.False(t, forced, "an opaque identity cannot be reconstructed, so it must not be forced")
}

func TestFailedMarkCanStillTurnGreenByExecution(t *testing.T) {
	ctx := testutil.Context(t)
	reg := dep.NewRegistry()
	volatile := reg.Register(dep.KindInfo{
		Name:             "Volatile",
		EvalAlways:       true,
		FingerprintStyle: dep.StyleDefPathHash,
	})
	anon := reg.Register(dep.KindInfo{Name: "AnonProbe", Anon: true})
	keyed := reg.Register(dep.KindInfo{Name: "Task", FingerprintStyle: dep.StyleDefPathHash})
	node := testutil.KeyNode(keyed, "t")

	// t depends on an anonymous probe over an eval-always node. The probe's
	// identity is run-local, so next run's marking cannot resolve it.
	runTask := func(g *graph.Graph) (graph.NodeIndex, error) {
		_, idx, err := g.WithTask(ctx, node, testutil.HashString,
			func(tctx context.Context) (any, error) {
				_, aIdx, aerr := g.WithAnonTask(tctx, anon, func(actx context.Context) (any, error) {
					_, vIdx, verr := g.WithTask(actx, testutil.KeyNode(volatile, "v"), testutil.HashString,
						func(context.Context) (any, error) { return "tick", nil })
					if verr != nil {
						return nil, verr
					}
					g.Read(actx, vIdx)
					return nil, nil
				})
				if aerr != nil {
					return nil, aerr
				}
				g.Read(tctx, aIdx)
				return "result", nil
			})
		return idx, err
	}

	prevG := graph.New(reg, serialized.Empty())
	_, err := runTask(prevG)
	require.NoError(t, err)

	g := graph.New(reg, prevG.Snapshot())

	// Marking fails on the unreconstructible anonymous edge, but leaves no
	// verdict.
	_, green, err := g.TryMarkGreen(ctx, node)
	require.NoError(t, err)
	require.False(t, green)
	_, resolved := g.ColorOf(node)
	assert.False(t, resolved, "a failed mark must roll back to unvisited, not to red")

	// Re-executing with an identical result fingerprint settles it green:
	// the fresh anonymous node has no previous color to poison the read-set.
	idx, err := runTask(g)
	require.NoError(t, err)

	color, resolved := g.ColorOf(node)
	require.True(t, resolved)
	assert.True(t, color.Green)

	// Queries after the verdict are memoized and monotone.
	gotIdx, green, err := g.TryMarkGreen(ctx, node)
	require.NoError(t, err)
	assert.True(t, green)
	assert.Equal(t, idx, gotIdx)
}

func TestStructuralCycleIsAnError(t *testing.T) {
	ctx := testutil.Context(t)
	reg := dep.NewRegistry()
	keyed := reg.Register(dep.KindInfo{Name: "Task", FingerprintStyle: dep.StyleDefPathHash})

	// A corrupt or adversarial previous graph: a -> b -> c -> a.
	nodes := []dep.Node{
		testutil.KeyNode(keyed, "a"),
		testutil.KeyNode(keyed, "b"),
		testutil.KeyNode(keyed, "c"),
	}
	fps := []fingerprint.Fingerprint{
		fingerprint.OfString("fa"),
		fingerprint.OfString("fb"),
		fingerprint.OfString("fc"),
	}
	edges := [][]serialized.Index{{1}, {2}, {0}}
	prev := serialized.New(nodes, fps, edges, nil)

	g := graph.New(reg, prev)
	_, green, err := g.TryMarkGreen(ctx, nodes[0])
	require.Error(t, err)
	assert.False(t, green)

	var cycleErr *graph.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Len(t, cycleErr.Path, 4, "the path should close the loop back on the entry node")
}

func TestConcurrentCycleQueriesDoNotDeadlock(t *testing.T) {
	ctx := testutil.Context(t)
	reg := dep.NewRegistry()
	keyed := reg.Register(dep.KindInfo{Name: "Task", FingerprintStyle: dep.StyleDefPathHash})

	nodes := []dep.Node{
		testutil.KeyNode(keyed, "a"),
		testutil.KeyNode(keyed, "b"),
	}
	fps := []fingerprint.Fingerprint{
		fingerprint.OfString("fa"),
		fingerprint.OfString("fb"),
	}
	edges := [][]serialized.Index{{1}, {0}}
	prev := serialized.New(nodes, fps, edges, nil)

	g := graph.New(reg, prev)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.TryMarkGreen(ctx, nodes[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.Error(t, err, "query %d", i)
		var cycleErr *graph.CycleError
		assert.ErrorAs(t, err, &cycleErr)
	}
}

func TestContendedMarkingOfAcyclicGraphNeverReportsACycle(t *testing.T) {
	// Diamond over a shared chain: x depends on v, y depends on x, w depends
	// on both x and y. Queries for y and w contend on x and then on y, so
	// one resolver regularly finishes a node another marker is parked on and
	// immediately claims the next contended node. A resolution that finishes
	// must take its waiters' blocked edges with it; a leftover edge makes
	// this acyclic graph look like a deadlock.
	ctx := testutil.Context(t)
	reg := dep.NewRegistry()
	keyed := reg.Register(dep.KindInfo{Name: "Task", FingerprintStyle: dep.StyleDefPathHash})

	nodes := []dep.Node{
		testutil.KeyNode(keyed, "v"),
		testutil.KeyNode(keyed, "x"),
		testutil.KeyNode(keyed, "y"),
		testutil.KeyNode(keyed, "w"),
	}
	fps := []fingerprint.Fingerprint{
		fingerprint.OfString("fv"),
		fingerprint.OfString("fx"),
		fingerprint.OfString("fy"),
		fingerprint.OfString("fw"),
	}
	edges := [][]serialized.Index{{}, {0}, {1}, {1, 2}}
	prev := serialized.New(nodes, fps, edges, nil)

	for i := 0; i < 300; i++ {
		g := graph.New(reg, prev)
		var wg sync.WaitGroup
		errs := make([]error, 2)
		greens := make([]bool, 2)
		for j, target := range []dep.Node{nodes[2], nodes[3]} {
			wg.Add(1)
			go func(j int, target dep.Node) {
				defer wg.Done()
				_, greens[j], errs[j] = g.TryMarkGreen(ctx, target)
			}(j, target)
		}
		wg.Wait()

		for j := range errs {
			require.NoError(t, errs[j], "iteration %d query %d", i, j)
			require.True(t, greens[j], "iteration %d query %d", i, j)
		}
	}
}

func TestCycleClosedThroughForceIsDetected(t *testing.T) {
	ctx := testutil.Context(t)
	reg := dep.NewRegistry()

	var g *graph.Graph
	var taskKind dep.Kind
	var forceErr error

	volatile := reg.Register(dep.KindInfo{
		Name:             "Volatile",
		EvalAlways:       true,
		FingerprintStyle: dep.StyleDefPathHash,
	})
	// Forcing d marks e, and e depends on the node whose marking triggered
	// the force: a cycle that only exists through the callback.
	forcible := reg.Register(dep.KindInfo{
		Name:             "Forcible",
		FingerprintStyle: dep.StyleDefPathHash,
		Force: func(fctx context.Context, node dep.Node) bool {
			_, _, forceErr = g.TryMarkGreen(fctx, testutil.KeyNode(taskKind, "e"))
			return false
		},
	})
	taskKind = reg.Register(dep.KindInfo{Name: "Task", FingerprintStyle: dep.StyleDefPathHash})

	nodes := []dep.Node{
		testutil.KeyNode(volatile, "va"),
		testutil.KeyNode(forcible, "d"),
		testutil.KeyNode(taskKind, "k"),
		testutil.KeyNode(taskKind, "e"),
	}
	fps := []fingerprint.Fingerprint{
		fingerprint.OfString("fva"),
		fingerprint.OfString("fd"),
		fingerprint.OfString("fk"),
		fingerprint.OfString("fe"),
	}
	// The volatile edge defeats d's own marking so the force fires.
	edges := [][]serialized.Index{{}, {0}, {1}, {2}}
	prev := serialized.New(nodes, fps, edges, nil)
	g = graph.New(reg, prev)

	type outcome struct {
		green bool
		err   error
	}
	result := make(chan outcome, 1)
	go func() {
		_, green, err := g.TryMarkGreen(ctx, nodes[2])
		result <- outcome{green: green, err: err}
	}()

	var got outcome
	select {
	case got = <-result:
	case <-time.After(5 * time.Second):
		t.Fatal("marking hung on a cycle routed through a force callback")
	}
	require.NoError(t, got.err)
	assert.False(t, got.green)

	// The nested query saw the structural cycle, with the frames of both
	// resolutions stitched into the trace.
	var cycleErr *graph.CycleError
	require.ErrorAs(t, forceErr, &cycleErr)
	trace := strings.Join(cycleErr.Path, " -> ")
	assert.Contains(t, trace, reg.DescribeNode(nodes[3]), "the forced resolution's own frame")
	assert.Contains(t, trace, reg.DescribeNode(nodes[2]), "the frame of the marking that invoked the force")
}

func TestConcurrentMarkingOfSharedSubgraph(t *testing.T) {
	ctx := testutil.Context(t)
	f := newMarkFixture(t,
		map[string]string{"base": "vb", "l": "vl", "r": "vr"},
		map[string][]string{"l": {"base"}, "r": {"base"}})
	prev := f.firstRun(ctx, "l", "r")

	f.begin(prev)
	var wg sync.WaitGroup
	greens := make([]bool, 2)
	errs := make([]error, 2)
	for i, name := range []string{"l", "r"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, greens[i], errs[i] = f.g.TryMarkGreen(ctx, f.node(name))
		}(i, name)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.True(t, greens[i])
	}
	assert.Empty(t, f.executed)
	// The shared dependency was interned exactly once.
	_, ok := f.g.LookupNode(f.node("base"))
	assert.True(t, ok)
	assert.Equal(t, 4, f.g.NumNodes())
}

func TestPanicDuringForceRollsBackAndStaysUsable(t *testing.T) {
	ctx := testutil.Context(t)
	reg := dep.NewRegistry()
	volatile := reg.Register(dep.KindInfo{
		Name:             "Volatile",
		EvalAlways:       true,
		FingerprintStyle: dep.StyleDefPathHash,
	})
	panicked := false
	flaky := reg.Register(dep.KindInfo{
		Name:             "Flaky",
		FingerprintStyle: dep.StyleDefPathHash,
		Force: func(context.Context, dep.Node) bool {
			if !panicked {
				panicked = true
				panic("injected failure")
			}
			return false
		},
	})
	keyed := reg.Register(dep.KindInfo{Name: "Task", FingerprintStyle: dep.StyleDefPathHash})

	// top -> flaky -> volatile: marking flaky fails, so it gets forced.
	nodes := []dep.Node{
		testutil.KeyNode(volatile, "v"),
		testutil.KeyNode(flaky, "f"),
		testutil.KeyNode(keyed, "top"),
	}
	fps := []fingerprint.Fingerprint{
		fingerprint.OfString("fv"),
		fingerprint.OfString("ff"),
		fingerprint.OfString("ft"),
	}
	edges := [][]serialized.Index{{}, {0}, {1}}
	prev := serialized.New(nodes, fps, edges, nil)

	g := graph.New(reg, prev)

	require.Panics(t, func() {
		_, _, _ = g.TryMarkGreen(ctx, nodes[2])
	})
	require.True(t, panicked)

	// The in-progress claims were rolled back; the same query now completes
	// without hanging and reports a plain miss.
	_, green, err := g.TryMarkGreen(ctx, nodes[2])
	require.NoError(t, err)
	assert.False(t, green)
}

func TestLoadDiskCacheRunsForEveryMarkedNode(t *testing.T) {
	ctx := testutil.Context(t)
	reg := dep.NewRegistry()
	var mu sync.Mutex
	var loaded []dep.Node
	kind := reg.Register(dep.KindInfo{
		Name:             "Cached",
		FingerprintStyle: dep.StyleDefPathHash,
		LoadDiskCache: func(_ context.Context, node dep.Node) {
			mu.Lock()
			loaded = append(loaded, node)
			mu.Unlock()
		},
	})
	leaf := testutil.KeyNode(kind, "leaf")
	top := testutil.KeyNode(kind, "top")

	prevG := graph.New(reg, serialized.Empty())
	_, leafIdx, err := prevG.WithTask(ctx, leaf, testutil.HashString,
		func(context.Context) (any, error) { return "vl", nil })
	require.NoError(t, err)
	_, _, err = prevG.WithTask(ctx, top, testutil.HashString,
		func(tctx context.Context) (any, error) {
			prevG.Read(tctx, leafIdx)
			return "vt", nil
		})
	require.NoError(t, err)

	g := graph.New(reg, prevG.Snapshot())
	_, green, err := g.TryMarkGreen(ctx, top)
	require.NoError(t, err)
	require.True(t, green)
	assert.ElementsMatch(t, []dep.Node{leaf, top}, loaded)
}
