// Package workload executes an HCL-declared set of tasks through the
// dependency graph, across runs. Each task's node is keyed by its name; its
// result fingerprint covers its declared input and the fingerprints of its
// dependencies, so changing one leaf input turns exactly the transitive
// closure of its dependents red while unrelated subgraphs stay green.
package workload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vk/redgreengo/internal/config"
	"github.com/vk/redgreengo/internal/ctxlog"
	"github.com/vk/redgreengo/internal/dep"
	"github.com/vk/redgreengo/internal/fingerprint"
	"github.com/vk/redgreengo/internal/graph"
	"github.com/vk/redgreengo/internal/serialized"
	"github.com/vk/redgreengo/internal/workproduct"
)

// TaskState is the per-task outcome of one run.
type TaskState string

const (
	// StateGreen means the task's previous result was proven valid and
	// reused without executing the task body.
	StateGreen TaskState = "green"
	// StateExecuted means the task body ran this run.
	StateExecuted TaskState = "executed"
)

// Report summarizes one run.
type Report struct {
	States   map[string]TaskState
	Executed int
	Green    int
}

type taskEntry struct {
	once sync.Once
	idx  graph.NodeIndex
	err  error
	ran  bool
}

// Runner drives a declared workload through the engine.
type Runner struct {
	registry  *dep.Registry
	taskKind  dep.Kind
	inputKind dep.Kind
	cfg       *config.Config
	tasks     map[string]config.Task
	names     map[fingerprint.Fingerprint]string

	graph   *graph.Graph
	mu      sync.Mutex
	entries map[string]*taskEntry
}

// NewRunner builds a runner for a validated configuration. Tasks use a keyed
// kind whose force callback re-enters the runner, so marking can execute
// not-yet-run tasks on demand. Declared inputs get their own kind: input
// nodes are re-executed eagerly every run, which settles their color by
// fingerprint comparison and makes an edited input visible to marking.
func NewRunner(cfg *config.Config) *Runner {
	r := &Runner{
		registry: dep.NewRegistry(),
		cfg:      cfg,
		tasks:    cfg.TasksByName(),
		names:    make(map[fingerprint.Fingerprint]string, len(cfg.Tasks)),
		entries:  make(map[string]*taskEntry, len(cfg.Tasks)),
	}
	r.taskKind = r.registry.Register(dep.KindInfo{
		Name:             "WorkloadTask",
		FingerprintStyle: dep.StyleDefPathHash,
		Force:            r.force,
	})
	r.inputKind = r.registry.Register(dep.KindInfo{
		Name:             "WorkloadInput",
		FingerprintStyle: dep.StyleDefPathHash,
	})
	for _, t := range cfg.Tasks {
		r.names[r.taskNode(t.Name).Fingerprint] = t.Name
	}
	return r
}

// Registry exposes the kind registry, e.g. for decoding persisted graphs.
func (r *Runner) Registry() *dep.Registry { return r.registry }

// Run executes the workload against the previous run's persisted graph and
// returns the report plus the encoded graph for the next run. Corrupt
// previous data degrades to a full rebuild.
func (r *Runner) Run(ctx context.Context, prevData []byte) (*Report, []byte, error) {
	logger := ctxlog.FromContext(ctx)

	prev := serialized.Empty()
	if len(prevData) > 0 {
		decoded, err := serialized.Decode(r.registry, prevData)
		if err != nil {
			if !errors.Is(err, serialized.ErrCorrupt) {
				return nil, nil, err
			}
			logger.Warn("Previous graph unusable, rebuilding from scratch.", "reason", err)
		} else {
			prev = decoded
		}
	}
	logger.Info("Starting workload run.", "tasks", len(r.cfg.Tasks), "prevNodes", prev.NumNodes())

	r.graph = graph.New(r.registry, prev)

	// Re-evaluate every declared input up front. Inputs are cheap; running
	// them settles their previous-run color by fingerprint comparison, so a
	// changed value poisons its dependents during marking.
	for _, t := range r.cfg.Tasks {
		input := t.Input
		_, _, err := r.graph.WithTask(ctx, r.inputNode(t.Name), hashResult,
			func(context.Context) (any, error) { return input, nil })
		if err != nil {
			return nil, nil, err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.Engine.Workers)
	for _, t := range r.cfg.Tasks {
		t := t
		eg.Go(func() error {
			_, err := r.ensure(egCtx, t.Name)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	// Colors are settled once every task has either been marked green or
	// executed; only now is artifact reconciliation safe.
	if err := r.graph.ReconcileWorkProducts(ctx); err != nil {
		return nil, nil, fmt.Errorf("reconciling work products: %w", err)
	}

	encoded, err := serialized.Encode(r.registry, r.graph.Snapshot())
	if err != nil {
		return nil, nil, err
	}

	report := &Report{States: make(map[string]TaskState, len(r.cfg.Tasks))}
	for name, e := range r.entries {
		if e.ran {
			report.States[name] = StateExecuted
			report.Executed++
		} else {
			report.States[name] = StateGreen
			report.Green++
		}
	}
	logger.Info("Workload run finished.",
		"executed", report.Executed, "green", report.Green, "nodes", r.graph.NumNodes())
	return report, encoded, nil
}

// ensure resolves one task exactly once per run: reuse it green if marking
// succeeds, execute it otherwise.
func (r *Runner) ensure(ctx context.Context, name string) (graph.NodeIndex, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		e = &taskEntry{}
		r.entries[name] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		e.idx, e.ran, e.err = r.resolve(ctx, name)
	})
	return e.idx, e.err
}

func (r *Runner) resolve(ctx context.Context, name string) (graph.NodeIndex, bool, error) {
	t, ok := r.tasks[name]
	if !ok {
		return 0, false, fmt.Errorf("workload: unknown task '%s'", name)
	}
	node := r.taskNode(name)
	logger := ctxlog.FromContext(ctx).With("task", name)

	if idx, green, err := r.graph.TryMarkGreen(ctx, node); err != nil {
		return 0, false, err
	} else if green {
		logger.Debug("Task reused from previous run.")
		return idx, false, nil
	}

	logger.Debug("Executing task.")
	_, idx, err := r.graph.WithTask(ctx, node, hashResult, func(tctx context.Context) (any, error) {
		inputIdx, ok := r.graph.LookupNode(r.inputNode(name))
		if !ok {
			return nil, fmt.Errorf("workload: input node for '%s' missing", name)
		}
		r.graph.Read(tctx, inputIdx)

		parts := []string{r.graph.FingerprintAt(inputIdx).String()}
		for _, dpName := range t.DependsOn {
			dpIdx, err := r.ensure(tctx, dpName)
			if err != nil {
				return nil, err
			}
			r.graph.Read(tctx, dpIdx)
			parts = append(parts, r.graph.FingerprintAt(dpIdx).String())
		}
		result := strings.Join(parts, "|")

		if t.Artifact != "" {
			if err := writeArtifact(t.Artifact, result); err != nil {
				return nil, fmt.Errorf("task '%s': %w", name, err)
			}
			id := workproduct.ID("wp." + name)
			if err := r.graph.RegisterWorkProduct(tctx, id, []string{t.Artifact}); err != nil {
				return nil, err
			}
		}
		return result, nil
	})
	if err != nil {
		return 0, false, err
	}
	return idx, true, nil
}

// force lets the marking algorithm execute a task it discovered in the
// previous graph before the run got to it.
func (r *Runner) force(ctx context.Context, node dep.Node) bool {
	name, ok := r.names[node.Fingerprint]
	if !ok {
		// A task that existed last run but is no longer declared.
		return false
	}
	_, err := r.ensure(ctx, name)
	return err == nil
}

func (r *Runner) taskNode(name string) dep.Node {
	return dep.NewNode(r.taskKind, fingerprint.OfString("task."+name))
}

func (r *Runner) inputNode(name string) dep.Node {
	return dep.NewNode(r.inputKind, fingerprint.OfString("input."+name))
}

func hashResult(result any) fingerprint.Fingerprint {
	return fingerprint.OfString(result.(string))
}

func writeArtifact(path, content string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating artifact directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	return nil
}
