// Package app wires configuration, logging, the workload runner and graph
// persistence into the runnable tool.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/vk/redgreengo/internal/config"
	"github.com/vk/redgreengo/internal/ctxlog"
	"github.com/vk/redgreengo/internal/serialized"
	"github.com/vk/redgreengo/internal/workload"
)

// App is one instance of the tool.
type App struct {
	out io.Writer
	cfg *Config
}

// NewApp creates an App writing human-readable output to outW.
func NewApp(outW io.Writer, cfg *Config) *App {
	return &App{out: outW, cfg: cfg}
}

// Run loads the workload configuration and dispatches on the selected mode.
func (a *App) Run(ctx context.Context) error {
	wlCfg, err := config.Load(a.cfg.ConfigPath)
	if err != nil {
		return err
	}

	logLevel := wlCfg.Engine.LogLevel
	if a.cfg.LogLevel != "" {
		logLevel = a.cfg.LogLevel
	}
	logFormat := wlCfg.Engine.LogFormat
	if a.cfg.LogFormat != "" {
		logFormat = a.cfg.LogFormat
	}
	logger := newLogger(logLevel, logFormat, os.Stderr)
	ctx = ctxlog.WithLogger(ctx, logger)

	graphPath := wlCfg.Engine.GraphPath
	if a.cfg.GraphPath != "" {
		graphPath = a.cfg.GraphPath
	}

	switch a.cfg.Mode {
	case ModeRun:
		return a.runWorkload(ctx, wlCfg, graphPath)
	case ModeInspect:
		return a.inspectGraph(ctx, wlCfg, graphPath)
	case ModeVerify:
		return a.verifyGraph(ctx, wlCfg, graphPath)
	default:
		return fmt.Errorf("unknown mode '%s'", a.cfg.Mode)
	}
}

func (a *App) runWorkload(ctx context.Context, wlCfg *config.Config, graphPath string) error {
	logger := ctxlog.FromContext(ctx)

	prevData, err := os.ReadFile(graphPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading previous graph: %w", err)
		}
		logger.Info("No previous graph found, fresh run.", "path", graphPath)
		prevData = nil
	}

	runner := workload.NewRunner(wlCfg)
	report, encoded, err := runner.Run(ctx, prevData)
	if err != nil {
		return err
	}

	if err := os.WriteFile(graphPath, encoded, 0o644); err != nil {
		return fmt.Errorf("persisting graph: %w", err)
	}

	names := make([]string, 0, len(report.States))
	for name := range report.States {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(a.out, "%-10s %s\n", report.States[name], name)
	}
	fmt.Fprintf(a.out, "executed %d, reused %d\n", report.Executed, report.Green)
	return nil
}

func (a *App) inspectGraph(ctx context.Context, wlCfg *config.Config, graphPath string) error {
	runner := workload.NewRunner(wlCfg)
	g, err := a.loadGraph(runner, graphPath)
	if err != nil {
		return err
	}

	perKind := make(map[string]int)
	totalEdges := 0
	for i := 0; i < g.NumNodes(); i++ {
		idx := serialized.Index(i)
		node := g.Node(idx)
		perKind[runner.Registry().Info(node.Kind).Name]++
		totalEdges += len(g.Edges(idx))
	}

	fmt.Fprintf(a.out, "graph: %s\n", graphPath)
	fmt.Fprintf(a.out, "nodes: %d\n", g.NumNodes())
	fmt.Fprintf(a.out, "edges: %d\n", totalEdges)
	fmt.Fprintf(a.out, "work products: %d\n", len(g.WorkProducts()))

	kinds := make([]string, 0, len(perKind))
	for k := range perKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(a.out, "  %-20s %d\n", k, perKind[k])
	}
	return nil
}

func (a *App) verifyGraph(ctx context.Context, wlCfg *config.Config, graphPath string) error {
	if _, err := a.loadGraph(workload.NewRunner(wlCfg), graphPath); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "ok: %s\n", graphPath)
	return nil
}

func (a *App) loadGraph(runner *workload.Runner, graphPath string) (*serialized.Graph, error) {
	data, err := os.ReadFile(graphPath)
	if err != nil {
		return nil, fmt.Errorf("reading graph: %w", err)
	}
	g, err := serialized.Decode(runner.Registry(), data)
	if err != nil {
		if errors.Is(err, serialized.ErrCorrupt) {
			return nil, fmt.Errorf("graph file is corrupt: %w", err)
		}
		return nil, err
	}
	return g, nil
}
