package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Engine holds the engine-level settings from the `engine` block.
type Engine struct {
	GraphPath string
	Workers   int
	LogLevel  string
	LogFormat string
}

// Task is one declared unit of the workload. Input is the task's logical
// input value; changing it across runs is what turns the task red.
type Task struct {
	Name      string
	Input     string
	DependsOn []string
	Artifact  string
}

// Config is the fully validated configuration.
type Config struct {
	Engine Engine
	Tasks  []Task
}

type fileModel struct {
	Engine *engineBlock `hcl:"engine,block"`
	Tasks  []taskBlock  `hcl:"task,block"`
}

type engineBlock struct {
	GraphPath string  `hcl:"graph_path"`
	Workers   *int    `hcl:"workers,optional"`
	LogLevel  *string `hcl:"log_level,optional"`
	LogFormat *string `hcl:"log_format,optional"`
}

type taskBlock struct {
	Name      string    `hcl:"name,label"`
	Input     cty.Value `hcl:"input"`
	DependsOn []string  `hcl:"depends_on,optional"`
	Artifact  *string   `hcl:"artifact,optional"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(src, path)
}

// Parse decodes and validates configuration from raw HCL source. filename is
// used in diagnostics only.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing config: %w", diags)
	}

	var model fileModel
	if diags := gohcl.DecodeBody(file.Body, nil, &model); diags.HasErrors() {
		return nil, fmt.Errorf("decoding config: %w", diags)
	}
	if model.Engine == nil {
		return nil, fmt.Errorf("config %s: missing required 'engine' block", filename)
	}

	cfg := &Config{
		Engine: Engine{
			GraphPath: model.Engine.GraphPath,
			Workers:   4,
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
	if model.Engine.Workers != nil {
		cfg.Engine.Workers = *model.Engine.Workers
	}
	if model.Engine.LogLevel != nil {
		cfg.Engine.LogLevel = *model.Engine.LogLevel
	}
	if model.Engine.LogFormat != nil {
		cfg.Engine.LogFormat = *model.Engine.LogFormat
	}

	for _, tb := range model.Tasks {
		// Inputs may be written as any primitive expression; they are
		// normalized to their string form for fingerprinting.
		inputVal, err := convert.Convert(tb.Input, cty.String)
		if err != nil {
			return nil, fmt.Errorf("task '%s': input is not convertible to string: %w", tb.Name, err)
		}
		if inputVal.IsNull() {
			return nil, fmt.Errorf("task '%s': input must not be null", tb.Name)
		}
		task := Task{
			Name:      tb.Name,
			Input:     inputVal.AsString(),
			DependsOn: tb.DependsOn,
		}
		if tb.Artifact != nil {
			task.Artifact = *tb.Artifact
		}
		cfg.Tasks = append(cfg.Tasks, task)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.GraphPath == "" {
		return fmt.Errorf("engine: graph_path must not be empty")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine: workers must be at least 1, got %d", c.Engine.Workers)
	}
	switch c.Engine.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("engine: invalid log_level '%s'", c.Engine.LogLevel)
	}
	switch c.Engine.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("engine: invalid log_format '%s'", c.Engine.LogFormat)
	}

	byName := make(map[string]Task, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task with empty name")
		}
		if _, dup := byName[t.Name]; dup {
			return fmt.Errorf("duplicate task '%s'", t.Name)
		}
		byName[t.Name] = t
	}
	for _, t := range c.Tasks {
		for _, dp := range t.DependsOn {
			if dp == t.Name {
				return fmt.Errorf("task '%s' depends on itself", t.Name)
			}
			if _, ok := byName[dp]; !ok {
				return fmt.Errorf("task '%s' depends on undeclared task '%s'", t.Name, dp)
			}
		}
	}
	return c.detectCycles(byName)
}

// detectCycles runs a three-state depth-first search over the declared
// dependency edges. Declared cycles are rejected here so the engine's own
// structural cycle detection is reserved for recorded-graph bugs.
func (c *Config) detectCycles(byName map[string]Task) error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if permanent[name] {
			return nil
		}
		if temporary[name] {
			return fmt.Errorf("dependency cycle in config involving task '%s'", name)
		}
		temporary[name] = true
		for _, dp := range byName[name].DependsOn {
			if err := visit(dp); err != nil {
				return err
			}
		}
		delete(temporary, name)
		permanent[name] = true
		return nil
	}

	for _, t := range c.Tasks {
		if !permanent[t.Name] {
			if err := visit(t.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// TasksByName indexes the declared tasks.
func (c *Config) TasksByName() map[string]Task {
	out := make(map[string]Task, len(c.Tasks))
	for _, t := range c.Tasks {
		out[t.Name] = t
	}
	return out
}
