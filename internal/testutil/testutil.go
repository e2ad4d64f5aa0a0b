// Package testutil provides shared helpers for engine tests: quiet loggers,
// pre-wired registries and node constructors.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/vk/redgreengo/internal/ctxlog"
	"github.com/vk/redgreengo/internal/dep"
	"github.com/vk/redgreengo/internal/fingerprint"
)

// Context returns a context carrying a logger that discards everything,
// keeping test output clean while exercising the logging paths.
func Context(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

// VerboseContext returns a context logging at debug level to the test log,
// for tests that want the engine's trace in failures.
func VerboseContext(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return ctxlog.WithLogger(context.Background(), logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// KeyNode builds a keyed node identity from a readable name.
func KeyNode(kind dep.Kind, name string) dep.Node {
	return dep.NewNode(kind, fingerprint.OfString(name))
}

// HashString is a HashFunc-shaped helper fingerprinting string results.
func HashString(result any) fingerprint.Fingerprint {
	return fingerprint.OfString(result.(string))
}
