package app

import (
	"io"
	"log/slog"
)

// logLevels maps the log_level vocabulary accepted by config validation onto
// slog levels. An unset override falls through to the map's zero value, which
// is slog.LevelInfo.
var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// newLogger builds the logger for one run from the merged config and CLI
// overrides. It never touches the process-global default; the instance
// travels by context through ctxlog so marking and workload code log through
// the run that owns them.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevels[level]}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
