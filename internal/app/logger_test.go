package app

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", "text", &buf)

	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
}

func TestNewLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("info", "json", &buf)

	logger.Info("hello", "task", "compile")
	out := buf.String()
	assert.Contains(t, out, `"msg":"hello"`)
	assert.Contains(t, out, `"task":"compile"`)
}

func TestNewLoggerDefaultsToInfoText(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("", "", &buf)

	logger.Debug("quiet")
	logger.Info("shown")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "shown")
	assert.NotContains(t, out, "{", "unconfigured format stays human-readable text")
}
