package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleHandlerWritesLevelAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf)
	logger := slog.New(h)
	logger.Info("job started", "jobId", 7)

	out := buf.String()
	assert.Contains(t, out, "job started")
	assert.Contains(t, out, "jobId=7")
}

func TestFanoutHandlerDispatchesToAllHandlers(t *testing.T) {
	var a, b bytes.Buffer
	fh := &FanoutHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		NewConsoleHandler(&b),
	}}
	logger := slog.New(fh)
	logger.Warn("disk low")

	assert.Contains(t, a.String(), "disk low")
	assert.Contains(t, b.String(), "disk low")
}

func TestFanoutHandlerSurvivesOneHandlerErroring(t *testing.T) {
	fh := &FanoutHandler{handlers: []slog.Handler{failingHandler{}, NewConsoleHandler(&bytes.Buffer{})}}
	logger := slog.New(fh)
	assert.NotPanics(t, func() { logger.Info("still logs") })
}

type failingHandler struct{}

func (failingHandler) Enabled(context.Context, slog.Level) bool  { return true }
func (failingHandler) Handle(context.Context, slog.Record) error { return assert.AnError }
func (h failingHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h failingHandler) WithGroup(string) slog.Handler           { return h }

func TestNewWritesJSONAndConsoleByDefault(t *testing.T) {
	dir := t.TempDir()
	logger, closeLog, err := New(Options{Component: "test-component", LogDir: dir})
	require.NoError(t, err)
	defer closeLog()

	logger.Info("hello")

	data, err := os.ReadFile(filepath.Join(dir, "test-component.json"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"hello"`))

	fh, ok := logger.Handler().(*FanoutHandler)
	require.True(t, ok)
	assert.Len(t, fh.handlers, 2)
}

func TestNewOmitsConsoleHandlerInJSONFormat(t *testing.T) {
	dir := t.TempDir()
	logger, closeLog, err := New(Options{Component: "json-only", LogDir: dir, Format: "json"})
	require.NoError(t, err)
	defer closeLog()

	fh, ok := logger.Handler().(*FanoutHandler)
	require.True(t, ok)
	assert.Len(t, fh.handlers, 1)
}
