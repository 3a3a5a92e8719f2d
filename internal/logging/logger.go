// Package logging builds the process-wide slog.Logger. Every worker
// process gets a FanoutHandler writing newline-delimited JSON to a file
// (for an external log sink, out of scope here) and, when LOG_FORMAT is
// "console", a colorized single-line handler to stderr for operators
// running a worker in a foreground terminal.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	reset  = "\033[0m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	gray   = "\033[37m"
)

// ConsoleHandler writes one colorized line per record to out.
type ConsoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := reset
	switch r.Level {
	case slog.LevelDebug:
		levelColor = gray
	case slog.LevelInfo:
		levelColor = green
	case slog.LevelWarn:
		levelColor = yellow
	case slog.LevelError:
		levelColor = red
	}

	timeStr := r.Time.Format(time.TimeOnly)
	attrs := ""
	r.Attrs(func(a slog.Attr) bool {
		attrs += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})

	msg := fmt.Sprintf("%s%s%s [%s] %s%s\n", levelColor, r.Level.String()[:4], reset, timeStr, r.Message, attrs)
	_, err := h.out.Write([]byte(msg))
	return err
}

func (h *ConsoleHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *ConsoleHandler) WithGroup(string) slog.Handler      { return h }

// FanoutHandler dispatches every record to each inner handler and never
// fails the caller when one handler errors.
type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		_ = handler.Handle(ctx, r.Clone())
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: newHandlers}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: newHandlers}
}

// Options configures New.
type Options struct {
	Component string // "download-worker", "upload-dispatcher", ...
	LogDir    string // directory for the JSON log file; created if absent
	Format    string // "console" or "json"
}

// New builds the fanout logger and returns a closer for the underlying
// log file.
func New(opts Options) (*slog.Logger, func() error, error) {
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(os.TempDir(), "jobpipeline", "logs")
	}
	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(opts.LogDir, opts.Component+".json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	handlers := []slog.Handler{slog.NewJSONHandler(f, nil)}
	if opts.Format != "json" {
		handlers = append(handlers, NewConsoleHandler(os.Stderr))
	}

	base := slog.New(&FanoutHandler{handlers: handlers})
	logger := base.With("component", opts.Component)
	return logger, f.Close, nil
}
