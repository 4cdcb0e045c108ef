// Package obslog builds the supervisor's own structured operational
// logger: every mode switch, crash classification, and restart-protocol
// step goes through this, independent of the in-memory LogBuffer that
// captures child process output. It rotates to disk via lumberjack the way
// the reference implementation rotates every managed process's captured
// stdout/stderr, retargeted here at the supervisor's own trace instead.
package obslog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Options configures New.
type Options struct {
	// Dir, when non-empty, rotates the operational log to
	// Dir/supervisor.log via lumberjack instead of writing to stderr.
	Dir     string
	Verbose bool // maps to slog.LevelDebug instead of slog.LevelInfo
}

// New builds the operational logger. With Dir empty, output goes to
// stderr through the color handler (useful for interactive runs); with Dir
// set, output rotates to disk through lumberjack in plain text (color
// codes have no reader once redirected to a file).
func New(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if opts.Dir == "" {
		return slog.New(NewColorTextHandler(os.Stderr, handlerOpts, true))
	}

	_ = os.MkdirAll(opts.Dir, 0o750)
	sink := &lj.Logger{
		Filename:   filepath.Join(opts.Dir, "supervisor.log"),
		MaxSize:    DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAge:     DefaultMaxAgeDays,
		Compress:   true,
	}
	return slog.New(slog.NewTextHandler(sink, handlerOpts))
}

// ColorTextHandler wraps slog.TextHandler to add per-level ANSI color to
// interactive terminal output.
type ColorTextHandler struct {
	*slog.TextHandler
}

// NewColorTextHandler creates a ColorTextHandler writing to w.
// showTime is accepted for call-site clarity but delegated entirely to the
// underlying TextHandler via opts (slog.HandlerOptions has no direct
// "hide time" knob, so callers wanting no timestamps should replace
// ReplaceAttr in opts instead).
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

// levelColors maps each slog level to its ANSI escape; ansiReset is used
// both as the terminator and as the fallback for any level not listed here.
const ansiReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = ansiReset
	}
	r.Message = color + r.Level.String() + ansiReset + "  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
