// Package logger wraps log/slog with source-location reporting and
// fan-out to multiple writers, matching the shape of the teacher's own
// internal/logger package (NewLogger with functional options, a Logger
// interface with Debug/Info/Warn/Error and formatted variants).
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the structured logging surface used throughout the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	// With returns a Logger that always attaches the given key/value
	// pairs, e.g. task id or resource name.
	With(args ...any) Logger
}

type options struct {
	debug  bool
	format string // "text" or "json"
	writer io.Writer
	extra  []io.Writer
	quiet  bool
}

// Option configures NewLogger.
type Option func(*options)

// WithDebug enables debug-level logging.
func WithDebug() Option { return func(o *options) { o.debug = true } }

// WithFormat selects "text" or "json" output.
func WithFormat(format string) Option { return func(o *options) { o.format = format } }

// WithWriter sets the primary output writer (defaults to os.Stdout).
func WithWriter(w io.Writer) Option { return func(o *options) { o.writer = w } }

// WithTee adds an additional writer that receives every record too —
// used to duplicate a session's log into its per-run log file while
// still writing to the primary writer.
func WithTee(w io.Writer) Option { return func(o *options) { o.extra = append(o.extra, w) } }

// WithQuiet suppresses the primary writer, useful in tests that only
// want to assert on a Tee target.
func WithQuiet() Option { return func(o *options) { o.quiet = true } }

type logger struct {
	sl *slog.Logger
}

// NewLogger builds a Logger from the given options.
func NewLogger(opts ...Option) Logger {
	o := options{format: "text", writer: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}

	var writers []io.Writer
	if !o.quiet {
		writers = append(writers, o.writer)
	}
	writers = append(writers, o.extra...)
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	handlers := make([]slog.Handler, 0, len(writers))
	for _, w := range writers {
		handlers = append(handlers, newHandler(w, o.format, level))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = slogmulti.Fanout(handlers...)
	}
	return &logger{sl: slog.New(h)}
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	hopts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, hopts)
	}
	return slog.NewTextHandler(w, hopts)
}

func source(skip int) slog.Attr {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return slog.Attr{}
	}
	return slog.String("source", fmt.Sprintf("%s:%d", file, line))
}

func (l *logger) log(level slog.Level, msg string, args ...any) {
	args = append(args, source(3))
	l.sl.Log(context.Background(), level, msg, args...)
}

func (l *logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *logger) Debugf(format string, args ...any) { l.log(slog.LevelDebug, fmt.Sprintf(format, args...)) }
func (l *logger) Infof(format string, args ...any)  { l.log(slog.LevelInfo, fmt.Sprintf(format, args...)) }
func (l *logger) Warnf(format string, args ...any)  { l.log(slog.LevelWarn, fmt.Sprintf(format, args...)) }
func (l *logger) Errorf(format string, args ...any) { l.log(slog.LevelError, fmt.Sprintf(format, args...)) }

func (l *logger) With(args ...any) Logger {
	return &logger{sl: l.sl.With(args...)}
}
