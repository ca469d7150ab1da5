// Package logging provides structured logging for voxeld.
//
// This package wraps the standard library's log/slog package so every
// ingestion stage logs the same way. It supports text and JSON output,
// configurable levels and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("reassembly")
//	log.Debug("fragment rejected", "unit", 7, "seq", 42, "error", err)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a config level name (debug, info, warn, error).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Package-level component loggers are created before main calls Init, so the
// returned logger forwards to whatever Logger is current at log time.
//
// Example:
//
//	log := logging.Component("server")
//	log.Info("started") // Output: time=... level=INFO component=server msg=started
func Component(name string) *slog.Logger {
	return slog.New(&componentHandler{attrs: []slog.Attr{slog.String("component", name)}})
}

// WithContext returns base with the unit and worker values of ctx
// attached. A nil base means the current Logger.
func WithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	logger := base
	if logger == nil {
		if Logger == nil {
			Init(slog.LevelInfo, false)
		}
		logger = Logger
	}

	if worker, ok := ctx.Value(contextKeyWorker).(int); ok {
		logger = logger.With("worker", worker)
	}
	if unit, ok := ctx.Value(contextKeyUnit).(uint16); ok {
		logger = logger.With("unit", unit)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyUnit contextKey = iota
	contextKeyWorker
)

// ContextWithUnit adds a sensing unit id to the context for logging.
func ContextWithUnit(ctx context.Context, unit uint16) context.Context {
	return context.WithValue(ctx, contextKeyUnit, unit)
}

// ContextWithWorker adds a worker index to the context for logging.
func ContextWithWorker(ctx context.Context, worker int) context.Context {
	return context.WithValue(ctx, contextKeyWorker, worker)
}

// componentHandler resolves the global handler on every call.
type componentHandler struct {
	attrs  []slog.Attr
	groups []string
}

func (h *componentHandler) current() slog.Handler {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	var next slog.Handler = Logger.Handler()
	if len(h.attrs) > 0 {
		next = next.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		next = next.WithGroup(g)
	}
	return next
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.current().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(h.groups) > 0 {
		// attributes after a group must stay inside it
		return h.current().WithAttrs(attrs)
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &componentHandler{attrs: merged}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &componentHandler{attrs: h.attrs, groups: groups}
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Error(msg, args...)
}
