// Package logger provides structured logging for the rendering engine.
//
// It wraps Go's standard log/slog with:
//   - Per-phase convenience functions for the render pipeline
//   - Contextual logging that auto-enriches records with render/scope/element fields
//   - Per-module level filtering (ModuleHandler)
//   - JSON or text output, configurable via LOG_FORMAT/LOG_LEVEL or Configure
//
// All exported functions use the global DefaultLogger, which can be replaced
// wholesale with SetLogger for callers that want full control over the handler.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger

	currentLevel  slog.Level
	currentFormat string
	logOutput     io.Writer = os.Stderr

	// customHandler is non-nil once SetLogger installs a caller-supplied
	// logger. While set, SetLevel and Configure leave it alone.
	customHandler slog.Handler
)

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		level = ParseLevel(envLevel)
	}

	currentFormat = FormatText
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), FormatJSON) {
		currentFormat = FormatJSON
	}

	initLogger(level, nil)
}

// initLogger (re)builds DefaultLogger from the current format, output, and
// module configuration. It does not touch customHandler.
func initLogger(level slog.Level, commonFields []slog.Attr) {
	currentLevel = level

	opts := &slog.HandlerOptions{Level: level}

	var baseHandler slog.Handler
	if currentFormat == FormatJSON {
		baseHandler = slog.NewJSONHandler(logOutput, opts)
	} else {
		baseHandler = slog.NewTextHandler(logOutput, opts)
	}

	var handler slog.Handler
	if mc := globalModuleConfig; mc != nil && len(mc.modules) > 0 {
		handler = NewModuleHandler(baseHandler, mc, commonFields...)
	} else {
		handler = NewContextHandler(baseHandler, commonFields...)
	}

	DefaultLogger = slog.New(handler)
	slog.SetDefault(DefaultLogger)
}

// ParseLevel converts a level name (case-insensitive) to a slog.Level.
// Unrecognized values default to slog.LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the logging level for all subsequent log operations.
// If a custom logger was installed via SetLogger, it is left untouched.
func SetLevel(level slog.Level) {
	if customHandler != nil {
		return
	}
	initLogger(level, nil)
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// SetOutput redirects log output to w, preserving the current format and level.
// Passing nil resets output to os.Stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	logOutput = w
	if customHandler == nil {
		initLogger(currentLevel, nil)
	}
}

// SetLogger installs a caller-supplied logger as DefaultLogger, bypassing
// the package's own handler construction entirely. Passing nil reverts to
// the package-managed default.
func SetLogger(l *slog.Logger) {
	if l == nil {
		customHandler = nil
		initLogger(currentLevel, nil)
		return
	}
	DefaultLogger = l
	customHandler = l.Handler()
	slog.SetDefault(l)
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// PhaseStart logs the start of a render phase (schedule, materialize, prune, emit)
// for a given scope. Additional attributes can be passed as key-value pairs.
func PhaseStart(ctx context.Context, phase, scope string, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "phase", phase, "scope", scope)
	allAttrs = append(allAttrs, attrs...)
	DebugContext(ctx, "phase started", allAttrs...)
}

// PhaseDone logs the completion of a render phase along with its element count.
func PhaseDone(ctx context.Context, phase, scope string, elements int, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs, "phase", phase, "scope", scope, "elements", elements)
	allAttrs = append(allAttrs, attrs...)
	DebugContext(ctx, "phase done", allAttrs...)
}

// ElementPruned logs the removal of an element by the prioritized pruner.
func ElementPruned(ctx context.Context, scope, element string, priority float64, reason string) {
	InfoContext(ctx, "element pruned",
		"scope", scope,
		"element", element,
		"priority", priority,
		"reason", reason,
	)
}

// CacheCheckpointSaved logs a cache checkpoint boundary reached during materialization.
func CacheCheckpointSaved(ctx context.Context, scope, checkpointID string) {
	DebugContext(ctx, "cache checkpoint saved",
		"scope", scope,
		"checkpoint_id", checkpointID,
	)
}

// BudgetExceeded logs a scope whose content still exceeds its token budget
// after pruning has run to completion.
func BudgetExceeded(ctx context.Context, scope string, required, available int) {
	WarnContext(ctx, "token budget exceeded after pruning",
		"scope", scope,
		"required", required,
		"available", available,
	)
}
