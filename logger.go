package lance

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with dataset-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithVersion adds a dataset version field to the logger.
func (l *Logger) WithVersion(version uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("version", version),
	}
}

// WithRoot adds the dataset root field to the logger.
func (l *Logger) WithRoot(root string) *Logger {
	return &Logger{
		Logger: l.Logger.With("root", root),
	}
}

// LogCommit logs a commit attempt.
func (l *Logger) LogCommit(ctx context.Context, operation string, version uint64, attempts int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"operation", operation,
			"read_version", version,
			"attempts", attempts,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "commit completed",
			"operation", operation,
			"version", version,
			"attempts", attempts,
		)
	}
}

// LogCheckout logs a snapshot checkout.
func (l *Logger) LogCheckout(ctx context.Context, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkout failed",
			"version", version,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "checkout completed",
			"version", version,
		)
	}
}

// LogCleanup logs a cleanup sweep.
func (l *Logger) LogCleanup(ctx context.Context, removed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "cleanup failed",
			"removed", removed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "cleanup completed",
			"removed", removed,
		)
	}
}

// LogTag logs a tag mutation.
func (l *Logger) LogTag(ctx context.Context, name string, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "tag update failed",
			"tag", name,
			"version", version,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "tag updated",
			"tag", name,
			"version", version,
		)
	}
}
