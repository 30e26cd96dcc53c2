package gomalloc

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with allocator-specific context.
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
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithHeap adds the heap's owner id to the logger.
func (l *Logger) WithHeap(threadID uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("heap", threadID),
	}
}

// WithArena adds an arena id field to the logger.
func (l *Logger) WithArena(id ArenaID) *Logger {
	return &Logger{
		Logger: l.Logger.With("arena", int(id)),
	}
}

// LogArenaReserve logs an explicit arena reservation.
func (l *Logger) LogArenaReserve(ctx context.Context, id ArenaID, size int, exclusive bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "arena reservation failed",
			"bytes", size,
			"exclusive", exclusive,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "arena reservation completed",
			"arena", int(id),
			"bytes", size,
			"exclusive", exclusive,
		)
	}
}

// LogHeapClose logs the end of a heap.
func (l *Logger) LogHeapClose(ctx context.Context, threadID uint64, pages int, destroyed bool) {
	l.DebugContext(ctx, "heap closed",
		"heap", threadID,
		"pages", pages,
		"destroyed", destroyed,
	)
}

// LogCollect logs a collection pass.
func (l *Logger) LogCollect(ctx context.Context, force bool, before, after Stats) {
	l.DebugContext(ctx, "collect completed",
		"force", force,
		"pages_before", before.Pages.Current,
		"pages_after", after.Pages.Current,
		"committed_after", after.Committed.Current,
	)
}

// LogError logs a failed allocator operation.
func (l *Logger) LogError(ctx context.Context, op string, err error) {
	l.ErrorContext(ctx, "allocator operation failed",
		"op", op,
		"error", err,
	)
}
