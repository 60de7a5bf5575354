package shardblob

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/shardblob/clustermap"
)

// Logger wraps slog.Logger with shardblob-specific context.
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
	return newJSONLogger(os.Stderr, level)
}

func newJSONLogger(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
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

// WithPartition adds a partition field to the logger.
func (l *Logger) WithPartition(p clustermap.PartitionID) *Logger {
	return &Logger{
		Logger: l.Logger.With("partition", uint64(p)),
	}
}

// WithPeer adds a peer host field to the logger.
func (l *Logger) WithPeer(host string) *Logger {
	return &Logger{
		Logger: l.Logger.With("peer", host),
	}
}

// LogPut logs a put operation.
func (l *Logger) LogPut(ctx context.Context, p clustermap.PartitionID, key string, size int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put failed",
			"partition", uint64(p),
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "put completed",
			"partition", uint64(p),
			"key", key,
			"bytes", size,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, p clustermap.PartitionID, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"partition", uint64(p),
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"partition", uint64(p),
			"key", key,
		)
	}
}

// LogCompaction logs the outcome of compacting one partition.
func (l *Logger) LogCompaction(ctx context.Context, p clustermap.PartitionID, segments int, bytesReclaimed int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"partition", uint64(p),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"partition", uint64(p),
			"segments", segments,
			"bytes_reclaimed", bytesReclaimed,
		)
	}
}

// LogRecovery logs opening a partition.
func (l *Logger) LogRecovery(ctx context.Context, p clustermap.PartitionID, keys int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "partition recovery failed",
			"partition", uint64(p),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "partition recovered",
			"partition", uint64(p),
			"keys", keys,
			"duration", d,
		)
	}
}

// LogCatchUp logs one catch-up round against a peer.
func (l *Logger) LogCatchUp(ctx context.Context, peer string, applied int, err error) {
	if err != nil {
		l.WarnContext(ctx, "catch-up failed",
			"peer", peer,
			"applied", applied,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "catch-up completed",
			"peer", peer,
			"applied", applied,
		)
	}
}
