// Package logging provides structured logging for the datagram engine.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithComponent tags every record of the returned logger with the component name.
func WithComponent(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(slog.String(KeyComponent, name))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent  = "component"
	KeyEndpointID = "endpoint_id"
	KeyFamily     = "family"
	KeyState      = "state"
	KeyLocalAddr  = "local_addr"
	KeyRemoteAddr = "remote_addr"
	KeyPort       = "port"
	KeyReason     = "reason"
	KeyError      = "error"
	KeyErrno      = "errno"
	KeyLength     = "length"
	KeyCount      = "count"
	KeySuppressed = "suppressed"
	KeyDuration   = "duration"
)

// Limited writes records through a token bucket so that per-packet
// diagnostics cannot flood the output. Records that do not get a token
// are counted and reported with the next record that does.
type Limited struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewLimited returns a Limited logger allowing perSecond records per second
// with the given burst. A non-positive perSecond disables limiting.
func NewLimited(logger *slog.Logger, perSecond float64, burst int) *Limited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Log emits a record at level if a token is available.
func (l *Limited) Log(level slog.Level, msg string, args ...any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return
	}
	if n := l.suppressed.Swap(0); n > 0 {
		args = append(args, KeySuppressed, n)
	}
	l.logger.Log(ctx, level, msg, args...)
}

// Debug logs at debug level.
func (l *Limited) Debug(msg string, args ...any) {
	l.Log(slog.LevelDebug, msg, args...)
}

// Warn logs at warn level.
func (l *Limited) Warn(msg string, args ...any) {
	l.Log(slog.LevelWarn, msg, args...)
}

// Suppressed returns the number of records dropped since the last emitted one.
func (l *Limited) Suppressed() uint64 {
	return l.suppressed.Load()
}
