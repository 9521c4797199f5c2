// Package logging builds the process logger and carries per-request
// logging context: a request ID and, once known, the dispute being
// handled.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	disputeKey   contextKey = "dispute"
	loggerKey    contextKey = "logger"
)

// disputeRef identifies the escrow entry a log line is about.
type disputeRef struct {
	contract  string
	requestID string
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// New builds a slog logger writing to stdout. Unknown levels fall back
// to info; source locations are only added at debug.
func New(level string, format string) *slog.Logger {
	lvl, ok := levels[level]
	if !ok {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithRequestID tags the context with an inbound request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID on the context, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithDispute tags the context with the escrow entry being operated on.
// L will stamp every line with the contract and request ID.
func WithDispute(ctx context.Context, contract, requestID string) context.Context {
	return context.WithValue(ctx, disputeKey, disputeRef{contract: contract, requestID: requestID})
}

// WithLogger puts a logger on the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the context logger, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger pre-stamped with whatever request and
// dispute identity the context carries.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if ref, ok := ctx.Value(disputeKey).(disputeRef); ok {
		logger = logger.With("contract", ref.contract, "requestId", ref.requestID)
	}
	return logger
}
