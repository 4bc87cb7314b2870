package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"livestage/pkg/tracing"
)

type ctxKey int

const (
	streamIDKey ctxKey = iota
	partyIDKey
)

// WithStreamID returns a context whose loggers carry stream_id.
func WithStreamID(ctx context.Context, streamID string) context.Context {
	return context.WithValue(ctx, streamIDKey, streamID)
}

// WithPartyID returns a context whose loggers carry party_id.
func WithPartyID(ctx context.Context, partyID string) context.Context {
	return context.WithValue(ctx, partyIDKey, partyID)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds trace, stream and party fields found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := make([]zapcore.Field, 0, 3)

	if traceID := tracing.TraceID(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if id, ok := ctx.Value(streamIDKey).(string); ok {
		fields = append(fields, zap.String("stream_id", id))
	}
	if id, ok := ctx.Value(partyIDKey).(string); ok {
		fields = append(fields, zap.String("party_id", id))
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// Sugar returns a sugared logger carrying the context fields.
func (cl *ContextLogger) Sugar(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}
