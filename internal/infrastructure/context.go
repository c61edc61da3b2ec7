package infrastructure

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// TraceIDContextKey is the key for storing trace ID in context
	TraceIDContextKey contextKey = "trace_id"
	// ConnectionIDContextKey is the key for the WebSocket connection id
	ConnectionIDContextKey contextKey = "connection_id"
)

// GenerateTraceID creates a new unique trace ID using UUID v4
func GenerateTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDContextKey, traceID)
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDContextKey)
}

// WithConnectionID tags ctx with the WebSocket connection a frame arrived on.
// Records logged with ctx carry it as connection_id.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnectionIDContextKey, id)
}

// GetConnectionID returns the connection id of ctx, or "" outside a
// WebSocket connection
func GetConnectionID(ctx context.Context) string {
	return stringValue(ctx, ConnectionIDContextKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
