package tracing

import "context"

type contextKey struct{}

// ContextWithTraceID attaches a trace id to the context so downstream
// components can correlate their operations without an ambient mechanism.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, contextKey{}, traceID)
}

// TraceIDFromContext returns the attached trace id, or empty when none.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
