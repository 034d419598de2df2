package logging

import "context"

type ctxKey struct{}

// WithCorrelationIDCtx attaches a request's correlation id to ctx.
func WithCorrelationIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationIDFromCtx returns the correlation id carried by ctx, or "".
func CorrelationIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// ContextLogger returns base tagged with ctx's correlation id. A nil base
// means the global logger. base is returned unchanged when it already
// carries that id.
func ContextLogger(ctx context.Context, base *Logger) *Logger {
	if base == nil {
		base = Global()
	}
	id := CorrelationIDFromCtx(ctx)
	if id == "" || id == base.correlationID {
		return base
	}
	return base.WithCorrelationID(id)
}
