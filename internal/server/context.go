package server

import (
	"context"
	"time"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey int

const requestInfoKey contextKey = iota

// RequestInfo is the request-scoped state the middleware attaches to every
// request context.
type RequestInfo struct {
	CorrelationID string
	Worker        string
	Started       time.Time
}

// WithRequestInfo returns a context carrying info.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey, info)
}

// RequestInfoFromContext returns the request info attached by the middleware.
func RequestInfoFromContext(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey).(RequestInfo)
	return info, ok
}
