package core

import "context"

type requestIDKey struct{}

// WithRequestID tags ctx with the orchestrator-assigned request id so
// adapters can forward it to vendors that accept a client request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the request id carried by ctx, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
