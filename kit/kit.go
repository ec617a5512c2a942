// Package kit holds the small cross-transport plumbing shared by the relay's
// HTTP and MCP surfaces: request-scoped context keys and the endpoint shape
// both transports dispatch into.
package kit

import "context"

// Endpoint is a transport-agnostic handler: a typed request in, a
// serialisable response out.
type Endpoint func(ctx context.Context, req any) (any, error)

type contextKey string

const (
	// TransportKey records which surface a request arrived on: "http" or "mcp".
	TransportKey contextKey = "kit_transport"
	// TraceIDKey carries the per-request trace identifier.
	TraceIDKey contextKey = "kit_trace_id"
	// ContextRefKey carries the page context reference a request addresses.
	ContextRefKey contextKey = "kit_context_ref"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithContextRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, ContextRefKey, ref)
}

func GetContextRef(ctx context.Context) string {
	v, _ := ctx.Value(ContextRefKey).(string)
	return v
}
