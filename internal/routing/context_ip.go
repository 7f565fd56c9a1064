package routing

import "context"

// clientIPKey carries the webhook client IP from the HTTP layer down to the
// call log without widening every signature. The Gin handler resolves the
// real client IP and attaches it with WithClientIP.

type clientIPKey struct{}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIPFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(clientIPKey{}).(string); ok {
		return s
	}
	return ""
}
