package history

import "context"

type reasonKey struct{}

// WithReason attaches a human-readable reason to change sets built under ctx.
func WithReason(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, reasonKey{}, reason)
}

func reasonFrom(ctx context.Context) *string {
	if v, ok := ctx.Value(reasonKey{}).(string); ok && v != "" {
		return &v
	}
	return nil
}
