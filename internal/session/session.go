// Package session carries the acting identity of a request or job on context.Context.
package session

import "context"

// Identity is the actor a unit of work runs as. Every field is optional:
// a nil TenantID means the host side and a nil UserID an anonymous caller.
type Identity struct {
	TenantID             *int64 `json:"tenantId,omitempty"`
	UserID               *int64 `json:"userId,omitempty"`
	ImpersonatorTenantID *int64 `json:"impersonatorTenantId,omitempty"`
	ImpersonatorUserID   *int64 `json:"impersonatorUserId,omitempty"`
}

// Anonymous reports whether no user is attached.
func (i Identity) Anonymous() bool {
	return i.UserID == nil
}

// Provider resolves the identity for a context.
type Provider interface {
	Identity(ctx context.Context) Identity
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) Identity

// Identity implements Provider.
func (f ProviderFunc) Identity(ctx context.Context) Identity {
	return f(ctx)
}

type contextKey struct{}

// WithIdentity attaches an identity to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity attached to ctx, or the zero Identity.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(contextKey{}).(Identity); ok {
		return id
	}
	return Identity{}
}

// ContextProvider reads the identity stored by WithIdentity.
var ContextProvider Provider = ProviderFunc(FromContext)

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
