package docserver

import (
	"context"
)

type claimsContextKey struct{}

// WithClaims returns a context carrying the authenticated session.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// ClaimsFromContext returns the authenticated session, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return c
}

// MustClaimsFromContext returns the authenticated session or panics.
// Use only behind AuthMiddleware.
func MustClaimsFromContext(ctx context.Context) *Claims {
	c := ClaimsFromContext(ctx)
	if c == nil {
		panic("claims not in context: middleware misconfiguration")
	}
	return c
}
