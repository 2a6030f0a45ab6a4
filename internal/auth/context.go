// ABOUTME: Authentication context for tracking identity through stream handlers
// ABOUTME: Provides WithAuth/FromContext for propagating claims via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity extracted from a request.
// This is populated by the auth interceptor and can be retrieved from
// context in handlers.
type AuthContext struct {
	Subject   string // "sub" claim, or "anonymous" when auth is disabled
	Name      string
	Anonymous bool
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
