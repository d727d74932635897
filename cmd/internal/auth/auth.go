// Package auth is the boundary to the platform's external auth service.
// The chat core never issues or stores credentials; it only resolves a
// bearer token to an identity and role.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthenticated reports an absent or invalid credential.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Identity is a resolved caller.
type Identity struct {
	UserID string
	Role   string
}

// Resolver resolves a bearer credential to an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

type ctxKey struct{}

// WithIdentity stashes the resolved identity in the request context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom extracts the resolved identity, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
