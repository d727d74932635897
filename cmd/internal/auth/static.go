package auth

import (
	"context"
	"sync"
)

// StaticResolver maps fixed tokens to identities. It serves dev mode and
// tests, where standing up the real auth service is not worth it.
type StaticResolver struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewStaticResolver constructs an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{tokens: make(map[string]Identity)}
}

// Grant registers a token for an identity.
func (r *StaticResolver) Grant(token string, id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = id
}

// Resolve returns the identity for a granted token or ErrUnauthenticated.
func (r *StaticResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.tokens[token]
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}
