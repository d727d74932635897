package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	jw "github.com/golang-jwt/jwt/v5"
)

// JWTResolver validates HS256 tokens issued by the platform's auth service
// and extracts the user id from the "sub" claim plus an optional "role".
type JWTResolver struct {
	secret []byte
	now    func() time.Time
}

// NewJWTResolver constructs a resolver for the shared HS256 secret.
func NewJWTResolver(secret []byte) (*JWTResolver, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty JWT secret")
	}
	return &JWTResolver{secret: secret, now: time.Now}, nil
}

// Resolve validates the token and returns the caller identity.
func (r *JWTResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}

	t, err := jw.Parse(token,
		func(t *jw.Token) (any, error) { return r.secret, nil },
		jw.WithValidMethods([]string{"HS256"}),
		jw.WithTimeFunc(r.now),
	)
	if err != nil || !t.Valid {
		return Identity{}, ErrUnauthenticated
	}

	mc, ok := t.Claims.(jw.MapClaims)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	uid, _ := mc["sub"].(string)
	if uid == "" {
		return Identity{}, ErrUnauthenticated
	}
	role, _ := mc["role"].(string)

	return Identity{UserID: uid, Role: role}, nil
}
