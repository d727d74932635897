package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	jw "github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret []byte, claims jw.MapClaims) string {
	t.Helper()

	tok := jw.NewWithClaims(jw.SigningMethodHS256, claims)
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestJWTResolver_ValidToken(t *testing.T) {
	t.Parallel()

	secret := []byte("test-secret-test-secret-test-secret")
	r, err := NewJWTResolver(secret)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	tok := signHS256(t, secret, jw.MapClaims{
		"sub":  "user-1",
		"role": "member",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	id, err := r.Resolve(context.Background(), tok)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.UserID != "user-1" || id.Role != "member" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestJWTResolver_Rejections(t *testing.T) {
	t.Parallel()

	secret := []byte("test-secret-test-secret-test-secret")
	r, err := NewJWTResolver(secret)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	expired := signHS256(t, secret, jw.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	noSubject := signHS256(t, secret, jw.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	wrongKey := signHS256(t, []byte("another-secret-another-secret-abc"), jw.MapClaims{
		"sub": "user-1",
	})

	cases := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not.a.jwt"},
		{name: "expired", token: expired},
		{name: "no subject", token: noSubject},
		{name: "wrong key", token: wrongKey},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := r.Resolve(context.Background(), tc.token); !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestStaticResolver(t *testing.T) {
	t.Parallel()

	r := NewStaticResolver()
	r.Grant("tok-x", Identity{UserID: "x"})

	id, err := r.Resolve(context.Background(), "tok-x")
	if err != nil {
		t.Fatalf("resolve granted token: %v", err)
	}
	if id.UserID != "x" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	if _, err := r.Resolve(context.Background(), "tok-unknown"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
