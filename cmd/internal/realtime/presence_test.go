package realtime

import (
	"testing"
	"time"
)

func TestPresenceRegisterLastWins(t *testing.T) {
	t.Parallel()

	p := NewPresence(nil)

	a := NewClient("sess-a", 8)
	a.BindUser("user-1")
	b := NewClient("sess-b", 8)
	b.BindUser("user-1")

	p.Register("user-1", a)
	p.Register("user-1", b)

	got, ok := p.Lookup("user-1")
	if !ok {
		t.Fatalf("expected user-1 to be registered")
	}
	if got != b {
		t.Fatalf("expected newest connection to win, got session %q", got.SessionID)
	}
}

func TestPresenceUnregisterStaleCloseGuard(t *testing.T) {
	t.Parallel()

	p := NewPresence(nil)

	old := NewClient("sess-old", 8)
	old.BindUser("user-1")
	p.Register("user-1", old)

	// Rapid reconnect replaces the mapping before the old close lands.
	fresh := NewClient("sess-fresh", 8)
	fresh.BindUser("user-1")
	p.Register("user-1", fresh)

	// The late teardown of the old connection must not evict the new one.
	p.Unregister(old)

	got, ok := p.Lookup("user-1")
	if !ok {
		t.Fatalf("fresh connection should still be registered after stale close")
	}
	if got != fresh {
		t.Fatalf("expected fresh connection, got session %q", got.SessionID)
	}

	// Unregistering the current handle does evict.
	p.Unregister(fresh)
	if _, ok := p.Lookup("user-1"); ok {
		t.Fatalf("expected user-1 to be gone after unregistering current handle")
	}
}

func TestPresenceUnregisterUnauthenticatedNoop(t *testing.T) {
	t.Parallel()

	p := NewPresence(nil)

	other := NewClient("sess-other", 8)
	other.BindUser("user-2")
	p.Register("user-2", other)

	// A connection that never authenticated has no identity to evict.
	anon := NewClient("sess-anon", 8)
	p.Unregister(anon)

	if _, ok := p.Lookup("user-2"); !ok {
		t.Fatalf("unrelated registration must survive")
	}
}

func TestPresenceLookupMiss(t *testing.T) {
	t.Parallel()

	p := NewPresence(nil)
	if _, ok := p.Lookup("nobody"); ok {
		t.Fatalf("expected miss for unknown user")
	}
}

func TestClientBindUserFirstWins(t *testing.T) {
	t.Parallel()

	c := NewClient("sess", 8)
	c.BindUser("user-1")
	c.BindUser("user-2")

	if got := c.UserID(); got != "user-1" {
		t.Fatalf("UserID() = %q, want %q", got, "user-1")
	}
}

func TestClientEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	c := NewClient("sess", 8)
	c.Close()
	c.Close() // idempotent

	if c.enqueue(NewEnvelope("error", nil, time.Now().UTC())) {
		t.Fatalf("enqueue must fail after Close")
	}
}
