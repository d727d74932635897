package chat

import (
	"strings"
	"testing"
)

func TestPairLockKey_ValidPostgresText(t *testing.T) {
	t.Parallel()

	// Postgres rejects text parameters containing a zero byte, so the key
	// must stay NUL-free or the pair lock fails before it is ever taken.
	key := pairLockKey([]string{"01J0000000000000000000000A", "01J0000000000000000000000B"})
	if strings.ContainsRune(key, 0) {
		t.Fatalf("pair lock key contains a zero byte: %q", key)
	}
	for _, r := range key {
		if r > 127 {
			t.Fatalf("pair lock key contains non-ASCII rune %q: %q", r, key)
		}
	}
}

func TestPairLockKey_DistinctPairsDistinctKeys(t *testing.T) {
	t.Parallel()

	pairs := [][]string{
		{"01J0000000000000000000000A", "01J0000000000000000000000B"},
		{"01J0000000000000000000000A", "01J0000000000000000000000C"},
		{"01J0000000000000000000000B", "01J0000000000000000000000C"},
	}
	seen := make(map[string][]string, len(pairs))
	for _, p := range pairs {
		key := pairLockKey(p)
		if prev, ok := seen[key]; ok {
			t.Fatalf("pairs %v and %v collide on key %q", prev, p, key)
		}
		seen[key] = p
	}
}

func TestPairLockKey_CanonicalForSortedInput(t *testing.T) {
	t.Parallel()

	// Create sorts the merged participant set, so both sides of a pair
	// derive the same key regardless of who initiates.
	a, err := normalizeCreate(CreateInput{RequesterID: "user-a", ParticipantIDs: []string{"user-b"}})
	if err != nil {
		t.Fatalf("normalizeCreate a->b: %v", err)
	}
	b, err := normalizeCreate(CreateInput{RequesterID: "user-b", ParticipantIDs: []string{"user-a"}})
	if err != nil {
		t.Fatalf("normalizeCreate b->a: %v", err)
	}
	if pairLockKey(a) != pairLockKey(b) {
		t.Fatalf("pair lock key not canonical: %q vs %q", pairLockKey(a), pairLockKey(b))
	}
}
