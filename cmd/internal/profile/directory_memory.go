package profile

import (
	"context"
	"sync"
)

// MemoryDirectory is a seedable in-memory Directory for dev and tests.
type MemoryDirectory struct {
	mu            sync.RWMutex
	users         map[string]Summary
	neighborhoods map[string]Neighborhood // user id -> neighborhood
}

// NewMemoryDirectory constructs an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:         make(map[string]Summary),
		neighborhoods: make(map[string]Neighborhood),
	}
}

// Add registers a user summary and its neighborhood membership.
func (d *MemoryDirectory) Add(s Summary, n Neighborhood) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.users[s.ID] = s
	if n.ID != "" {
		d.neighborhoods[s.ID] = n
	}
}

// Summaries resolves known ids; unknown ids are absent from the result.
func (d *MemoryDirectory) Summaries(ctx context.Context, userIDs []string) (map[string]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]Summary, len(userIDs))
	for _, id := range userIDs {
		if s, ok := d.users[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

// NeighborhoodOf returns the user's community or ErrNotFound.
func (d *MemoryDirectory) NeighborhoodOf(ctx context.Context, userID string) (Neighborhood, error) {
	if err := ctx.Err(); err != nil {
		return Neighborhood{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	n, ok := d.neighborhoods[userID]
	if !ok {
		return Neighborhood{}, ErrNotFound
	}
	return n, nil
}
