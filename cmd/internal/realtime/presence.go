package realtime

import (
	"sync"
)

// Presence is the process-wide registry of live connections, one per user
// identity. It is owned by the composition root and injected into the Hub,
// never reached as ambient global state.
//
// Semantics:
//   - Register is last-registered-wins: a newer connection for the same
//     identity silently replaces the older mapping.
//   - Unregister takes the connection handle and only evicts the entry if
//     that exact handle is still registered, so a stale close arriving
//     after a rapid reconnect cannot evict the newer connection.
//   - Absence from the registry means "deliver nothing live"; durable
//     storage plus next-login catch-up covers offline users.
type Presence struct {
	mu      sync.RWMutex
	byUser  map[string]*Client
	metrics *Metrics
}

// NewPresence constructs an empty registry.
func NewPresence(metrics *Metrics) *Presence {
	return &Presence{
		byUser:  make(map[string]*Client),
		metrics: metrics,
	}
}

// Register maps userID to the client, unconditionally replacing any prior entry.
func (p *Presence) Register(userID string, c *Client) {
	if p == nil || userID == "" || c == nil {
		return
	}

	p.mu.Lock()
	p.byUser[userID] = c
	n := len(p.byUser)
	p.mu.Unlock()

	p.metrics.SetPresence(n)
}

// Unregister removes the entry for the client's user only if the registered
// handle is exactly this client (stale-close guard).
func (p *Presence) Unregister(c *Client) {
	if p == nil || c == nil {
		return
	}
	userID := c.UserID()
	if userID == "" {
		return
	}

	p.mu.Lock()
	if cur, ok := p.byUser[userID]; ok && cur == c {
		delete(p.byUser, userID)
	}
	n := len(p.byUser)
	p.mu.Unlock()

	p.metrics.SetPresence(n)
}

// Lookup returns the live connection for a user, if any.
func (p *Presence) Lookup(userID string) (*Client, bool) {
	if p == nil || userID == "" {
		return nil, false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.byUser[userID]
	return c, ok
}
