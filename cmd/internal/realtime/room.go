package realtime

import (
	"log/slog"
	"sync"

	v1 "stoop/contracts/chat/v1"
)

// Room is the in-memory fanout primitive for one conversation: the set of
// connections currently viewing it.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
//
// A room never closes its members: leaving a room is a view change, not a
// disconnect. Connection teardown belongs to the gateway.
type Room struct {
	log     *slog.Logger
	ID      string
	metrics *Metrics

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room for one conversation id.
func NewRoom(log *slog.Logger, id string, metrics *Metrics) *Room {
	return &Room{
		log:     log,
		ID:      id,
		metrics: metrics,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership. Idempotent; no membership cap.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "chat_id", r.ID, "session_id", client.SessionID)
}

// Leave removes a client from membership.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, had := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if had {
		r.log.Info("room.member.leave", "chat_id", r.ID, "session_id", sessionID)
	}
}

// Contains reports whether the session is currently joined.
func (r *Room) Contains(sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

// Broadcast fanouts an envelope to all members, including the sender's own
// connection: clients reconcile the echo by message id.
func (r *Room) Broadcast(env v1.Envelope) {
	r.broadcast(env, "")
}

// BroadcastExcept fanouts to all members except one session. Used for
// typing indicators, where echoing back to the typist is just noise.
func (r *Room) BroadcastExcept(exceptSessionID string, env v1.Envelope) {
	r.broadcast(env, exceptSessionID)
}

func (r *Room) broadcast(env v1.Envelope, exceptSessionID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for sid, m := range r.members {
		if m == nil || sid == exceptSessionID {
			continue
		}

		if m.enqueue(env) {
			r.metrics.Delivered(env.Type)
		} else {
			// Drop rather than block the whole room.
			r.metrics.Dropped(env.Type)
		}
	}
}
