package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "stoop/contracts/chat/v1"
)

// Hub is the fan-out router: it owns the room table and routes live events
// either to a room (broadcast) or to a single user's connection (targeted
// notification via the injected Presence registry).
//
// The hub is a cache/accelerator over the durable chat store, never an
// authority: failures here are silent by design because history is always
// re-fetchable over the request/response API.
type Hub struct {
	log      *slog.Logger
	presence *Presence
	metrics  *Metrics

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub around an injected presence registry.
func NewHub(log *slog.Logger, presence *Presence, metrics *Metrics) *Hub {
	return &Hub{
		log:      log,
		presence: presence,
		metrics:  metrics,
		rooms:    make(map[string]*Room),
	}
}

// Room returns a stable room handle for the conversation id, creating it on
// first use.
func (h *Hub) Room(chatID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[chatID]; ok {
		return r
	}

	r := NewRoom(h.log, chatID, h.metrics)
	h.rooms[chatID] = r
	return r
}

// JoinRoom adds the client to the conversation's room. Idempotent.
func (h *Hub) JoinRoom(chatID string, c *Client) *Room {
	r := h.Room(chatID)
	r.Join(c)
	return r
}

// LeaveAll removes the client from every room it joined. Called from the
// gateway teardown path; room membership is never persisted, so a
// reconnecting client re-joins explicitly.
func (h *Hub) LeaveAll(c *Client) {
	if c == nil {
		return
	}

	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	for _, r := range rooms {
		r.Leave(c.SessionID)
	}
}

// BroadcastToRoom delivers the envelope to every connection joined to the
// conversation, the sender's own included.
func (h *Hub) BroadcastToRoom(chatID string, env v1.Envelope) {
	h.Room(chatID).Broadcast(env)
}

// NotifyUser pushes a reduced-payload notification to the user's live
// connection. Offline users are a silent no-op: no queue, no retry; they
// catch up by polling on next load.
func (h *Hub) NotifyUser(userID string, env v1.Envelope) {
	c, ok := h.presence.Lookup(userID)
	if !ok {
		return
	}

	if c.enqueue(env) {
		h.metrics.Delivered(env.Type)
	} else {
		h.metrics.Dropped(env.Type)
	}
}

// EmitTyping fans a typing indicator out to the room, excluding the typist.
// Best-effort: no persistence, no delivery guarantee.
func (h *Hub) EmitTyping(chatID, typistSessionID string, p v1.TypingPayload, now time.Time) {
	payload, _ := json.Marshal(v1.UserTypingPayload{
		ChatID:   p.ChatID,
		UserID:   p.UserID,
		UserName: p.UserName,
	})
	h.Room(chatID).BroadcastExcept(typistSessionID, NewEnvelope(v1.TypeUserTyping, payload, now))
}

// EmitStopTyping clears the typing indicator for the room, excluding the typist.
func (h *Hub) EmitStopTyping(chatID, typistSessionID string, now time.Time) {
	payload, _ := json.Marshal(v1.UserStopTypingPayload{ChatID: chatID})
	h.Room(chatID).BroadcastExcept(typistSessionID, NewEnvelope(v1.TypeUserStopTyping, payload, now))
}
