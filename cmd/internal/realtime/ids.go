package realtime

import (
	"encoding/json"
	"time"

	"stoop/cmd/internal/ids"
	v1 "stoop/contracts/chat/v1"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelope wraps a payload in a fresh server-side envelope.
// ULID envelope ids keep log traces sortable.
func NewEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}
