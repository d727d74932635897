package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	v1 "stoop/contracts/chat/v1"
)

// Conn is one live connection carrying protocol envelopes.
type Conn interface {
	Send(ctx context.Context, env v1.Envelope) error
	Receive(ctx context.Context) (v1.Envelope, error)
	Close() error
}

// Dialer opens live connections. The Session redials through it.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials the server's websocket endpoint with the chat subprotocol.
type WSDialer struct {
	// URL is the full websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
}

// Dial opens a websocket connection and verifies subprotocol agreement.
func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", d.URL, err)
	}
	if got := c.Subprotocol(); got != v1.Subprotocol {
		_ = c.Close(websocket.StatusPolicyViolation, "subprotocol mismatch")
		return nil, fmt.Errorf("client: server negotiated subprotocol %q, want %q", got, v1.Subprotocol)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, env v1.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, raw)
}

func (w *wsConn) Receive(ctx context.Context) (v1.Envelope, error) {
	_, raw, err := w.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("client: malformed envelope: %w", err)
	}
	return env, nil
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "bye")
}
