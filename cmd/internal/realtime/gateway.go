// Package realtime contains the live channel of the chat core: presence
// registry, room fan-out and the WebSocket gateway. Everything here is an
// ephemeral accelerator over the durable chat store.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"stoop/cmd/internal/auth"
	v1 "stoop/contracts/chat/v1"
)

const (
	wsSubprotocolV1 = v1.Subprotocol

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// MembershipChecker is the authorization boundary for room joins: the
// durable store decides who is a participant, never the live layer.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Gateway is the WebSocket entrypoint for the live channel.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and routes validated envelopes to the Hub. It never writes to
// the chat store: the request/response API is the authority and the live
// send event merely rebroadcasts an already-persisted message.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	presence *Presence
	resolver auth.Resolver
	members  MembershipChecker
	metrics  *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, hub *Hub, presence *Presence, resolver auth.Resolver, members MembershipChecker, metrics *Metrics) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &Gateway{
		log:      log,
		hub:      hub,
		presence: presence,
		resolver: resolver,
		members:  members,
		metrics:  metrics,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("STOOP_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("STOOP_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("STOOP_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("STOOP_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("STOOP_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("STOOP_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("STOOP_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("STOOP_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("STOOP_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("STOOP_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the live loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)
	g.metrics.ConnectionAccepted()

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Teardown order matters: room membership and presence go first so no
	// broadcaster picks the client up while its goroutines wind down.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.LeaveAll(client)
			g.presence.Unregister(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}
		g.metrics.Event(env.Type)

		switch env.Type {
		case v1.TypeAuthenticate:
			if err := g.onAuthenticate(ctx, client, env, now); err != nil {
				g.trySendError(client, "authenticate_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "authenticate failed")
				break readLoop
			}

		case v1.TypeJoinChat:
			if err := g.onJoinChat(ctx, client, env, now); err != nil {
				g.trySendError(client, "join_failed", err.Error())
				continue readLoop
			}

		case v1.TypeSendMessage:
			if err := g.onSendMessage(ctx, client, env, now); err != nil {
				g.trySendError(client, "send_failed", err.Error())
				continue readLoop
			}

		case v1.TypeTyping:
			if err := g.onTyping(client, env, now); err != nil {
				g.trySendError(client, "typing_failed", err.Error())
				continue readLoop
			}

		case v1.TypeStopTyping:
			if err := g.onStopTyping(client, env, now); err != nil {
				g.trySendError(client, "typing_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onAuthenticate(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.AuthenticatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	id, err := g.resolver.Resolve(ctx, p.Token)
	if err != nil {
		return errors.New("invalid credential")
	}

	client.BindUser(id.UserID)
	if client.UserID() != id.UserID {
		return errors.New("session already bound to another identity")
	}

	// Last-registered-wins: a reconnect replaces the previous mapping.
	g.presence.Register(id.UserID, client)
	g.log.Info("ws.authenticated", "session_id", client.SessionID, "user_id", id.UserID)

	ackPayload, _ := json.Marshal(v1.AuthenticateAckPayload{
		SessionID: client.SessionID,
		UserID:    id.UserID,
	})
	if !client.enqueue(NewEnvelope(v1.TypeAuthenticateAck, ackPayload, now)) {
		return errors.New("backpressure: authenticate ack")
	}
	return nil
}

func (g *Gateway) onJoinChat(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	userID := client.UserID()
	if userID == "" {
		return errors.New("authenticate first")
	}

	var p v1.JoinChatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	chatID := strings.TrimSpace(p.ChatID)
	if chatID == "" {
		return errors.New("missing chat_id")
	}

	// The durable store is the membership authority; the room alone is
	// never trusted.
	ok, err := g.members.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return errors.New("not a participant")
	}

	g.hub.JoinRoom(chatID, client)

	ackPayload, _ := json.Marshal(v1.JoinAckPayload{ChatID: chatID})
	if !client.enqueue(NewEnvelope(v1.TypeJoinAck, ackPayload, now)) {
		g.hub.Room(chatID).Leave(client.SessionID)
		return errors.New("backpressure: join ack")
	}
	return nil
}

func (g *Gateway) onSendMessage(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	userID := client.UserID()
	if userID == "" {
		return errors.New("authenticate first")
	}

	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	chatID := strings.TrimSpace(p.ChatID)
	if chatID == "" || p.Message.ChatID != chatID {
		return errors.New("invalid chat_id")
	}
	if p.Message.SenderID != userID {
		return errors.New("sender mismatch")
	}
	text := strings.TrimSpace(p.Message.Content)
	if text == "" {
		return errors.New("empty content")
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	// Defense in depth; the REST append already enforced this before the
	// message could exist at all.
	ok, err := g.members.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return errors.New("not a participant")
	}

	room := g.hub.Room(chatID)

	recvPayload, _ := json.Marshal(v1.ReceiveMessagePayload{Message: p.Message})
	room.Broadcast(NewEnvelope(v1.TypeReceiveMessage, recvPayload, now))

	// Recipients already watching the room got the broadcast; everyone
	// else with a live connection gets the reduced notification. Offline
	// recipients get nothing and catch up from history.
	notifPayload, _ := json.Marshal(v1.NotificationPayload{
		ChatID: chatID,
		Message: v1.NotificationMessage{
			SenderID:   p.Message.SenderID,
			SenderName: p.Message.SenderName,
			Content:    p.Message.Content,
			Timestamp:  p.Message.Timestamp,
		},
	})
	for _, rid := range p.Recipients {
		if rid == "" || rid == userID {
			continue
		}
		if rc, ok := g.presence.Lookup(rid); ok && room.Contains(rc.SessionID) {
			continue
		}
		g.hub.NotifyUser(rid, NewEnvelope(v1.TypeNewMessageNotification, notifPayload, now))
	}
	return nil
}

func (g *Gateway) onTyping(client *Client, env v1.Envelope, now time.Time) error {
	userID := client.UserID()
	if userID == "" {
		return errors.New("authenticate first")
	}

	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.ChatID) == "" {
		return errors.New("missing chat_id")
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	if p.UserID != userID {
		return errors.New("typist mismatch")
	}

	g.hub.EmitTyping(p.ChatID, client.SessionID, p, now)
	return nil
}

func (g *Gateway) onStopTyping(client *Client, env v1.Envelope, now time.Time) error {
	if client.UserID() == "" {
		return errors.New("authenticate first")
	}

	var p v1.StopTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.ChatID) == "" {
		return errors.New("missing chat_id")
	}

	g.hub.EmitStopTyping(p.ChatID, client.SessionID, now)
	return nil
}

// ---- send helpers ----

func (g *Gateway) trySendError(client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = client.enqueue(NewEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host.
	// Only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
