// Package main provides a CI-friendly smoke test for the Stoop chat stack.
//
// It validates:
//   - websocket handshake + subprotocol selection
//   - authenticate -> authenticate_ack session establishment
//   - join_chat -> join_ack for a direct conversation created over REST
//   - new_message_notification to an online recipient that has not joined
//     the room
//   - typing fanout to the peer (and not back to the typist)
//   - REST append followed by send_message rebroadcast, received by both
//     room members including the sender's own echo
//   - stop_typing retraction
//
// It needs two valid bearer tokens and the peer's user id:
//
//	go run ./tools/scripts/chat-smoke.go -token-a $A -token-b $B -peer user-b
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"stoop/client"
	v1 "stoop/contracts/chat/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeConn struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "REST base URL")
		wsURL   = flag.String("ws", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", "", "Bearer token for the sending user")
		tokenB  = flag.String("token-b", "", "Bearer token for the receiving user")
		peer    = flag.String("peer", "", "User id of the receiving user (direct chat peer)")
		text    = flag.String("text", "hello from the stoop 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("-token-a and -token-b are required")
	}
	if strings.TrimSpace(*peer) == "" {
		fatalf("-peer is required")
	}
	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -ws: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	// The durable API is the authority: the direct chat comes from REST and
	// dedups to the existing pair conversation on reruns.
	apiA := client.NewAPI(*apiURL, *tokenA)
	ctx, cancel := context.WithTimeout(root, *timeout)
	chat, err := apiA.CreateChat(ctx, client.CreateChatInput{ParticipantIDs: []string{*peer}})
	cancel()
	if err != nil {
		fatalf("create chat: %v", err)
	}
	if *verbose {
		fmt.Printf("chat: id=%s participants=%d\n", chat.ID, len(chat.Participants))
	}

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s/%s B=%s/%s origin=%q\n", a.userID, a.sessionID, b.userID, b.sessionID, *origin)
	}
	if b.userID != *peer {
		fatalf("-peer mismatch: token-b authenticated as %q, want %q", b.userID, *peer)
	}

	mustJoin(root, a, chat.ID, *timeout)

	// B is online but has not joined the room yet: the first send must reach
	// it as a reduced notification.
	ctx, cancel = context.WithTimeout(root, *timeout)
	first, err := apiA.SendMessage(ctx, chat.ID, "knock knock")
	cancel()
	if err != nil {
		fatalf("send first message: %v", err)
	}
	mustWrite(root, a.conn, mkEnv(v1.TypeSendMessage, v1.SendMessagePayload{
		ChatID: chat.ID,
		Message: v1.WireMessage{
			ID:         first.Message.ID,
			ChatID:     chat.ID,
			SenderID:   a.userID,
			SenderName: first.Message.Sender.Name,
			Content:    first.Message.Content,
			Timestamp:  first.Message.Timestamp,
		},
		Recipients: first.Chat.RecipientIDs(a.userID),
	}), *timeout)
	mustAssertNotification(root, b, chat.ID, a.userID, "knock knock", *timeout)

	mustJoin(root, b, chat.ID, *timeout)

	// Typing fans out to the peer only.
	mustWrite(root, a.conn, mkEnv(v1.TypeTyping, v1.TypingPayload{
		ChatID: chat.ID,
		UserID: a.userID,
	}), *timeout)
	mustAssertTyping(root, b, chat.ID, a.userID, *timeout)
	mustAssertNoType(root, a, v1.TypeUserTyping, 750*time.Millisecond)

	// Persist first, then rebroadcast the server's copy.
	ctx, cancel = context.WithTimeout(root, *timeout)
	res, err := apiA.SendMessage(ctx, chat.ID, *text)
	cancel()
	if err != nil {
		fatalf("send message: %v", err)
	}

	mustWrite(root, a.conn, mkEnv(v1.TypeSendMessage, v1.SendMessagePayload{
		ChatID: chat.ID,
		Message: v1.WireMessage{
			ID:         res.Message.ID,
			ChatID:     chat.ID,
			SenderID:   a.userID,
			SenderName: res.Message.Sender.Name,
			Content:    res.Message.Content,
			Timestamp:  res.Message.Timestamp,
		},
		Recipients: res.Chat.RecipientIDs(a.userID),
	}), *timeout)

	mustAssertReceive(root, a, chat.ID, res.Message.ID, *text, *timeout)
	mustAssertReceive(root, b, chat.ID, res.Message.ID, *text, *timeout)

	mustWrite(root, a.conn, mkEnv(v1.TypeStopTyping, v1.StopTypingPayload{ChatID: chat.ID}), *timeout)
	mustAssertStopTyping(root, b, chat.ID, *timeout)

	fmt.Printf("OK: A=%s B=%s chat_id=%s message_id=%s\n", a.userID, b.userID, chat.ID, res.Message.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeConn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeConn{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, mkEnv(v1.TypeAuthenticate, v1.AuthenticatePayload{Token: token}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeAuthenticateAck, stepTimeout, nil)

	var p v1.AuthenticateAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal authenticate_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" || strings.TrimSpace(p.UserID) == "" {
		fatalf("authenticate_ack missing ids (%s): %+v", name, p)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeConn) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeConn, chatID string, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, mkEnv(v1.TypeJoinChat, v1.JoinChatPayload{ChatID: chatID}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeJoinAck, stepTimeout, nil)

	var p v1.JoinAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal join_ack payload (%s): %v", c.name, err)
	}
	if p.ChatID != chatID {
		fatalf("join_ack chat_id mismatch (%s): got=%q want=%q", c.name, p.ChatID, chatID)
	}
}

func mustAssertTyping(parent context.Context, c *smokeConn, chatID, typistID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeUserTyping, stepTimeout, nil)

	var p v1.UserTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal user_typing payload (%s): %v", c.name, err)
	}
	if p.ChatID != chatID || p.UserID != typistID {
		fatalf("user_typing mismatch (%s): got=%+v want chat=%q typist=%q", c.name, p, chatID, typistID)
	}
}

func mustAssertStopTyping(parent context.Context, c *smokeConn, chatID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeUserStopTyping, stepTimeout, nil)

	var p v1.UserStopTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal user_stop_typing payload (%s): %v", c.name, err)
	}
	if p.ChatID != chatID {
		fatalf("user_stop_typing chat_id mismatch (%s): got=%q want=%q", c.name, p.ChatID, chatID)
	}
}

func mustAssertNotification(parent context.Context, c *smokeConn, chatID, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeNewMessageNotification, stepTimeout, nil)

	var p v1.NotificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal new_message_notification payload (%s): %v", c.name, err)
	}
	if p.ChatID != chatID || p.Message.SenderID != senderID || p.Message.Content != text {
		fatalf("notification mismatch (%s): got=%+v", c.name, p)
	}
}

func mustAssertReceive(parent context.Context, c *smokeConn, chatID, messageID, text string, stepTimeout time.Duration) {
	skip := map[string]struct{}{
		v1.TypeUserTyping:     {},
		v1.TypeUserStopTyping: {},
	}
	env := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout, skip)

	var p v1.ReceiveMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receive_message payload (%s): %v", c.name, err)
	}
	if p.Message.ChatID != chatID {
		fatalf("receive_message chat_id mismatch (%s): got=%q want=%q", c.name, p.Message.ChatID, chatID)
	}
	if p.Message.ID != messageID {
		fatalf("receive_message id mismatch (%s): got=%q want=%q", c.name, p.Message.ID, messageID)
	}
	if p.Message.Content != text {
		fatalf("receive_message content mismatch (%s): got=%q want=%q", c.name, p.Message.Content, text)
	}
}

func mustAssertNoType(parent context.Context, c *smokeConn, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeConn) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mkEnv(typ string, payload any) v1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("smoke-%s-%d", typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: b,
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
