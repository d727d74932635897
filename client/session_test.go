package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	v1 "stoop/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory Conn. Tests read client traffic from sent and
// push server traffic into inbox.
type fakeConn struct {
	sent  chan v1.Envelope
	inbox chan v1.Envelope
	done  chan struct{}
	once  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:  make(chan v1.Envelope, 32),
		inbox: make(chan v1.Envelope, 32),
		done:  make(chan struct{}),
	}
}

func (f *fakeConn) Send(ctx context.Context, env v1.Envelope) error {
	select {
	case f.sent <- env:
		return nil
	case <-f.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Receive(ctx context.Context) (v1.Envelope, error) {
	select {
	case env := <-f.inbox:
		return env, nil
	case <-f.done:
		return v1.Envelope{}, net.ErrClosed
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d fakeDialer) Dial(context.Context) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func mkEnv(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", typ, err)
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: "01ENVELOPETESTID0000000000", TS: time.Now().UTC(), Payload: raw}
}

// waitSent reads from the fake conn until an envelope of the given type
// arrives or the timeout elapses.
func waitSent(t *testing.T, c *fakeConn, typ string) v1.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.sent:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for client to send %q", typ)
		}
	}
}

func noSent(t *testing.T, c *fakeConn, typ string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case env := <-c.sent:
			if env.Type == typ {
				t.Fatalf("unexpected %q envelope", typ)
			}
		case <-deadline:
			return
		}
	}
}

// chatFixture is a two-person conversation viewed by user-dana.
func chatFixture(id string, msgs ...Message) Chat {
	return Chat{
		ID: id,
		Participants: []Participant{
			{ID: "user-dana", Name: "Dana", Email: "dana@example.com"},
			{ID: "user-omar", Name: "Omar", Email: "omar@example.com"},
		},
		Messages:     msgs,
		Neighborhood: Neighborhood{ID: "hood-1", Name: "Maple Street"},
		CreatedAt:    time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

// restFixture is a scripted REST backend for session tests.
type restFixture struct {
	mu        sync.Mutex
	chats     map[string]Chat
	readCalls []string
	nextMsgID int
}

func newRESTFixture(chats ...Chat) *restFixture {
	f := &restFixture{chats: make(map[string]Chat)}
	for _, c := range chats {
		f.chats[c.ID] = c
	}
	return f
}

func (f *restFixture) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chats/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		c, ok := f.chats[r.PathValue("id")]
		if !ok {
			writeTestError(w, http.StatusNotFound, "not_found")
			return
		}
		_ = json.NewEncoder(w).Encode(c)
	})
	mux.HandleFunc("PUT /api/chats/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.readCalls = append(f.readCalls, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		c, ok := f.chats[r.PathValue("id")]
		if !ok {
			writeTestError(w, http.StatusNotFound, "not_found")
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeTestError(w, http.StatusBadRequest, "invalid_body")
			return
		}
		f.nextMsgID++
		msg := Message{
			ID:        fmt.Sprintf("msg-%d", f.nextMsgID),
			Sender:    Participant{ID: "user-dana", Name: "Dana", Email: "dana@example.com"},
			Content:   body.Content,
			Timestamp: time.Date(2026, 8, 2, 12, 0, f.nextMsgID, 0, time.UTC),
		}
		c.Messages = append(c.Messages, msg)
		c.LastMessageAt = msg.Timestamp
		f.chats[c.ID] = c
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(SendResult{Chat: c, Message: msg})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (f *restFixture) reads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.readCalls...)
}

func writeTestError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": code},
	})
}

type sessionHarness struct {
	sess *Session
	conn *fakeConn
	rest *restFixture
}

func newSessionHarness(t *testing.T, events Events, opts ...SessionOption) *sessionHarness {
	t.Helper()
	rest := newRESTFixture(
		chatFixture("chat-1",
			Message{ID: "msg-a", Sender: Participant{ID: "user-omar", Name: "Omar"}, Content: "hey", Timestamp: time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)},
			Message{ID: "msg-b", Sender: Participant{ID: "user-dana", Name: "Dana"}, Content: "hi", Timestamp: time.Date(2026, 8, 1, 11, 1, 0, 0, time.UTC)},
		),
		chatFixture("chat-2"),
	)
	srv := rest.server(t)

	conn := newFakeConn()
	conn.inbox <- mkEnv(t, v1.TypeAuthenticateAck, v1.AuthenticateAckPayload{SessionID: "sess-1", UserID: "user-dana"})

	sess := NewSession(testLogger(), NewAPI(srv.URL, "token-dana"), fakeDialer{conn: conn}, "token-dana", events, opts...)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return &sessionHarness{sess: sess, conn: conn, rest: rest}
}

// selectChat drives the join handshake: it acks the join_chat envelope the
// session emits and returns the Select result.
func (h *sessionHarness) selectChat(t *testing.T, chatID string) (Chat, error) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.After(2 * time.Second)
		for {
			select {
			case env := <-h.conn.sent:
				if env.Type != v1.TypeJoinChat {
					continue
				}
				var p v1.JoinChatPayload
				if err := json.Unmarshal(env.Payload, &p); err != nil || p.ChatID != chatID {
					h.conn.inbox <- mkEnv(t, v1.TypeError, v1.ErrorPayload{Code: "join_failed", Message: "wrong chat"})
					return
				}
				h.conn.inbox <- mkEnv(t, v1.TypeJoinAck, v1.JoinAckPayload{ChatID: chatID})
				return
			case <-deadline:
				return
			}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	chat, err := h.sess.Select(ctx, chatID)
	<-done
	return chat, err
}

func TestSessionConnectAuthenticates(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, Events{})

	if got := h.sess.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	if got := h.sess.UserID(); got != "user-dana" {
		t.Fatalf("UserID = %q, want user-dana", got)
	}
	if got := h.sess.SessionID(); got != "sess-1" {
		t.Fatalf("SessionID = %q, want sess-1", got)
	}

	env := waitSent(t, h.conn, v1.TypeAuthenticate)
	if env.V != v1.Version || env.ID == "" {
		t.Fatalf("malformed authenticate envelope: %+v", env)
	}
	var p v1.AuthenticatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Token != "token-dana" {
		t.Fatalf("authenticate payload = %s, err = %v", env.Payload, err)
	}
}

func TestSessionConnectRejected(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.inbox <- mkEnv(t, v1.TypeError, v1.ErrorPayload{Code: "authenticate_failed", Message: "bad token"})

	sess := NewSession(testLogger(), NewAPI("http://127.0.0.1:0", "nope"), fakeDialer{conn: conn}, "nope", Events{})
	if err := sess.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded with rejected credentials")
	}
	if got := sess.State(); got != StateDisconnected {
		t.Fatalf("state after rejection = %v, want disconnected", got)
	}
}

func TestSessionSelectLoadsHistoryThenJoins(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, Events{})

	chat, err := h.selectChat(t, "chat-1")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(chat.Messages) != 2 || chat.Messages[0].ID != "msg-a" {
		t.Fatalf("history = %+v, want msg-a then msg-b", chat.Messages)
	}

	cur, ok := h.sess.Current()
	if !ok || cur.ID != "chat-1" || len(cur.Messages) != 2 {
		t.Fatalf("Current = %+v ok=%v", cur, ok)
	}
	if reads := h.rest.reads(); len(reads) != 1 || reads[0] != "chat-1" {
		t.Fatalf("mark-read calls = %v, want [chat-1]", reads)
	}
}

func TestSessionSelectFailureKeepsSelection(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, Events{})
	if _, err := h.selectChat(t, "chat-1"); err != nil {
		t.Fatalf("Select chat-1: %v", err)
	}

	// History fetch rejected: selection must not move.
	_, err := h.sess.Select(context.Background(), "chat-missing")
	if !IsNotFound(err) {
		t.Fatalf("Select missing chat: err = %v, want not-found", err)
	}
	if cur, ok := h.sess.Current(); !ok || cur.ID != "chat-1" {
		t.Fatalf("Current after failed select = %+v ok=%v, want chat-1", cur, ok)
	}

	// Join rejected by the server: selection must not move either.
	go func() {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case env := <-h.conn.sent:
				if env.Type != v1.TypeJoinChat {
					continue
				}
				h.conn.inbox <- mkEnv(t, v1.TypeError, v1.ErrorPayload{Code: "join_failed", Message: "not a participant"})
				return
			case <-deadline:
				return
			}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.sess.Select(ctx, "chat-2"); err == nil {
		t.Fatal("Select succeeded despite join rejection")
	}
	if cur, ok := h.sess.Current(); !ok || cur.ID != "chat-1" {
		t.Fatalf("Current after join rejection = %+v ok=%v, want chat-1", cur, ok)
	}
}

func TestSessionSendPersistsThenBroadcasts(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var delivered []Message
	h := newSessionHarness(t, Events{
		OnMessage: func(_ string, msg Message) {
			mu.Lock()
			delivered = append(delivered, msg)
			mu.Unlock()
		},
	})
	if _, err := h.selectChat(t, "chat-1"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	msg, err := h.sess.Send(context.Background(), "see you at the stoop")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.ID == "" || msg.Sender.ID != "user-dana" {
		t.Fatalf("unexpected message %+v", msg)
	}

	env := waitSent(t, h.conn, v1.TypeSendMessage)
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("send_message payload: %v", err)
	}
	if p.ChatID != "chat-1" || p.Message.ID != msg.ID || p.Message.SenderID != "user-dana" {
		t.Fatalf("send_message payload = %+v", p)
	}
	if len(p.Recipients) != 1 || p.Recipients[0] != "user-omar" {
		t.Fatalf("recipients = %v, want [user-omar]", p.Recipients)
	}

	// The room echo comes back for our own message. The local copy must not
	// be duplicated, and the richer REST sender profile must survive.
	h.conn.inbox <- mkEnv(t, v1.TypeReceiveMessage, v1.ReceiveMessagePayload{Message: v1.WireMessage{
		ID:         msg.ID,
		ChatID:     "chat-1",
		SenderID:   "user-dana",
		SenderName: "Dana",
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
	}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	})
	cur, _ := h.sess.Current()
	count := 0
	for _, m := range cur.Messages {
		if m.ID == msg.ID {
			count++
			if m.Sender.Email != "dana@example.com" {
				t.Fatalf("echo clobbered the REST sender profile: %+v", m.Sender)
			}
		}
	}
	if count != 1 {
		t.Fatalf("message %s appears %d times after echo, want 1", msg.ID, count)
	}
}

func TestSessionPeerMessageAppended(t *testing.T) {
	t.Parallel()

	got := make(chan Message, 1)
	h := newSessionHarness(t, Events{
		OnMessage: func(_ string, msg Message) { got <- msg },
	})
	if _, err := h.selectChat(t, "chat-1"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	h.conn.inbox <- mkEnv(t, v1.TypeReceiveMessage, v1.ReceiveMessagePayload{Message: v1.WireMessage{
		ID:         "msg-peer",
		ChatID:     "chat-1",
		SenderID:   "user-omar",
		SenderName: "Omar",
		Content:    "on my way",
		Timestamp:  time.Date(2026, 8, 2, 13, 0, 0, 0, time.UTC),
	}})

	select {
	case msg := <-got:
		if msg.ID != "msg-peer" || msg.Sender.Name != "Omar" {
			t.Fatalf("delivered %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnMessage")
	}

	cur, _ := h.sess.Current()
	if len(cur.Messages) != 3 || cur.Messages[2].ID != "msg-peer" {
		t.Fatalf("messages = %+v, want msg-peer appended", cur.Messages)
	}
	if !cur.LastMessageAt.Equal(time.Date(2026, 8, 2, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("LastMessageAt = %v, want the peer message timestamp", cur.LastMessageAt)
	}
}

func TestSessionMessagesForOtherChatsNotApplied(t *testing.T) {
	t.Parallel()

	notified := make(chan v1.NotificationPayload, 1)
	h := newSessionHarness(t, Events{
		OnNotification: func(p v1.NotificationPayload) { notified <- p },
	})
	if _, err := h.selectChat(t, "chat-1"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	h.conn.inbox <- mkEnv(t, v1.TypeNewMessageNotification, v1.NotificationPayload{
		ChatID: "chat-2",
		Message: v1.NotificationMessage{
			SenderID:   "user-omar",
			SenderName: "Omar",
			Content:    "different thread",
			Timestamp:  time.Now().UTC(),
		},
	})

	select {
	case p := <-notified:
		if p.ChatID != "chat-2" || p.Message.SenderName != "Omar" {
			t.Fatalf("notification = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnNotification")
	}

	cur, _ := h.sess.Current()
	if cur.ID != "chat-1" || len(cur.Messages) != 2 {
		t.Fatalf("open conversation changed: %+v", cur)
	}
}

func TestSessionTypingDebounce(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, Events{}, WithTypingDebounce(60*time.Millisecond))
	if _, err := h.selectChat(t, "chat-1"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	if err := h.sess.Keystroke(context.Background()); err != nil {
		t.Fatalf("Keystroke: %v", err)
	}
	env := waitSent(t, h.conn, v1.TypeTyping)
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("typing payload: %v", err)
	}
	if p.ChatID != "chat-1" || p.UserID != "user-dana" || p.UserName != "Dana" {
		t.Fatalf("typing payload = %+v", p)
	}

	// Further keystrokes inside the window extend it without re-announcing.
	if err := h.sess.Keystroke(context.Background()); err != nil {
		t.Fatalf("second Keystroke: %v", err)
	}
	noSent(t, h.conn, v1.TypeTyping, 30*time.Millisecond)

	env = waitSent(t, h.conn, v1.TypeStopTyping)
	var sp v1.StopTypingPayload
	if err := json.Unmarshal(env.Payload, &sp); err != nil || sp.ChatID != "chat-1" {
		t.Fatalf("stop_typing payload = %s, err = %v", env.Payload, err)
	}

	// After retraction the next keystroke announces again.
	if err := h.sess.Keystroke(context.Background()); err != nil {
		t.Fatalf("Keystroke after retraction: %v", err)
	}
	waitSent(t, h.conn, v1.TypeTyping)
}

func TestSessionBlurRetractsTyping(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, Events{}, WithTypingDebounce(10*time.Second))
	if _, err := h.selectChat(t, "chat-1"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	if err := h.sess.Keystroke(context.Background()); err != nil {
		t.Fatalf("Keystroke: %v", err)
	}
	waitSent(t, h.conn, v1.TypeTyping)

	h.sess.Blur(context.Background())
	waitSent(t, h.conn, v1.TypeStopTyping)

	// Idempotent: a second blur sends nothing.
	h.sess.Blur(context.Background())
	noSent(t, h.conn, v1.TypeStopTyping, 30*time.Millisecond)
}

func TestSessionSendRetractsTyping(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, Events{}, WithTypingDebounce(10*time.Second))
	if _, err := h.selectChat(t, "chat-1"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	if err := h.sess.Keystroke(context.Background()); err != nil {
		t.Fatalf("Keystroke: %v", err)
	}
	waitSent(t, h.conn, v1.TypeTyping)

	if _, err := h.sess.Send(context.Background(), "done typing"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitSent(t, h.conn, v1.TypeStopTyping)
}

func TestSessionDisconnectResetsState(t *testing.T) {
	t.Parallel()

	dropped := make(chan error, 1)
	h := newSessionHarness(t, Events{
		OnDisconnect: func(err error) { dropped <- err },
	})
	if _, err := h.selectChat(t, "chat-1"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	// Simulate the server dropping the connection.
	_ = h.conn.Close()

	select {
	case err := <-dropped:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("OnDisconnect err = %v, want net.ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnDisconnect")
	}

	if got := h.sess.State(); got != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}
	if _, ok := h.sess.Current(); ok {
		t.Fatal("selection survived the disconnect")
	}
	if _, err := h.sess.Send(context.Background(), "late"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after drop: err = %v, want ErrNotConnected", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
