package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	v1 "stoop/contracts/chat/v1"
)

// State is the live-channel connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// defaultTypingDebounce is how long after the last keystroke the typing
// indicator is retracted.
const defaultTypingDebounce = 3 * time.Second

var (
	// ErrNotConnected is returned for live operations without a connection.
	ErrNotConnected = errors.New("client: not connected")
	// ErrNoSelection is returned for operations that need an open conversation.
	ErrNoSelection = errors.New("client: no conversation selected")
)

// Events are optional callbacks for server-pushed traffic. They are invoked
// from the session's read goroutine; handlers must not block.
type Events struct {
	// OnMessage fires after a live message has been reconciled into the open
	// conversation. This includes the sender's own echo.
	OnMessage func(chatID string, msg Message)
	// OnNotification fires for messages in conversations the user is not viewing.
	OnNotification func(p v1.NotificationPayload)
	// OnTyping / OnStopTyping mirror peer typing indicators for the open conversation.
	OnTyping     func(p v1.UserTypingPayload)
	OnStopTyping func(chatID string)
	// OnDisconnect fires once when the live channel drops. err is nil on Close.
	OnDisconnect func(err error)
}

// Session coordinates the durable REST API and the live channel for one user.
//
// The REST API is the authority: sends persist there first, and the live
// channel's own echo is reconciled by message id against what REST returned.
type Session struct {
	log    *slog.Logger
	api    *API
	dialer Dialer
	token  string
	events Events

	debounce time.Duration
	now      func() time.Time

	mu          sync.Mutex
	state       State
	conn        Conn
	sessionID   string
	userID      string
	current     *Chat
	typing      bool
	typingTimer *time.Timer
	joinWait    chan v1.Envelope
	readCancel  context.CancelFunc
	closing     bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTypingDebounce overrides the typing retraction delay.
func WithTypingDebounce(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithClock overrides the session's time source.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSession wires a session over the given REST client and live dialer.
func NewSession(log *slog.Logger, api *API, dialer Dialer, token string, events Events, opts ...SessionOption) *Session {
	s := &Session{
		log:      log,
		api:      api,
		dialer:   dialer,
		token:    token,
		events:   events,
		debounce: defaultTypingDebounce,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// API exposes the underlying REST client for non-live operations.
func (s *Session) API() *API { return s.api }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the authenticated user id, empty while disconnected.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SessionID returns the server-assigned live session id.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Current returns a snapshot of the open conversation, or false if none.
func (s *Session) Current() (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Chat{}, false
	}
	c := *s.current
	c.Participants = append([]Participant(nil), s.current.Participants...)
	c.Messages = append([]Message(nil), s.current.Messages...)
	return c, true
}

// Connect dials the live channel and authenticates. The handshake is
// synchronous; on success a read goroutine takes over the connection.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("client: connect while %s", st)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.reset(nil)
		return err
	}

	sessionID, userID, err := s.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		s.reset(nil)
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.sessionID = sessionID
	s.userID = userID
	s.state = StateConnected
	s.readCancel = cancel
	s.closing = false
	s.mu.Unlock()

	go s.readLoop(readCtx, conn)
	return nil
}

func (s *Session) handshake(ctx context.Context, conn Conn) (sessionID, userID string, err error) {
	env, err := s.newEnvelope(v1.TypeAuthenticate, v1.AuthenticatePayload{Token: s.token})
	if err != nil {
		return "", "", err
	}
	if err := conn.Send(ctx, env); err != nil {
		return "", "", fmt.Errorf("client: authenticate: %w", err)
	}
	for {
		got, err := conn.Receive(ctx)
		if err != nil {
			return "", "", fmt.Errorf("client: authenticate: %w", err)
		}
		switch got.Type {
		case v1.TypeAuthenticateAck:
			var ack v1.AuthenticateAckPayload
			if err := json.Unmarshal(got.Payload, &ack); err != nil {
				return "", "", fmt.Errorf("client: authenticate ack: %w", err)
			}
			return ack.SessionID, ack.UserID, nil
		case v1.TypeError:
			return "", "", fmt.Errorf("client: authenticate: %s", errorText(got))
		default:
			// Ignore unrelated traffic until the handshake settles.
		}
	}
}

// Close tears down the live channel. The REST client stays usable.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	cancel := s.readCancel
	s.closing = true
	s.stopTypingTimerLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Select opens a conversation: it fetches the durable history, joins the
// live room, and marks the history read. On any failure the previous
// selection is left untouched.
func (s *Session) Select(ctx context.Context, chatID string) (Chat, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return Chat{}, ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()

	chat, err := s.api.GetChat(ctx, chatID)
	if err != nil {
		return Chat{}, err
	}

	wait := make(chan v1.Envelope, 1)
	s.mu.Lock()
	s.joinWait = wait
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.joinWait = nil
		s.mu.Unlock()
	}()

	env, err := s.newEnvelope(v1.TypeJoinChat, v1.JoinChatPayload{ChatID: chatID})
	if err != nil {
		return Chat{}, err
	}
	if err := conn.Send(ctx, env); err != nil {
		return Chat{}, fmt.Errorf("client: join %s: %w", chatID, err)
	}

	select {
	case got := <-wait:
		if got.Type == v1.TypeError {
			return Chat{}, fmt.Errorf("client: join %s: %s", chatID, errorText(got))
		}
	case <-ctx.Done():
		return Chat{}, ctx.Err()
	}

	s.mu.Lock()
	prev := s.current != nil && s.current.ID != chatID
	if prev {
		s.stopTypingTimerLocked()
		s.typing = false
	}
	s.current = &chat
	s.mu.Unlock()

	// Viewing acknowledges the history. Best effort.
	if err := s.api.MarkRead(ctx, chatID); err != nil {
		s.log.Warn("session.mark_read", "chat_id", chatID, "err", err)
	}
	return chat, nil
}

// Send durably appends content to the open conversation, applies the result
// locally, and rebroadcasts it on the live channel. The REST append is the
// authority: if it fails nothing is broadcast or applied.
func (s *Session) Send(ctx context.Context, content string) (Message, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return Message{}, ErrNotConnected
	}
	if s.current == nil {
		s.mu.Unlock()
		return Message{}, ErrNoSelection
	}
	chatID := s.current.ID
	userID := s.userID
	conn := s.conn
	s.mu.Unlock()

	res, err := s.api.SendMessage(ctx, chatID, content)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	if s.current != nil && s.current.ID == chatID {
		s.applyMessageLocked(res.Message)
	}
	s.mu.Unlock()

	wire := v1.WireMessage{
		ID:         res.Message.ID,
		ChatID:     chatID,
		SenderID:   userID,
		SenderName: res.Message.Sender.Name,
		Content:    res.Message.Content,
		Timestamp:  res.Message.Timestamp,
	}
	env, err := s.newEnvelope(v1.TypeSendMessage, v1.SendMessagePayload{
		ChatID:     chatID,
		Message:    wire,
		Recipients: res.Chat.RecipientIDs(userID),
	})
	if err == nil {
		err = conn.Send(ctx, env)
	}
	if err != nil {
		// The message is durable; peers will see it on their next fetch.
		s.log.Warn("session.broadcast", "chat_id", chatID, "message_id", res.Message.ID, "err", err)
	}

	s.retractTyping(ctx)
	return res.Message, nil
}

// Keystroke reports compose activity. The first keystroke emits a typing
// indicator; each one pushes the retraction out by the debounce window.
func (s *Session) Keystroke(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnected || s.current == nil {
		s.mu.Unlock()
		return nil
	}
	chatID := s.current.ID
	userID := s.userID
	userName := s.selfNameLocked()
	conn := s.conn
	first := !s.typing
	s.typing = true
	s.stopTypingTimerLocked()
	s.typingTimer = time.AfterFunc(s.debounce, func() {
		s.retractTyping(context.Background())
	})
	s.mu.Unlock()

	if !first {
		return nil
	}
	env, err := s.newEnvelope(v1.TypeTyping, v1.TypingPayload{
		ChatID:   chatID,
		UserID:   userID,
		UserName: userName,
	})
	if err != nil {
		return err
	}
	return conn.Send(ctx, env)
}

// Blur retracts the typing indicator immediately, e.g. when the compose
// field loses focus or the conversation is closed.
func (s *Session) Blur(ctx context.Context) {
	s.retractTyping(ctx)
}

func (s *Session) retractTyping(ctx context.Context) {
	s.mu.Lock()
	if !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	s.stopTypingTimerLocked()
	if s.current == nil || s.conn == nil {
		s.mu.Unlock()
		return
	}
	chatID := s.current.ID
	conn := s.conn
	s.mu.Unlock()

	env, err := s.newEnvelope(v1.TypeStopTyping, v1.StopTypingPayload{ChatID: chatID})
	if err == nil {
		err = conn.Send(ctx, env)
	}
	if err != nil {
		s.log.Warn("session.stop_typing", "chat_id", chatID, "err", err)
	}
}

func (s *Session) stopTypingTimerLocked() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

func (s *Session) selfNameLocked() string {
	if s.current == nil {
		return ""
	}
	for _, p := range s.current.Participants {
		if p.ID == s.userID {
			return p.Name
		}
	}
	return ""
}

// applyMessageLocked reconciles a message into the open conversation by id.
// The incoming copy wins so live echoes converge on the server's version.
func (s *Session) applyMessageLocked(msg Message) {
	for i, m := range s.current.Messages {
		if m.ID == msg.ID {
			s.current.Messages[i] = msg
			return
		}
	}
	s.current.Messages = append(s.current.Messages, msg)
	if msg.Timestamp.After(s.current.LastMessageAt) {
		s.current.LastMessageAt = msg.Timestamp
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn) {
	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || ctx.Err() != nil {
				err = nil
			}
			s.reset(err)
			return
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env v1.Envelope) {
	s.mu.Lock()
	if s.joinWait != nil && (env.Type == v1.TypeJoinAck || env.Type == v1.TypeError) {
		wait := s.joinWait
		s.joinWait = nil
		s.mu.Unlock()
		wait <- env
		return
	}
	s.mu.Unlock()

	switch env.Type {
	case v1.TypeReceiveMessage:
		var p v1.ReceiveMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Warn("session.dispatch", "type", env.Type, "err", err)
			return
		}
		s.onReceiveMessage(p)
	case v1.TypeNewMessageNotification:
		var p v1.NotificationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Warn("session.dispatch", "type", env.Type, "err", err)
			return
		}
		if s.events.OnNotification != nil {
			s.events.OnNotification(p)
		}
	case v1.TypeUserTyping:
		var p v1.UserTypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if s.events.OnTyping != nil {
			s.events.OnTyping(p)
		}
	case v1.TypeUserStopTyping:
		var p v1.UserStopTypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if s.events.OnStopTyping != nil {
			s.events.OnStopTyping(p.ChatID)
		}
	case v1.TypeError:
		s.log.Warn("session.server_error", "detail", errorText(env))
	default:
		s.log.Debug("session.dispatch.unknown", "type", env.Type)
	}
}

func (s *Session) onReceiveMessage(p v1.ReceiveMessagePayload) {
	msg := Message{
		ID:        p.Message.ID,
		Sender:    Participant{ID: p.Message.SenderID, Name: p.Message.SenderName},
		Content:   p.Message.Content,
		Timestamp: p.Message.Timestamp,
	}

	s.mu.Lock()
	if s.current == nil || s.current.ID != p.Message.ChatID {
		s.mu.Unlock()
		return
	}
	// Keep the richer sender profile when this is the echo of our own send.
	for _, m := range s.current.Messages {
		if m.ID == msg.ID && m.Sender.ID == msg.Sender.ID {
			msg = m
			break
		}
	}
	s.applyMessageLocked(msg)
	chatID := s.current.ID
	s.mu.Unlock()

	if s.events.OnMessage != nil {
		s.events.OnMessage(chatID, msg)
	}
}

// reset drops the connection state and fires OnDisconnect at most once.
func (s *Session) reset(err error) {
	s.mu.Lock()
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.conn = nil
	s.sessionID = ""
	s.userID = ""
	s.current = nil
	s.typing = false
	s.stopTypingTimerLocked()
	if s.readCancel != nil {
		s.readCancel()
		s.readCancel = nil
	}
	s.mu.Unlock()

	if wasConnected && s.events.OnDisconnect != nil {
		s.events.OnDisconnect(err)
	}
}

func (s *Session) newEnvelope(typ string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ulid.Make().String(),
		TS:      s.now(),
		Payload: raw,
	}, nil
}

func errorText(env v1.Envelope) string {
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Code == "" {
		return "unspecified error"
	}
	return p.Code + ": " + p.Message
}
