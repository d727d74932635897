// Package v1 defines the Stoop chat live-channel protocol v1.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol both sides must negotiate.
const Subprotocol = "stoop.chat.v1"

// Type constants (wire-stable).
const (
	// TypeAuthenticate binds the connection to a user identity (client -> server).
	TypeAuthenticate = "authenticate"
	// TypeAuthenticateAck confirms identity registration (server -> client).
	TypeAuthenticateAck = "authenticate_ack"

	// TypeJoinChat joins the room for a conversation (client -> server) and is acked.
	TypeJoinChat = "join_chat"
	// TypeJoinAck confirms room membership (server -> client).
	TypeJoinAck = "join_ack"

	// TypeSendMessage rebroadcasts an already-persisted message (client -> server).
	TypeSendMessage = "send_message"
	// TypeReceiveMessage delivers a message to room members (server -> client).
	TypeReceiveMessage = "receive_message"
	// TypeNewMessageNotification is the reduced-payload push for recipients
	// that are connected but not joined to the room (server -> client).
	TypeNewMessageNotification = "new_message_notification"

	// TypeTyping / TypeStopTyping are best-effort typing indicators (client -> server).
	TypeTyping     = "typing"
	TypeStopTyping = "stop_typing"
	// TypeUserTyping / TypeUserStopTyping are their room-fanout counterparts (server -> client).
	TypeUserTyping     = "user_typing"
	TypeUserStopTyping = "user_stop_typing"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeAuthenticate,
		TypeAuthenticateAck,
		TypeJoinChat,
		TypeJoinAck,
		TypeSendMessage,
		TypeReceiveMessage,
		TypeNewMessageNotification,
		TypeTyping,
		TypeStopTyping,
		TypeUserTyping,
		TypeUserStopTyping,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// AuthenticatePayload carries the bearer token issued by the platform's auth service.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticateAckPayload confirms the resolved identity and session.
type AuthenticateAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// JoinChatPayload requests room membership for one conversation.
type JoinChatPayload struct {
	ChatID string `json:"chat_id"`
}

// JoinAckPayload confirms room membership.
type JoinAckPayload struct {
	ChatID string `json:"chat_id"`
}

// WireMessage is the message shape carried on the live channel.
// It mirrors the REST representation; the REST append is the authority and
// the live copy is a delivery hint reconciled by ID on the client.
type WireMessage struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// SendMessagePayload rebroadcasts a persisted message to the room and names
// the recipients that should get a notification when not in the room.
type SendMessagePayload struct {
	ChatID     string      `json:"chat_id"`
	Message    WireMessage `json:"message"`
	Recipients []string    `json:"recipients,omitempty"`
}

// ReceiveMessagePayload is the room-broadcast delivery.
type ReceiveMessagePayload struct {
	Message WireMessage `json:"message"`
}

// NotificationPayload is the reduced-payload targeted push: sender, content
// and timestamp only, never the full conversation object.
type NotificationPayload struct {
	ChatID  string              `json:"chat_id"`
	Message NotificationMessage `json:"message"`
}

// NotificationMessage is the trimmed message inside a notification.
type NotificationMessage struct {
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// TypingPayload announces that a user is composing in a conversation.
type TypingPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// StopTypingPayload clears a typing indicator.
type StopTypingPayload struct {
	ChatID string `json:"chat_id"`
}

// UserTypingPayload is the room-fanout counterpart of TypingPayload.
type UserTypingPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// UserStopTypingPayload is the room-fanout counterpart of StopTypingPayload.
type UserStopTypingPayload struct {
	ChatID string `json:"chat_id"`
}

// ErrorPayload reports a rejected client event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
