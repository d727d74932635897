// Package notify publishes message-created events for the platform's
// notification pipeline. Live delivery to connected users happens in
// cmd/internal/realtime; this stream serves everything else (digests,
// push to mobile, unread counters) and is strictly fire-and-forget from
// the chat core's point of view.
package notify

import (
	"context"
	"time"
)

// MessageCreated is the event emitted after a successful durable append.
type MessageCreated struct {
	ChatID     string    `json:"chat_id"`
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	Recipients []string  `json:"recipients"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher publishes chat events to the platform event stream.
type Publisher interface {
	PublishMessageCreated(ctx context.Context, ev MessageCreated) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishMessageCreated(context.Context, MessageCreated) error { return nil }
func (NopPublisher) Close() error                                                { return nil }
