package chat

import (
	"context"
	"time"
)

// Store is the durable conversation/message boundary.
//
// Every conversation-scoped operation is membership-checked: a missing
// conversation and a non-participant caller both surface ErrNotFound.
//
// Requirements:
//   - Direct (two-party, non-group) creation is idempotent per unordered pair.
//   - Append atomically updates the conversation recency marker.
//   - MarkRead is idempotent and never touches the reader's own messages.
//   - Delete is a hard delete of the conversation and all its messages.
type Store interface {
	// ListForUser returns all conversations the user participates in,
	// profile-expanded, without message bodies, ordered by recency
	// marker descending.
	ListForUser(ctx context.Context, userID string) ([]Conversation, error)

	// Get returns the full conversation with messages, senders resolved.
	Get(ctx context.Context, conversationID, userID string) (Conversation, error)

	// Create creates (or, for direct pairs, finds) a conversation.
	// The boolean reports whether a new record was created.
	Create(ctx context.Context, in CreateInput) (Conversation, bool, error)

	// AppendMessage appends a message and bumps the recency marker to
	// the message timestamp. Returns the updated conversation and the
	// new message, both profile-expanded.
	AppendMessage(ctx context.Context, conversationID, senderID, content string, now time.Time) (Conversation, Message, error)

	// MarkRead flips read=true on every unread message not sent by the reader.
	MarkRead(ctx context.Context, conversationID, readerID string) error

	// Delete permanently removes the conversation and its messages.
	Delete(ctx context.Context, conversationID, requesterID string) error

	// IsParticipant reports membership without leaking other state.
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)

	Close() error
}
