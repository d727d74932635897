package chat

import (
	"context"
	"log/slog"
	"time"

	"stoop/cmd/internal/notify"
)

// Service orchestrates the durable store with the advisory list cache and
// the event publisher. Cache and publisher failures degrade to log lines;
// the store result is always authoritative.
type Service struct {
	log   *slog.Logger
	store Store
	cache *ListCache
	pub   notify.Publisher
}

// NewService wires a Service. cache may be nil; pub may be nil (treated as Nop).
func NewService(log *slog.Logger, store Store, cache *ListCache, pub notify.Publisher) *Service {
	if pub == nil {
		pub = notify.NopPublisher{}
	}
	return &Service{log: log, store: store, cache: cache, pub: pub}
}

// ListForUser serves from the cache when possible.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if convs, ok := s.cache.Get(ctx, userID); ok {
		return convs, nil
	}

	convs, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, userID, convs); err != nil {
		s.log.Warn("chat.cache.set.fail", "user_id", userID, "err", err)
	}
	return convs, nil
}

// Get returns the full conversation.
func (s *Service) Get(ctx context.Context, conversationID, userID string) (Conversation, error) {
	return s.store.Get(ctx, conversationID, userID)
}

// Create creates-or-finds a conversation and invalidates participant lists.
func (s *Service) Create(ctx context.Context, in CreateInput) (Conversation, bool, error) {
	conv, created, err := s.store.Create(ctx, in)
	if err != nil {
		return Conversation{}, false, err
	}
	if created {
		s.invalidate(ctx, conv.ParticipantIDs())
	}
	return conv, created, nil
}

// AppendMessage appends durably, invalidates lists and publishes the event.
func (s *Service) AppendMessage(ctx context.Context, conversationID, senderID, content string) (Conversation, Message, error) {
	conv, msg, err := s.store.AppendMessage(ctx, conversationID, senderID, content, time.Now().UTC())
	if err != nil {
		return Conversation{}, Message{}, err
	}

	s.invalidate(ctx, conv.ParticipantIDs())

	if err := s.pub.PublishMessageCreated(ctx, notify.MessageCreated{
		ChatID:     conv.ID,
		MessageID:  msg.ID,
		SenderID:   senderID,
		Recipients: conv.RecipientIDs(senderID),
		Timestamp:  msg.SentAt,
	}); err != nil {
		// The append already committed; the event stream catches up elsewhere.
		s.log.Warn("chat.publish.fail", "chat_id", conv.ID, "message_id", msg.ID, "err", err)
	}

	return conv, msg, nil
}

// MarkRead bulk-acknowledges messages for the reader.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) error {
	return s.store.MarkRead(ctx, conversationID, readerID)
}

// Delete removes the conversation permanently and invalidates lists.
func (s *Service) Delete(ctx context.Context, conversationID, requesterID string) error {
	conv, err := s.store.Get(ctx, conversationID, requesterID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, conversationID, requesterID); err != nil {
		return err
	}
	s.invalidate(ctx, conv.ParticipantIDs())
	return nil
}

// IsParticipant reports membership; used by the realtime gateway ACL.
func (s *Service) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return s.store.IsParticipant(ctx, conversationID, userID)
}

func (s *Service) invalidate(ctx context.Context, userIDs []string) {
	if err := s.cache.Invalidate(ctx, userIDs...); err != nil {
		s.log.Warn("chat.cache.invalidate.fail", "err", err)
	}
}
