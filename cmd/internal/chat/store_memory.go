package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"stoop/cmd/internal/ids"
	"stoop/cmd/internal/profile"
)

// MemoryStore is the in-process Store used when no database is configured,
// and by tests. Profile expansion goes through the injected directory, the
// same way the Postgres store does it.
type MemoryStore struct {
	dir profile.Directory

	mu    sync.Mutex
	convs map[string]*memConversation
}

type memConversation struct {
	id             string
	participantIDs []string // sorted
	isGroup        bool
	groupName      string
	neighborhood   profile.Neighborhood
	createdAt      time.Time
	lastMessageAt  time.Time
	messages       []memMessage
}

type memMessage struct {
	id       string
	senderID string
	content  string
	read     bool
	sentAt   time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(dir profile.Directory) *MemoryStore {
	return &MemoryStore{
		dir:   dir,
		convs: make(map[string]*memConversation),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// ListForUser returns the user's conversations ordered by recency descending.
func (s *MemoryStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var snaps []*memConversation
	for _, c := range s.convs {
		if c.hasParticipant(userID) {
			snaps = append(snaps, c.clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].lastMessageAt.Equal(snaps[j].lastMessageAt) {
			return snaps[i].lastMessageAt.After(snaps[j].lastMessageAt)
		}
		return snaps[i].id > snaps[j].id
	})

	out := make([]Conversation, 0, len(snaps))
	for _, c := range snaps {
		conv, err := s.expand(ctx, c, false)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// Get returns the full conversation or ErrNotFound under the membership rule.
func (s *MemoryStore) Get(ctx context.Context, conversationID, userID string) (Conversation, error) {
	if userID == "" {
		return Conversation{}, ErrUnauthenticated
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	c := s.lookupLocked(conversationID, userID)
	var snap *memConversation
	if c != nil {
		snap = c.clone()
	}
	s.mu.Unlock()

	if snap == nil {
		return Conversation{}, ErrNotFound
	}
	return s.expand(ctx, snap, true)
}

// Create creates a conversation, reusing an existing direct pair when possible.
func (s *MemoryStore) Create(ctx context.Context, in CreateInput) (Conversation, bool, error) {
	merged, err := normalizeCreate(in)
	if err != nil {
		return Conversation{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	// Conversation scope comes from the creator's community membership.
	hood, err := s.dir.NeighborhoodOf(ctx, in.RequesterID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return Conversation{}, false, ErrNotFound
		}
		return Conversation{}, false, err
	}

	now := time.Now().UTC()

	s.mu.Lock()
	if !in.IsGroupChat && len(merged) == 2 {
		for _, c := range s.convs {
			if !c.isGroup && samePair(c.participantIDs, merged) {
				snap := c.clone()
				s.mu.Unlock()
				conv, err := s.expand(ctx, snap, false)
				return conv, false, err
			}
		}
	}

	c := &memConversation{
		id:             ids.MustULID(now),
		participantIDs: merged,
		isGroup:        in.IsGroupChat,
		groupName:      strings.TrimSpace(in.GroupName),
		neighborhood:   hood,
		createdAt:      now,
		lastMessageAt:  now,
	}
	s.convs[c.id] = c
	snap := c.clone()
	s.mu.Unlock()

	conv, err := s.expand(ctx, snap, false)
	return conv, true, err
}

// AppendMessage appends with read=false and bumps the recency marker.
func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID, senderID, content string, now time.Time) (Conversation, Message, error) {
	if senderID == "" {
		return Conversation{}, Message{}, ErrUnauthenticated
	}
	if strings.TrimSpace(content) == "" {
		return Conversation{}, Message{}, ValidationError{Field: "content", Msg: "must be non-empty"}
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	c := s.lookupLocked(conversationID, senderID)
	if c == nil {
		s.mu.Unlock()
		return Conversation{}, Message{}, ErrNotFound
	}

	m := memMessage{
		id:       ids.MustULID(now),
		senderID: senderID,
		content:  content,
		sentAt:   now,
	}
	c.messages = append(c.messages, m)
	c.lastMessageAt = m.sentAt
	snap := c.clone()
	s.mu.Unlock()

	conv, err := s.expand(ctx, snap, true)
	if err != nil {
		return Conversation{}, Message{}, err
	}
	return conv, conv.Messages[len(conv.Messages)-1], nil
}

// MarkRead flips read on every unread message from other senders. Idempotent.
func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if readerID == "" {
		return ErrUnauthenticated
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.lookupLocked(conversationID, readerID)
	if c == nil {
		return ErrNotFound
	}

	for i := range c.messages {
		if !c.messages[i].read && c.messages[i].senderID != readerID {
			c.messages[i].read = true
		}
	}
	return nil
}

// Delete removes the conversation and its messages permanently.
func (s *MemoryStore) Delete(ctx context.Context, conversationID, requesterID string) error {
	if requesterID == "" {
		return ErrUnauthenticated
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupLocked(conversationID, requesterID) == nil {
		return ErrNotFound
	}
	delete(s.convs, conversationID)
	return nil
}

// IsParticipant reports membership.
func (s *MemoryStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(conversationID, userID) != nil, nil
}

// lookupLocked applies the merged membership rule: nil for missing
// conversation AND for non-participant callers.
func (s *MemoryStore) lookupLocked(conversationID, userID string) *memConversation {
	c, ok := s.convs[conversationID]
	if !ok || !c.hasParticipant(userID) {
		return nil
	}
	return c
}

func (c *memConversation) hasParticipant(userID string) bool {
	for _, id := range c.participantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *memConversation) clone() *memConversation {
	cp := *c
	cp.participantIDs = append([]string(nil), c.participantIDs...)
	cp.messages = append([]memMessage(nil), c.messages...)
	return &cp
}

// expand resolves participant and sender ids to profile summaries.
func (s *MemoryStore) expand(ctx context.Context, c *memConversation, withMessages bool) (Conversation, error) {
	need := append([]string(nil), c.participantIDs...)
	if withMessages {
		for _, m := range c.messages {
			need = append(need, m.senderID)
		}
	}

	known, err := s.dir.Summaries(ctx, need)
	if err != nil {
		return Conversation{}, err
	}
	summary := func(id string) profile.Summary {
		if sm, ok := known[id]; ok {
			return sm
		}
		return profile.Summary{ID: id}
	}

	conv := Conversation{
		ID:            c.id,
		IsGroupChat:   c.isGroup,
		GroupName:     c.groupName,
		Neighborhood:  c.neighborhood,
		LastMessageAt: c.lastMessageAt,
		CreatedAt:     c.createdAt,
	}
	for _, id := range c.participantIDs {
		conv.Participants = append(conv.Participants, summary(id))
	}
	if withMessages {
		conv.Messages = make([]Message, 0, len(c.messages))
		for _, m := range c.messages {
			conv.Messages = append(conv.Messages, Message{
				ID:      m.id,
				Sender:  summary(m.senderID),
				Content: m.content,
				Read:    m.read,
				SentAt:  m.sentAt,
			})
		}
	}
	return conv, nil
}
