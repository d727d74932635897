// Package chat contains the conversation store and the request/response
// service surface of the community chat core.
//
// Persistence is the authority: a message exists once a store append
// returns. The live channel (cmd/internal/realtime) is a delivery
// accelerator layered on top and carries no correctness obligation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"stoop/cmd/internal/profile"
)

// Sentinel errors forming the operation taxonomy. NotFound deliberately
// covers both "no such conversation" and "caller is not a participant" so
// existence never leaks to non-participants.
var (
	ErrUnauthenticated = errors.New("chat: unauthenticated")
	ErrNotFound        = errors.New("chat: not found")
	ErrValidation      = errors.New("chat: validation")
)

// ValidationError reports a rejected input for a specific logical field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrValidation, e.Msg)
	}
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Msg)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// Conversation is a persisted thread between a fixed set of participants,
// scoped to the neighborhood of its creator.
type Conversation struct {
	ID            string               `json:"id"`
	Participants  []profile.Summary    `json:"participants"`
	Messages      []Message            `json:"messages,omitempty"`
	IsGroupChat   bool                 `json:"is_group_chat"`
	GroupName     string               `json:"group_name,omitempty"`
	Neighborhood  profile.Neighborhood `json:"neighborhood"`
	LastMessageAt time.Time            `json:"last_message_at"`
	CreatedAt     time.Time            `json:"created_at"`
}

// ParticipantIDs returns the ids of all participants.
func (c Conversation) ParticipantIDs() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.ID)
	}
	return out
}

// RecipientIDs returns all participant ids except the given sender.
func (c Conversation) RecipientIDs(senderID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID != senderID {
			out = append(out, p.ID)
		}
	}
	return out
}

// Message is one unit of conversation content. The read flag starts false
// and only ever flips to true, in bulk, by a non-sender participant.
type Message struct {
	ID      string          `json:"id"`
	Sender  profile.Summary `json:"sender"`
	Content string          `json:"content"`
	Read    bool            `json:"read"`
	SentAt  time.Time       `json:"timestamp"`
}

// CreateInput describes a conversation creation request.
type CreateInput struct {
	RequesterID    string
	ParticipantIDs []string
	IsGroupChat    bool
	GroupName      string
}

// normalizeCreate merges the requester into the participant set, dedupes,
// and validates the combination against the conversation kind rules.
func normalizeCreate(in CreateInput) ([]string, error) {
	if in.RequesterID == "" {
		return nil, ErrUnauthenticated
	}
	if len(in.ParticipantIDs) == 0 {
		return nil, ValidationError{Field: "participant_ids", Msg: "must be non-empty"}
	}

	seen := make(map[string]struct{}, len(in.ParticipantIDs)+1)
	merged := make([]string, 0, len(in.ParticipantIDs)+1)
	for _, id := range append([]string{in.RequesterID}, in.ParticipantIDs...) {
		if id == "" {
			return nil, ValidationError{Field: "participant_ids", Msg: "contains empty id"}
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}

	if len(merged) < 2 {
		return nil, ValidationError{Field: "participant_ids", Msg: "need at least two distinct participants"}
	}
	if in.IsGroupChat && strings.TrimSpace(in.GroupName) == "" {
		return nil, ValidationError{Field: "group_name", Msg: "required for group chats"}
	}

	sort.Strings(merged)
	return merged, nil
}

// expandSummaries resolves ids through the directory, falling back to a
// bare id-only summary for users the directory no longer knows.
func expandSummaries(ctx context.Context, dir profile.Directory, ids []string) ([]profile.Summary, error) {
	known, err := dir.Summaries(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]profile.Summary, 0, len(ids))
	for _, id := range ids {
		if s, ok := known[id]; ok {
			out = append(out, s)
			continue
		}
		out = append(out, profile.Summary{ID: id})
	}
	return out, nil
}

// samePair reports whether a sorted participant id slice equals the sorted pair.
func samePair(sortedIDs []string, sortedPair []string) bool {
	if len(sortedIDs) != 2 || len(sortedPair) != 2 {
		return false
	}
	return sortedIDs[0] == sortedPair[0] && sortedIDs[1] == sortedPair[1]
}
