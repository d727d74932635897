// Package profile exposes the read-side lookup capability the chat core
// depends on: resolving user ids to displayable profile summaries and a
// user's neighborhood membership. The user records themselves are owned by
// the wider platform; this package only reads them.
package profile

import (
	"context"
	"errors"
)

// ErrNotFound reports a missing user or a user without neighborhood membership.
var ErrNotFound = errors.New("profile: not found")

// Summary is the denormalized participant view embedded in conversations:
// name, contact and avatar reference.
type Summary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"profile_picture,omitempty"`
}

// Neighborhood is the community a conversation is scoped to.
type Neighborhood struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Directory resolves identities to profile summaries and community membership.
//
// Lookups are explicit by design: the conversation store performs this join
// itself instead of relying on storage-layer population, so the fields that
// come back are part of the contract.
type Directory interface {
	// Summaries resolves the given user ids. Unknown ids are simply absent
	// from the result map; callers decide whether absence is an error.
	Summaries(ctx context.Context, userIDs []string) (map[string]Summary, error)

	// NeighborhoodOf returns the community the user belongs to.
	// Returns ErrNotFound if the user does not exist or has no membership.
	NeighborhoodOf(ctx context.Context, userID string) (Neighborhood, error)
}
