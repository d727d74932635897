package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	listCacheKeyPrefix = "stoop:chats:user:"
	listCacheTTL       = 30 * time.Second
)

// ListCache is a read-through cache for per-user conversation lists.
// It is advisory: every miss or Redis failure falls back to the store, and
// every write path invalidates the affected users.
type ListCache struct {
	rdb *redis.Client
}

// NewListCache wraps a connected redis client.
func NewListCache(rdb *redis.Client) *ListCache {
	return &ListCache{rdb: rdb}
}

// Get returns the cached list for a user, reporting a hit.
func (c *ListCache) Get(ctx context.Context, userID string) ([]Conversation, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}

	raw, err := c.rdb.Get(ctx, listCacheKeyPrefix+userID).Result()
	if err != nil {
		return nil, false
	}

	var out []Conversation
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false
	}
	return out, true
}

// Set stores the list for a user with a short TTL.
func (c *ListCache) Set(ctx context.Context, userID string, convs []Conversation) error {
	if c == nil || c.rdb == nil {
		return nil
	}

	raw, err := json.Marshal(convs)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, listCacheKeyPrefix+userID, raw, listCacheTTL).Err()
}

// Invalidate drops the cached lists of the given users.
func (c *ListCache) Invalidate(ctx context.Context, userIDs ...string) error {
	if c == nil || c.rdb == nil || len(userIDs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, listCacheKeyPrefix+id)
	}
	err := c.rdb.Del(ctx, keys...).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
