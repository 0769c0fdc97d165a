package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okabelanger/streambid/internal/domain"
)

// Presence implements domain.Presence using TTL-keyed flags. A user is
// online while their heartbeat key is fresh; the key simply expiring is what
// takes them offline. The live flag for streaming influencers uses a longer
// TTL as a safety net against crashed processes that never clear it.
type Presence struct {
	rdb     *redis.Client
	ttl     time.Duration
	liveTTL time.Duration
}

// NewPresence creates a Presence port. ttl bounds heartbeat freshness;
// liveTTL caps how long a live flag can outlive its session.
func NewPresence(c *Client, ttl, liveTTL time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	if liveTTL <= 0 {
		liveTTL = 6 * time.Hour
	}
	return &Presence{rdb: c.Underlying(), ttl: ttl, liveTTL: liveTTL}
}

func onlineKey(userID string) string { return "presence:online:" + userID }
func liveKey(userID string) string   { return "presence:live:" + userID }

// Heartbeat refreshes the user's online flag and expiry.
func (p *Presence) Heartbeat(ctx context.Context, userID string) error {
	if err := p.rdb.Set(ctx, onlineKey(userID), "1", p.ttl).Err(); err != nil {
		return fmt.Errorf("redis: presence heartbeat %s: %w", userID, err)
	}
	return nil
}

// MarkOffline clears the online flag without waiting for expiry.
func (p *Presence) MarkOffline(ctx context.Context, userID string) error {
	if err := p.rdb.Del(ctx, onlineKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis: presence mark offline %s: %w", userID, err)
	}
	return nil
}

// IsOnline reports whether the user's heartbeat key is still fresh.
func (p *Presence) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := p.rdb.Exists(ctx, onlineKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: presence is online %s: %w", userID, err)
	}
	return n > 0, nil
}

// FilterOnline resolves the online flag for a batch of users with a single
// pipelined round trip.
func (p *Presence) FilterOnline(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	pipe := p.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.Exists(ctx, onlineKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis: presence filter online: %w", err)
	}

	for i, id := range userIDs {
		out[id] = cmds[i].Val() > 0
	}
	return out, nil
}

// MarkLive flags an influencer as currently streaming.
func (p *Presence) MarkLive(ctx context.Context, userID string) error {
	if err := p.rdb.Set(ctx, liveKey(userID), "1", p.liveTTL).Err(); err != nil {
		return fmt.Errorf("redis: presence mark live %s: %w", userID, err)
	}
	return nil
}

// ClearLive removes the streaming flag.
func (p *Presence) ClearLive(ctx context.Context, userID string) error {
	if err := p.rdb.Del(ctx, liveKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis: presence clear live %s: %w", userID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.Presence = (*Presence)(nil)
