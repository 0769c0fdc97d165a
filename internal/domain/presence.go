package domain

import "context"

// Presence tracks short-lived liveness signals for users, independent of
// durable session state. Records expire on their own; a user with no fresh
// heartbeat reads as offline.
type Presence interface {
	// Heartbeat refreshes the user's online flag and its expiry.
	Heartbeat(ctx context.Context, userID string) error
	// MarkOffline clears the online flag immediately.
	MarkOffline(ctx context.Context, userID string) error
	// IsOnline reports whether the user has a fresh online flag.
	IsOnline(ctx context.Context, userID string) (bool, error)
	// FilterOnline resolves the online flag for a batch of users.
	FilterOnline(ctx context.Context, userIDs []string) (map[string]bool, error)
	// MarkLive flags an influencer as currently streaming.
	MarkLive(ctx context.Context, userID string) error
	// ClearLive removes the streaming flag.
	ClearLive(ctx context.Context, userID string) error
}
