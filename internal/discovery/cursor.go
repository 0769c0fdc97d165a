// Package discovery ranks influencer listings into liveness tiers and pages
// through them with an opaque cursor.
package discovery

import (
	"encoding/base64"
	"encoding/json"

	"github.com/okabelanger/streambid/internal/domain"
)

// cursor pins a page boundary inside the tiered listing. Offset counts items
// already served within the tier; LastSeenID detects mid-tier drift when the
// item at the boundary has moved.
type cursor struct {
	Tier       domain.Tier `json:"tier"`
	Offset     int         `json:"offset"`
	LastSeenID string      `json:"last_seen_id"`
}

// encodeCursor renders a cursor as an opaque URL-safe token.
func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeCursor parses a client-supplied token. Any malformed token is a
// validation error so clients fail loudly instead of restarting silently.
func decodeCursor(token string) (cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, domain.Validationf("invalid cursor")
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return cursor{}, domain.Validationf("invalid cursor")
	}
	switch c.Tier {
	case domain.TierLive, domain.TierOnline, domain.TierOffline:
	default:
		return cursor{}, domain.Validationf("invalid cursor")
	}
	if c.Offset < 0 {
		return cursor{}, domain.Validationf("invalid cursor")
	}
	return c, nil
}
