package domain

import "time"

// Tier is a discovery priority group. Listings drain tiers strictly in
// order: live first, then online, then offline.
type Tier string

const (
	TierLive    Tier = "live"
	TierOnline  Tier = "online"
	TierOffline Tier = "offline"
)

// Influencer is the discoverable profile of a session owner.
type Influencer struct {
	ID          string
	Handle      string
	DisplayName string
	Category    string
	CreatedAt   time.Time
}

// InfluencerSummary is one discovery listing entry: the profile plus the
// liveness tier sampled at page-request time.
type InfluencerSummary struct {
	Influencer
	Tier          Tier
	LiveSessionID string // set only for the live tier
}

// DiscoveryFilters narrows the influencer listing.
type DiscoveryFilters struct {
	Category string
	Query    string // matches handle or display name
}

// DiscoveryPage is one page of tiered listing results.
type DiscoveryPage struct {
	Items       []InfluencerSummary
	NextCursor  string
	HasNextPage bool
}
