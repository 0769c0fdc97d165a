package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// SessionStore persists stream sessions.
type SessionStore interface {
	Create(ctx context.Context, s StreamSession) error
	GetByID(ctx context.Context, id string) (StreamSession, error)
	// GetLiveByInfluencer returns the influencer's live session, or a
	// not-found error when none exists.
	GetLiveByInfluencer(ctx context.Context, influencerID string) (StreamSession, error)
	// SetCurrentExplorer records the call-slot occupant (nil vacates).
	SetCurrentExplorer(ctx context.Context, id string, explorerID *string) error
	// AddEarnings accumulates a settled charge onto the session total.
	AddEarnings(ctx context.Context, id string, amount decimal.Decimal) error
	// End transitions live -> ended. It returns false without error when the
	// session was already ended, making termination idempotent.
	End(ctx context.Context, id string, endTime time.Time) (bool, error)
	ListLive(ctx context.Context) ([]StreamSession, error)
	// LiveInfluencerIDs maps influencer ID -> live session ID for the ranker.
	LiveInfluencerIDs(ctx context.Context) (map[string]string, error)
	// ListEndedBefore pages over ended sessions older than cutoff (archival).
	ListEndedBefore(ctx context.Context, cutoff time.Time, opts ListOpts) ([]StreamSession, error)
	// DeleteEndedBefore removes archived history older than cutoff.
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BidStore persists bids.
type BidStore interface {
	Create(ctx context.Context, b Bid) error
	GetByID(ctx context.Context, id string) (Bid, error)
	UpdateStatus(ctx context.Context, id string, status BidStatus) error
	ListBySession(ctx context.Context, sessionID string, status BidStatus) ([]Bid, error)
}

// BillingStore persists the charge/refund ledger.
type BillingStore interface {
	Create(ctx context.Context, b BillingSession) error
	GetByID(ctx context.Context, id string) (BillingSession, error)
	// GetOpenBySession returns the session's unfinalized ledger entry, or a
	// not-found error when the slot is vacant.
	GetOpenBySession(ctx context.Context, sessionID string) (BillingSession, error)
	// CloseLedger finalizes the entry: sets end time, duration and charged
	// amount, guarded on end_time still being unset. It returns false without
	// error when the entry was already finalized.
	CloseLedger(ctx context.Context, id string, endTime time.Time, durationSeconds int64, charged decimal.Decimal) (bool, error)
	// MarkCompleted records a successful external charge.
	MarkCompleted(ctx context.Context, id, paymentRef string) error
	// MarkFailed records a failed external charge and bumps the attempt count.
	MarkFailed(ctx context.Context, id string) error
	// MarkRefunded transitions to refunded. It returns false without error
	// when the entry was already refunded.
	MarkRefunded(ctx context.Context, id, paymentRef string) (bool, error)
	// ListFailed returns finalized entries still awaiting a successful charge.
	ListFailed(ctx context.Context, limit int) ([]BillingSession, error)
	// ListSettledBefore pages over completed/refunded entries older than
	// cutoff (archival).
	ListSettledBefore(ctx context.Context, cutoff time.Time, opts ListOpts) ([]BillingSession, error)
}

// InfluencerStore persists discoverable influencer profiles.
type InfluencerStore interface {
	Upsert(ctx context.Context, inf Influencer) error
	GetByID(ctx context.Context, id string) (Influencer, error)
	// List returns profiles matching the filters ordered by creation time
	// descending, ID descending as the final tiebreak.
	List(ctx context.Context, filters DiscoveryFilters, opts ListOpts) ([]Influencer, error)
}
