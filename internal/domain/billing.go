package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingStatus tracks the financial record of one call-slot occupancy.
type BillingStatus string

const (
	BillingStatusPending   BillingStatus = "pending"
	BillingStatusCompleted BillingStatus = "completed"
	BillingStatusFailed    BillingStatus = "failed"
	BillingStatusRefunded  BillingStatus = "refunded"
)

// BillingSession is the ledger record of one occupancy of a session's call
// slot. It is opened when a bid is accepted and finalized exactly once when
// the session ends or the occupant is displaced.
type BillingSession struct {
	ID                 string
	StreamSessionID    string
	ExplorerID         string
	BidAmount          decimal.Decimal
	ChargedAmount      decimal.Decimal
	DurationSeconds    *int64
	Status             BillingStatus
	StartTime          time.Time
	EndTime            *time.Time
	ExternalPaymentRef string
	Attempts           int
}

// Finalized reports whether the occupancy has been closed out. A finalized
// ledger may still be awaiting a successful external charge (status failed).
func (b BillingSession) Finalized() bool {
	return b.EndTime != nil
}

// ChargePolicy selects how the charged amount relates to the accepted bid
// and the elapsed occupancy duration.
type ChargePolicy string

const (
	// ChargePolicyFlat charges the full bid amount regardless of duration.
	ChargePolicyFlat ChargePolicy = "flat"
	// ChargePolicyProrated charges elapsed minutes (rounded up) times the
	// session's per-minute base rate, capped at the bid amount.
	ChargePolicyProrated ChargePolicy = "prorated"
)
