package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidStatus tracks the bid lifecycle.
type BidStatus string

const (
	BidStatusPending  BidStatus = "pending"
	BidStatusAccepted BidStatus = "accepted"
	BidStatusRejected BidStatus = "rejected"
	BidStatusOutbid   BidStatus = "outbid"
)

// Bid is an explorer's priced request for the call slot on a session.
// Exactly one bid per session may hold the accepted status at a time.
type Bid struct {
	ID        string
	SessionID string
	BidderID  string
	Amount    decimal.Decimal
	Status    BidStatus
	PlacedAt  time.Time
}

// TieBreak selects the policy applied when a new bid equals the current
// highest amount.
type TieBreak string

const (
	// TieBreakFIFO keeps the earlier bid; an equal-amount newcomer conflicts.
	TieBreakFIFO TieBreak = "fifo"
	// TieBreakReplace admits the newcomer and marks the earlier bid outbid.
	TieBreakReplace TieBreak = "replace"
)
