package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus tracks the stream session lifecycle. Transitions are
// one-way: created -> live -> ended.
type SessionStatus string

const (
	SessionStatusCreated SessionStatus = "created"
	SessionStatusLive    SessionStatus = "live"
	SessionStatusEnded   SessionStatus = "ended"
)

// StreamSession is a single live offering by an influencer. At most one
// session per influencer may be live at a time. Ended sessions are retained
// for history.
//
// All monetary values use shopspring/decimal — never float64 for money.
type StreamSession struct {
	ID                  string
	InfluencerID        string
	Status              SessionStatus
	AllowBids           bool
	BaseRate            decimal.Decimal // per-minute call rate
	StartTime           time.Time
	EndTime             *time.Time
	CurrentExplorerID   *string // set iff an accepted bid exists
	AccumulatedEarnings decimal.Decimal
	CreatedAt           time.Time
}

// IsLive reports whether the session accepts joins and bids.
func (s StreamSession) IsLive() bool {
	return s.Status == SessionStatusLive
}

// Occupied reports whether an explorer currently holds the call slot.
func (s StreamSession) Occupied() bool {
	return s.CurrentExplorerID != nil
}
