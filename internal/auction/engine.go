// Package auction implements the per-session bid engine: admission against
// the current price threshold, accept/reject by the session owner, and
// displacement of prior occupants.
package auction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/okabelanger/streambid/internal/domain"
)

// Biller is the slice of the billing service the engine needs: open a ledger
// on acceptance and finalize the displaced occupancy's ledger.
type Biller interface {
	Open(ctx context.Context, session domain.StreamSession, bid domain.Bid) (domain.BillingSession, error)
	FinalizeOpenForSession(ctx context.Context, sessionID string) error
}

// Engine holds the auction state for one session. All mutation goes through
// the shared SessionLocks entry for the session, so concurrent placeBid and
// acceptBid calls cannot both observe themselves as winning.
type Engine struct {
	sessionID string

	// Guarded by the session lock.
	loaded         bool
	highestPending *domain.Bid
	accepted       *domain.Bid

	tieBreak domain.TieBreak
	bids     domain.BidStore
	sessions domain.SessionStore
	billing  Biller
	events   domain.EventSink
	locks    *SessionLocks
	logger   *slog.Logger
	clock    func() time.Time
}

// load hydrates in-memory state from the bid store. Called under the session
// lock; makes engines recoverable after a process restart.
func (e *Engine) load(ctx context.Context) error {
	if e.loaded {
		return nil
	}

	accepted, err := e.bids.ListBySession(ctx, e.sessionID, domain.BidStatusAccepted)
	if err != nil {
		return fmt.Errorf("auction: load accepted bids: %w", err)
	}
	if len(accepted) > 0 {
		b := accepted[0]
		e.accepted = &b
	}

	pending, err := e.bids.ListBySession(ctx, e.sessionID, domain.BidStatusPending)
	if err != nil {
		return fmt.Errorf("auction: load pending bids: %w", err)
	}
	if len(pending) > 0 {
		b := pending[0] // highest amount, earliest placement
		e.highestPending = &b
	}

	e.loaded = true
	return nil
}

// threshold is the amount a new bid must beat.
func (e *Engine) threshold() decimal.Decimal {
	max := decimal.Zero
	if e.accepted != nil && e.accepted.Amount.GreaterThan(max) {
		max = e.accepted.Amount
	}
	if e.highestPending != nil && e.highestPending.Amount.GreaterThan(max) {
		max = e.highestPending.Amount
	}
	return max
}

// PlaceBid admits a bid when it beats the current threshold. A superseded
// pending bid transitions to outbid and its owner is notified with the new
// threshold. Emits BID_PLACED to the session owner on success.
func (e *Engine) PlaceBid(ctx context.Context, bidderID string, amount decimal.Decimal) (domain.Bid, error) {
	if !amount.IsPositive() {
		return domain.Bid{}, domain.Validationf("bid amount must be positive, got %s", amount)
	}

	unlock := e.locks.Lock(e.sessionID)
	defer unlock()

	session, err := e.sessions.GetByID(ctx, e.sessionID)
	if err != nil {
		return domain.Bid{}, err
	}
	if !session.IsLive() {
		return domain.Bid{}, domain.Conflictf("SessionNotLive", "session %s is not live", e.sessionID)
	}
	if !session.AllowBids {
		return domain.Bid{}, domain.Validationf("session %s does not accept bids", e.sessionID)
	}

	if err := e.load(ctx); err != nil {
		return domain.Bid{}, err
	}

	if !e.admits(amount) {
		return domain.Bid{}, domain.Conflictf("BidTooLow",
			"bid %s does not beat the current threshold %s", amount, e.threshold())
	}

	bid := domain.Bid{
		ID:        uuid.New().String(),
		SessionID: e.sessionID,
		BidderID:  bidderID,
		Amount:    amount,
		Status:    domain.BidStatusPending,
		PlacedAt:  e.clock().UTC(),
	}
	if err := e.bids.Create(ctx, bid); err != nil {
		return domain.Bid{}, fmt.Errorf("auction: create bid: %w", err)
	}

	outbid := e.highestPending
	e.highestPending = &bid

	if outbid != nil {
		if err := e.bids.UpdateStatus(ctx, outbid.ID, domain.BidStatusOutbid); err != nil {
			e.logger.WarnContext(ctx, "mark outbid failed",
				slog.String("bid_id", outbid.ID),
				slog.String("error", err.Error()),
			)
		}
		if outbid.BidderID != bidderID {
			e.notifyUser(ctx, outbid.BidderID, domain.Event{
				Type:      domain.EventOutbid,
				SessionID: e.sessionID,
				Payload: map[string]any{
					"bid_id":      outbid.ID,
					"new_highest": amount.String(),
				},
				At: e.clock().UTC(),
			})
		}
	}

	e.notifyUser(ctx, session.InfluencerID, domain.Event{
		Type:      domain.EventBidPlaced,
		SessionID: e.sessionID,
		Payload: map[string]any{
			"bid_id":    bid.ID,
			"bidder_id": bidderID,
			"amount":    amount.String(),
		},
		At: e.clock().UTC(),
	})

	e.logger.InfoContext(ctx, "bid placed",
		slog.String("session_id", e.sessionID),
		slog.String("bid_id", bid.ID),
		slog.String("amount", amount.String()),
	)
	return bid, nil
}

// admits applies the admission rule: strictly greater than the threshold
// always wins; an equal amount wins only against a pending bid under the
// replace tie-break policy.
func (e *Engine) admits(amount decimal.Decimal) bool {
	threshold := e.threshold()
	if amount.GreaterThan(threshold) {
		return true
	}
	if !amount.Equal(threshold) || threshold.IsZero() {
		return false
	}
	if e.tieBreak != domain.TieBreakReplace {
		return false
	}
	// Replace only contests the pending slot, never a holder at that price.
	if e.accepted != nil && !amount.GreaterThan(e.accepted.Amount) {
		return false
	}
	return e.highestPending != nil && amount.Equal(e.highestPending.Amount)
}

// AcceptBid grants the call slot to the given pending bid: every other
// pending bid is rejected, a prior occupant is displaced and their ledger
// finalized before the new one opens, and the session records the new
// occupant. Only the session owner may accept.
func (e *Engine) AcceptBid(ctx context.Context, bidID, influencerID string) error {
	unlock := e.locks.Lock(e.sessionID)
	defer unlock()

	bid, err := e.bids.GetByID(ctx, bidID)
	if err != nil {
		return err
	}

	session, err := e.sessions.GetByID(ctx, e.sessionID)
	if err != nil {
		return err
	}
	if session.InfluencerID != influencerID {
		return domain.Unauthorizedf("only the session owner may accept bids")
	}
	if !session.IsLive() {
		return domain.Conflictf("SessionNotLive", "session %s is not live", e.sessionID)
	}
	if bid.Status != domain.BidStatusPending {
		return domain.Conflictf("BidNotPending", "bid %s is %s", bidID, bid.Status)
	}

	if err := e.load(ctx); err != nil {
		return err
	}

	// Displace the current occupant first: their occupancy's ledger must be
	// finalized before the new one opens.
	if e.accepted != nil {
		displaced := *e.accepted
		if err := e.billing.FinalizeOpenForSession(ctx, e.sessionID); err != nil {
			return fmt.Errorf("auction: finalize displaced occupancy: %w", err)
		}
		if err := e.bids.UpdateStatus(ctx, displaced.ID, domain.BidStatusOutbid); err != nil {
			e.logger.WarnContext(ctx, "mark displaced bid outbid failed",
				slog.String("bid_id", displaced.ID),
				slog.String("error", err.Error()),
			)
		}
		e.notifyUser(ctx, displaced.BidderID, domain.Event{
			Type:      domain.EventOutbid,
			SessionID: e.sessionID,
			Payload: map[string]any{
				"bid_id":      displaced.ID,
				"displaced":   true,
				"new_highest": bid.Amount.String(),
			},
			At: e.clock().UTC(),
		})
		e.accepted = nil
	}

	// Reject every other pending bid.
	pending, err := e.bids.ListBySession(ctx, e.sessionID, domain.BidStatusPending)
	if err != nil {
		return fmt.Errorf("auction: list pending bids: %w", err)
	}
	for _, p := range pending {
		if p.ID == bid.ID {
			continue
		}
		if err := e.bids.UpdateStatus(ctx, p.ID, domain.BidStatusRejected); err != nil {
			e.logger.WarnContext(ctx, "reject pending bid failed",
				slog.String("bid_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.notifyUser(ctx, p.BidderID, domain.Event{
			Type:      domain.EventBidRejected,
			SessionID: e.sessionID,
			Payload:   map[string]any{"bid_id": p.ID},
			At:        e.clock().UTC(),
		})
	}

	if err := e.bids.UpdateStatus(ctx, bid.ID, domain.BidStatusAccepted); err != nil {
		return fmt.Errorf("auction: accept bid %s: %w", bid.ID, err)
	}
	bid.Status = domain.BidStatusAccepted

	if err := e.sessions.SetCurrentExplorer(ctx, e.sessionID, &bid.BidderID); err != nil {
		return fmt.Errorf("auction: set current explorer: %w", err)
	}

	if _, err := e.billing.Open(ctx, session, bid); err != nil {
		// Roll the occupancy back so a retried accept starts from a pending
		// bid again, with no occupant that has no open ledger.
		if rbErr := e.sessions.SetCurrentExplorer(ctx, e.sessionID, nil); rbErr != nil {
			e.logger.ErrorContext(ctx, "roll back occupant after open failure failed",
				slog.String("session_id", e.sessionID),
				slog.String("error", rbErr.Error()),
			)
		}
		if rbErr := e.bids.UpdateStatus(ctx, bid.ID, domain.BidStatusPending); rbErr != nil {
			e.logger.ErrorContext(ctx, "roll back bid status after open failure failed",
				slog.String("bid_id", bid.ID),
				slog.String("error", rbErr.Error()),
			)
		}
		return fmt.Errorf("auction: open billing: %w", err)
	}

	e.accepted = &bid
	e.highestPending = nil

	e.notifySession(ctx, domain.Event{
		Type:      domain.EventBidAccepted,
		SessionID: e.sessionID,
		Payload: map[string]any{
			"bid_id":    bid.ID,
			"bidder_id": bid.BidderID,
			"amount":    bid.Amount.String(),
		},
		At: e.clock().UTC(),
	})

	e.logger.InfoContext(ctx, "bid accepted",
		slog.String("session_id", e.sessionID),
		slog.String("bid_id", bid.ID),
		slog.String("bidder_id", bid.BidderID),
	)
	return nil
}

// RejectBid declines a pending bid. Only the session owner may reject.
func (e *Engine) RejectBid(ctx context.Context, bidID, influencerID string) error {
	unlock := e.locks.Lock(e.sessionID)
	defer unlock()

	bid, err := e.bids.GetByID(ctx, bidID)
	if err != nil {
		return err
	}

	session, err := e.sessions.GetByID(ctx, e.sessionID)
	if err != nil {
		return err
	}
	if session.InfluencerID != influencerID {
		return domain.Unauthorizedf("only the session owner may reject bids")
	}
	if bid.Status != domain.BidStatusPending {
		return domain.Conflictf("BidNotPending", "bid %s is %s", bidID, bid.Status)
	}

	if err := e.load(ctx); err != nil {
		return err
	}

	if err := e.bids.UpdateStatus(ctx, bidID, domain.BidStatusRejected); err != nil {
		return fmt.Errorf("auction: reject bid %s: %w", bidID, err)
	}
	if e.highestPending != nil && e.highestPending.ID == bidID {
		e.highestPending = nil
	}

	e.notifyUser(ctx, bid.BidderID, domain.Event{
		Type:      domain.EventBidRejected,
		SessionID: e.sessionID,
		Payload:   map[string]any{"bid_id": bidID},
		At:        e.clock().UTC(),
	})

	e.logger.InfoContext(ctx, "bid rejected",
		slog.String("session_id", e.sessionID),
		slog.String("bid_id", bidID),
	)
	return nil
}

// Shutdown rejects all outstanding pending bids when the session ends.
// Called under the session lock held by the manager.
func (e *Engine) Shutdown(ctx context.Context) {
	pending, err := e.bids.ListBySession(ctx, e.sessionID, domain.BidStatusPending)
	if err != nil {
		e.logger.WarnContext(ctx, "list pending bids on shutdown failed",
			slog.String("session_id", e.sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, p := range pending {
		if err := e.bids.UpdateStatus(ctx, p.ID, domain.BidStatusRejected); err != nil {
			continue
		}
		e.notifyUser(ctx, p.BidderID, domain.Event{
			Type:      domain.EventBidRejected,
			SessionID: e.sessionID,
			Payload:   map[string]any{"bid_id": p.ID, "reason": "session ended"},
			At:        e.clock().UTC(),
		})
	}
	e.accepted = nil
	e.highestPending = nil
}

// Vacate releases the accepted slot after an occupant leaves (disconnect
// grace expiry). The accepted bid moves to a terminal status in the store,
// so a rehydrated engine cannot resurrect the occupancy or keep its amount
// as the admission threshold. Called under the session lock held by the
// manager.
func (e *Engine) Vacate(ctx context.Context) {
	accepted, err := e.bids.ListBySession(ctx, e.sessionID, domain.BidStatusAccepted)
	if err != nil {
		e.logger.WarnContext(ctx, "list accepted bids on vacate failed",
			slog.String("session_id", e.sessionID),
			slog.String("error", err.Error()),
		)
		if e.accepted != nil {
			accepted = []domain.Bid{*e.accepted}
		}
	}
	for _, b := range accepted {
		if err := e.bids.UpdateStatus(ctx, b.ID, domain.BidStatusRejected); err != nil {
			e.logger.ErrorContext(ctx, "retire accepted bid on vacate failed",
				slog.String("bid_id", b.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.accepted = nil
}

func (e *Engine) notifyUser(ctx context.Context, userID string, ev domain.Event) {
	if err := e.events.ToUser(ctx, userID, ev); err != nil {
		e.logger.WarnContext(ctx, "event delivery failed",
			slog.String("user_id", userID),
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) notifySession(ctx context.Context, ev domain.Event) {
	if err := e.events.ToSession(ctx, e.sessionID, ev); err != nil {
		e.logger.WarnContext(ctx, "event broadcast failed",
			slog.String("session_id", e.sessionID),
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
