// Package billing owns the charge/refund ledger for call-slot occupancies.
// A ledger entry opens when a bid is accepted and is finalized exactly once
// when the session ends or the occupant is displaced; external charge
// execution is asynchronous and never blocks session termination.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/okabelanger/streambid/internal/domain"
	"github.com/okabelanger/streambid/internal/notify"
)

// Config holds billing policy parameters.
type Config struct {
	// Policy selects how the charged amount is computed (flat or prorated).
	Policy domain.ChargePolicy
	// MinBillable is the duration floor for prorated charges: shorter
	// occupancies bill as if they lasted this long.
	MinBillable time.Duration
}

// Service coordinates the ledger store and the payment gateway.
type Service struct {
	store    domain.BillingStore
	sessions domain.SessionStore
	gateway  domain.PaymentGateway
	notifier *notify.Notifier
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time

	// spawn runs settlement off the caller's goroutine; tests run it inline.
	spawn func(fn func())
}

// NewService creates a billing Service. notifier may be nil.
func NewService(
	store domain.BillingStore,
	sessions domain.SessionStore,
	gateway domain.PaymentGateway,
	notifier *notify.Notifier,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.Policy == "" {
		cfg.Policy = domain.ChargePolicyProrated
	}
	return &Service{
		store:    store,
		sessions: sessions,
		gateway:  gateway,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "billing")),
		clock:    time.Now,
		spawn:    func(fn func()) { go fn() },
	}
}

// Open creates a pending ledger entry for a freshly accepted bid.
func (s *Service) Open(ctx context.Context, session domain.StreamSession, bid domain.Bid) (domain.BillingSession, error) {
	entry := domain.BillingSession{
		ID:              uuid.New().String(),
		StreamSessionID: session.ID,
		ExplorerID:      bid.BidderID,
		BidAmount:       bid.Amount,
		ChargedAmount:   decimal.Zero,
		Status:          domain.BillingStatusPending,
		StartTime:       s.clock().UTC(),
	}
	if err := s.store.Create(ctx, entry); err != nil {
		return domain.BillingSession{}, fmt.Errorf("billing: open ledger: %w", err)
	}

	s.logger.InfoContext(ctx, "ledger opened",
		slog.String("billing_id", entry.ID),
		slog.String("session_id", session.ID),
		slog.String("explorer_id", bid.BidderID),
		slog.String("bid_amount", bid.Amount.String()),
	)
	return entry, nil
}

// FinalizeOpenForSession finalizes the session's open ledger entry, if any.
// A vacant slot is a no-op, not an error.
func (s *Service) FinalizeOpenForSession(ctx context.Context, sessionID string) error {
	entry, err := s.store.GetOpenBySession(ctx, sessionID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil
		}
		return fmt.Errorf("billing: lookup open ledger for %s: %w", sessionID, err)
	}
	return s.Finalize(ctx, entry.ID)
}

// Finalize closes the ledger entry exactly once: it computes the duration
// and charged amount, then hands the external charge to a background
// settlement. A charge failure marks the entry failed for the reconciler; the
// caller's session transition is never blocked by the gateway.
func (s *Service) Finalize(ctx context.Context, billingID string) error {
	entry, err := s.store.GetByID(ctx, billingID)
	if err != nil {
		return fmt.Errorf("billing: finalize %s: %w", billingID, err)
	}
	if entry.Finalized() {
		return nil
	}

	session, err := s.sessions.GetByID(ctx, entry.StreamSessionID)
	if err != nil {
		return fmt.Errorf("billing: finalize %s: load session: %w", billingID, err)
	}

	now := s.clock().UTC()
	elapsed := now.Sub(entry.StartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	charged := s.computeCharge(entry.BidAmount, session.BaseRate, elapsed)
	durationSec := int64(elapsed / time.Second)

	closed, err := s.store.CloseLedger(ctx, billingID, now, durationSec, charged)
	if err != nil {
		return fmt.Errorf("billing: finalize %s: %w", billingID, err)
	}
	if !closed {
		// Lost the race to another finalize path; that one owns the charge.
		return nil
	}

	s.logger.InfoContext(ctx, "ledger finalized",
		slog.String("billing_id", billingID),
		slog.String("session_id", entry.StreamSessionID),
		slog.Int64("duration_seconds", durationSec),
		slog.String("charged_amount", charged.String()),
	)

	// Settlement runs off this goroutine: callers finalize while holding the
	// per-session lock, and the gateway must not stall bid traffic or the
	// SESSION_ENDED broadcast. The closed ledger is durable, so a crash here
	// leaves the entry for the reconciler.
	sctx := context.WithoutCancel(ctx)
	s.spawn(func() { s.settle(sctx, billingID, entry, session, charged) })
	return nil
}

// settle executes the external charge and records the outcome. Failures are
// logged, counted, and left for the reconciler.
func (s *Service) settle(ctx context.Context, billingID string, entry domain.BillingSession, session domain.StreamSession, charged decimal.Decimal) {
	if charged.IsZero() {
		if err := s.store.MarkCompleted(ctx, billingID, ""); err != nil {
			s.logger.ErrorContext(ctx, "mark zero-charge completed failed",
				slog.String("billing_id", billingID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	ref, err := s.gateway.Charge(ctx, domain.ChargeRequest{
		IdempotencyKey: billingID,
		ExplorerID:     entry.ExplorerID,
		Amount:         charged,
		Description:    "call slot on session " + entry.StreamSessionID,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "external charge failed, queued for retry",
			slog.String("billing_id", billingID),
			slog.String("error", err.Error()),
		)
		if markErr := s.store.MarkFailed(ctx, billingID); markErr != nil {
			s.logger.ErrorContext(ctx, "mark billing failed errored",
				slog.String("billing_id", billingID),
				slog.String("error", markErr.Error()),
			)
		}
		if s.notifier != nil {
			_ = s.notifier.Notify(ctx, "billing_failed", "Billing charge failed",
				fmt.Sprintf("billing %s on session %s: %v", billingID, entry.StreamSessionID, err))
		}
		return
	}

	if err := s.store.MarkCompleted(ctx, billingID, ref); err != nil {
		s.logger.ErrorContext(ctx, "mark billing completed failed",
			slog.String("billing_id", billingID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.sessions.AddEarnings(ctx, session.ID, charged); err != nil {
		s.logger.WarnContext(ctx, "accumulate earnings failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ProcessRefund reverses a settled charge. Only the charged explorer or the
// session's influencer may refund; an empty actorID marks an internal caller
// (reconciler, ops tooling) and skips the check. Retrying a refund reuses the
// same idempotency key, and an already-refunded entry is a conflict.
func (s *Service) ProcessRefund(ctx context.Context, billingID, actorID string) error {
	entry, err := s.store.GetByID(ctx, billingID)
	if err != nil {
		return err
	}
	if actorID != "" && actorID != entry.ExplorerID {
		session, err := s.sessions.GetByID(ctx, entry.StreamSessionID)
		if err != nil {
			return fmt.Errorf("billing: refund %s: load session: %w", billingID, err)
		}
		if session.InfluencerID != actorID {
			return domain.Unauthorizedf("user %s may not refund billing session %s", actorID, billingID)
		}
	}
	if entry.Status == domain.BillingStatusRefunded {
		return domain.Conflictf("AlreadyRefunded", "billing session %s is already refunded", billingID)
	}

	var refundRef string
	if entry.ExternalPaymentRef != "" && entry.ChargedAmount.IsPositive() {
		refundRef, err = s.gateway.Refund(ctx, domain.RefundRequest{
			IdempotencyKey: "refund:" + billingID,
			PaymentRef:     entry.ExternalPaymentRef,
			Amount:         entry.ChargedAmount,
		})
		if err != nil {
			return fmt.Errorf("billing: refund %s: %w", billingID, err)
		}
	}

	ok, err := s.store.MarkRefunded(ctx, billingID, refundRef)
	if err != nil {
		return fmt.Errorf("billing: refund %s: %w", billingID, err)
	}
	if !ok {
		return domain.Conflictf("AlreadyRefunded", "billing session %s is already refunded", billingID)
	}

	s.logger.InfoContext(ctx, "billing refunded",
		slog.String("billing_id", billingID),
		slog.String("refund_ref", refundRef),
	)
	return nil
}

// computeCharge applies the configured charge policy.
//
// flat: the accepted bid amount, regardless of duration.
// prorated: elapsed minutes (rounded up, floored at MinBillable) times the
// per-minute base rate, capped at the bid amount.
func (s *Service) computeCharge(bidAmount, baseRate decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	if s.cfg.Policy == domain.ChargePolicyFlat {
		return bidAmount
	}

	if elapsed < s.cfg.MinBillable {
		elapsed = s.cfg.MinBillable
	}
	minutes := int64(elapsed / time.Minute)
	if elapsed%time.Minute != 0 {
		minutes++
	}
	if minutes < 1 {
		minutes = 1
	}

	charged := baseRate.Mul(decimal.NewFromInt(minutes))
	if charged.GreaterThan(bidAmount) {
		return bidAmount
	}
	return charged
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}
