package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/okabelanger/streambid/internal/domain"
)

// Reconciler retries failed external charges with exponential backoff. It
// runs out-of-band so a gateway outage never holds up session termination;
// affected entries stay in the failed status until a retry lands.
type Reconciler struct {
	store    domain.BillingStore
	gateway  domain.PaymentGateway
	sessions domain.SessionStore
	interval time.Duration
	baseWait time.Duration
	maxWait  time.Duration
	logger   *slog.Logger

	nextTry map[string]time.Time
	clock   func() time.Time
}

// NewReconciler creates a Reconciler polling at the given interval.
func NewReconciler(
	store domain.BillingStore,
	sessions domain.SessionStore,
	gateway domain.PaymentGateway,
	interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		store:    store,
		gateway:  gateway,
		sessions: sessions,
		interval: interval,
		baseWait: 30 * time.Second,
		maxWait:  30 * time.Minute,
		logger:   logger.With(slog.String("component", "billing_reconciler")),
		nextTry:  make(map[string]time.Time),
		clock:    time.Now,
	}
}

// Run polls for failed charges until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep retries every failed entry whose backoff window has elapsed.
func (r *Reconciler) sweep(ctx context.Context) {
	entries, err := r.store.ListFailed(ctx, 100)
	if err != nil {
		r.logger.WarnContext(ctx, "list failed charges errored",
			slog.String("error", err.Error()),
		)
		return
	}

	now := r.clock()
	for _, entry := range entries {
		if due, ok := r.nextTry[entry.ID]; ok && now.Before(due) {
			continue
		}
		r.retry(ctx, entry)
	}
}

// retry re-submits one charge under its original idempotency key.
func (r *Reconciler) retry(ctx context.Context, entry domain.BillingSession) {
	ref, err := r.gateway.Charge(ctx, domain.ChargeRequest{
		IdempotencyKey: entry.ID,
		ExplorerID:     entry.ExplorerID,
		Amount:         entry.ChargedAmount,
		Description:    "call slot on session " + entry.StreamSessionID,
	})
	if err != nil {
		r.nextTry[entry.ID] = r.clock().Add(r.backoff(entry.Attempts))
		if markErr := r.store.MarkFailed(ctx, entry.ID); markErr != nil {
			r.logger.ErrorContext(ctx, "mark failed errored",
				slog.String("billing_id", entry.ID),
				slog.String("error", markErr.Error()),
			)
		}
		r.logger.WarnContext(ctx, "charge retry failed",
			slog.String("billing_id", entry.ID),
			slog.Int("attempts", entry.Attempts+1),
			slog.String("error", err.Error()),
		)
		return
	}

	delete(r.nextTry, entry.ID)
	if err := r.store.MarkCompleted(ctx, entry.ID, ref); err != nil {
		r.logger.ErrorContext(ctx, "mark completed errored",
			slog.String("billing_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := r.sessions.AddEarnings(ctx, entry.StreamSessionID, entry.ChargedAmount); err != nil {
		r.logger.WarnContext(ctx, "accumulate earnings failed",
			slog.String("session_id", entry.StreamSessionID),
			slog.String("error", err.Error()),
		)
	}

	r.logger.InfoContext(ctx, "charge settled on retry",
		slog.String("billing_id", entry.ID),
		slog.String("payment_ref", ref),
	)
}

// backoff doubles the wait per attempt, capped at maxWait.
func (r *Reconciler) backoff(attempts int) time.Duration {
	wait := r.baseWait
	for i := 0; i < attempts && wait < r.maxWait; i++ {
		wait *= 2
	}
	if wait > r.maxWait {
		wait = r.maxWait
	}
	return wait
}
