// Package session owns the stream session lifecycle: creation, joining,
// termination, the max-duration watchdog, and the disconnect grace period
// for call-slot occupants.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/okabelanger/streambid/internal/auction"
	"github.com/okabelanger/streambid/internal/domain"
	"github.com/okabelanger/streambid/internal/notify"
)

// Config holds session lifecycle parameters.
type Config struct {
	// MaxDuration force-ends sessions that run longer than this.
	MaxDuration time.Duration
	// DisconnectGrace is how long an occupant may be offline before the
	// call slot is vacated.
	DisconnectGrace time.Duration
	// WatchdogInterval is the poll period for the max-duration sweep.
	WatchdogInterval time.Duration
	// CreateLockTTL bounds the cross-process lock held during creation.
	CreateLockTTL time.Duration
}

func (c *Config) defaults() {
	if c.MaxDuration <= 0 {
		c.MaxDuration = 4 * time.Hour
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 30 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Minute
	}
	if c.CreateLockTTL <= 0 {
		c.CreateLockTTL = 10 * time.Second
	}
}

// Manager coordinates session state across the store, presence, the auction
// registry and billing.
type Manager struct {
	sessions domain.SessionStore
	presence domain.Presence
	locks    domain.LockManager
	auctions *auction.Registry
	billing  Biller
	events   domain.EventSink
	slots    *auction.SessionLocks
	notifier *notify.Notifier
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time

	// sleep is swapped out in tests so grace timers do not wall-clock wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// Biller is the billing surface the manager needs on termination.
type Biller interface {
	FinalizeOpenForSession(ctx context.Context, sessionID string) error
}

// NewManager creates a session Manager. notifier may be nil.
func NewManager(
	sessions domain.SessionStore,
	presence domain.Presence,
	locks domain.LockManager,
	auctions *auction.Registry,
	billing Biller,
	events domain.EventSink,
	slots *auction.SessionLocks,
	notifier *notify.Notifier,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	cfg.defaults()
	return &Manager{
		sessions: sessions,
		presence: presence,
		locks:    locks,
		auctions: auctions,
		billing:  billing,
		events:   events,
		slots:    slots,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "session")),
		clock:    time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CreateStream opens a new live session for the influencer. At most one live
// session per influencer: a second create while one is live is a conflict.
// Creation serializes on a cross-process lock so two concurrent creates
// cannot both pass the liveness check.
func (m *Manager) CreateStream(ctx context.Context, influencerID string, baseRate decimal.Decimal, allowBids bool) (domain.StreamSession, error) {
	if influencerID == "" {
		return domain.StreamSession{}, domain.Validationf("influencer id is required")
	}
	if baseRate.IsNegative() {
		return domain.StreamSession{}, domain.Validationf("base rate must not be negative, got %s", baseRate)
	}

	release, err := m.locks.Acquire(ctx, "create_stream:"+influencerID, m.cfg.CreateLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.StreamSession{}, domain.Conflictf("CreateInProgress",
				"a stream is already being created for influencer %s", influencerID)
		}
		return domain.StreamSession{}, fmt.Errorf("session: acquire create lock: %w", err)
	}
	defer release()

	if existing, err := m.sessions.GetLiveByInfluencer(ctx, influencerID); err == nil {
		return domain.StreamSession{}, domain.Conflictf("AlreadyLive",
			"influencer %s already has live session %s", influencerID, existing.ID)
	} else if !domain.IsKind(err, domain.KindNotFound) {
		return domain.StreamSession{}, fmt.Errorf("session: check live session: %w", err)
	}

	now := m.clock().UTC()
	sess := domain.StreamSession{
		ID:                  uuid.New().String(),
		InfluencerID:        influencerID,
		Status:              domain.SessionStatusLive,
		AllowBids:           allowBids,
		BaseRate:            baseRate,
		StartTime:           now,
		AccumulatedEarnings: decimal.Zero,
		CreatedAt:           now,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return domain.StreamSession{}, fmt.Errorf("session: create: %w", err)
	}

	if err := m.presence.MarkLive(ctx, influencerID); err != nil {
		m.logger.WarnContext(ctx, "mark live failed",
			slog.String("influencer_id", influencerID),
			slog.String("error", err.Error()),
		)
	}

	m.emitUser(ctx, influencerID, domain.Event{
		Type:      domain.EventSessionCreated,
		SessionID: sess.ID,
		Payload: map[string]any{
			"influencer_id": influencerID,
			"base_rate":     baseRate.String(),
			"allow_bids":    allowBids,
		},
		At: now,
	})
	m.emitSession(ctx, sess.ID, domain.Event{
		Type:      domain.EventInfluencerStatusChanged,
		SessionID: sess.ID,
		Payload: map[string]any{
			"influencer_id": influencerID,
			"tier":          string(domain.TierLive),
		},
		At: now,
	})

	m.logger.InfoContext(ctx, "stream created",
		slog.String("session_id", sess.ID),
		slog.String("influencer_id", influencerID),
		slog.String("base_rate", baseRate.String()),
	)
	return sess, nil
}

// JoinStream registers a viewer on a live session and announces the join to
// the session channel.
func (m *Manager) JoinStream(ctx context.Context, sessionID, viewerID string) (domain.StreamSession, error) {
	sess, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return domain.StreamSession{}, err
	}
	if !sess.IsLive() {
		return domain.StreamSession{}, domain.Conflictf("SessionNotLive",
			"session %s is not live", sessionID)
	}

	m.emitSession(ctx, sessionID, domain.Event{
		Type:      domain.EventStreamJoined,
		SessionID: sessionID,
		Payload:   map[string]any{"viewer_id": viewerID},
		At:        m.clock().UTC(),
	})
	return sess, nil
}

// EndStream terminates a live session. Termination is idempotent: ending an
// already-ended session is a no-op. The open billing ledger is finalized, and
// a gateway failure inside billing never propagates here.
func (m *Manager) EndStream(ctx context.Context, sessionID, influencerID string) error {
	unlock := m.slots.Lock(sessionID)
	defer unlock()

	sess, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if influencerID != "" && sess.InfluencerID != influencerID {
		return domain.Unauthorizedf("only the session owner may end the stream")
	}

	return m.endLocked(ctx, sess, "owner")
}

// endLocked performs the termination steps. Caller holds the session lock.
func (m *Manager) endLocked(ctx context.Context, sess domain.StreamSession, reason string) error {
	now := m.clock().UTC()
	ended, err := m.sessions.End(ctx, sess.ID, now)
	if err != nil {
		return fmt.Errorf("session: end %s: %w", sess.ID, err)
	}
	if !ended {
		return nil
	}

	if err := m.billing.FinalizeOpenForSession(ctx, sess.ID); err != nil {
		// Finalization problems are the billing reconciler's to chase; the
		// session is already ended.
		m.logger.ErrorContext(ctx, "finalize billing on end failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}

	m.auctions.Engine(sess.ID).Shutdown(ctx)
	m.auctions.Remove(sess.ID)

	if err := m.sessions.SetCurrentExplorer(ctx, sess.ID, nil); err != nil {
		m.logger.WarnContext(ctx, "clear occupant on end failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := m.presence.ClearLive(ctx, sess.InfluencerID); err != nil {
		m.logger.WarnContext(ctx, "clear live flag failed",
			slog.String("influencer_id", sess.InfluencerID),
			slog.String("error", err.Error()),
		)
	}

	final, err := m.sessions.GetByID(ctx, sess.ID)
	earnings := sess.AccumulatedEarnings
	if err == nil {
		earnings = final.AccumulatedEarnings
	}

	m.emitSession(ctx, sess.ID, domain.Event{
		Type:      domain.EventSessionEnded,
		SessionID: sess.ID,
		Payload: map[string]any{
			"reason":           reason,
			"duration_seconds": int64(now.Sub(sess.StartTime) / time.Second),
			"total_earnings":   earnings.String(),
		},
		At: now,
	})
	m.emitSession(ctx, sess.ID, domain.Event{
		Type:      domain.EventInfluencerStatusChanged,
		SessionID: sess.ID,
		Payload: map[string]any{
			"influencer_id": sess.InfluencerID,
			"tier":          string(domain.TierOffline),
		},
		At: now,
	})

	m.logger.InfoContext(ctx, "stream ended",
		slog.String("session_id", sess.ID),
		slog.String("influencer_id", sess.InfluencerID),
		slog.String("reason", reason),
		slog.String("total_earnings", earnings.String()),
	)
	return nil
}

// HandleDisconnect starts the grace timer for a user that dropped its
// connection. If the user is the current occupant of a live session and does
// not come back within the grace period, the slot is vacated and the
// occupancy billed. The timer runs detached from the triggering request.
func (m *Manager) HandleDisconnect(ctx context.Context, userID string) {
	if err := m.presence.MarkOffline(ctx, userID); err != nil {
		m.logger.WarnContext(ctx, "mark offline failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	go func() {
		graceCtx, cancel := context.WithTimeout(context.Background(), m.cfg.DisconnectGrace+time.Minute)
		defer cancel()
		if err := m.sleep(graceCtx, m.cfg.DisconnectGrace); err != nil {
			return
		}
		m.VacateIfAbsent(graceCtx, userID)
	}()
}

// VacateIfAbsent frees any call slot held by the user, unless the user has
// reconnected in the meantime.
func (m *Manager) VacateIfAbsent(ctx context.Context, userID string) {
	online, err := m.presence.IsOnline(ctx, userID)
	if err != nil {
		m.logger.WarnContext(ctx, "presence check failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	if online {
		return
	}

	live, err := m.sessions.ListLive(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "list live sessions failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, sess := range live {
		if sess.CurrentExplorerID == nil || *sess.CurrentExplorerID != userID {
			continue
		}
		m.vacateSlot(ctx, sess.ID, userID)
	}
}

func (m *Manager) vacateSlot(ctx context.Context, sessionID, userID string) {
	unlock := m.slots.Lock(sessionID)
	defer unlock()

	// Re-check under the lock: the occupant may have changed or left already.
	sess, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil || !sess.IsLive() || sess.CurrentExplorerID == nil || *sess.CurrentExplorerID != userID {
		return
	}

	if err := m.billing.FinalizeOpenForSession(ctx, sessionID); err != nil {
		m.logger.ErrorContext(ctx, "finalize billing on vacate failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	if err := m.sessions.SetCurrentExplorer(ctx, sessionID, nil); err != nil {
		m.logger.ErrorContext(ctx, "vacate slot failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.auctions.Engine(sessionID).Vacate(ctx)

	m.emitSession(ctx, sessionID, domain.Event{
		Type:      domain.EventSessionEnded,
		SessionID: sessionID,
		Payload: map[string]any{
			"reason":      "occupant_disconnected",
			"explorer_id": userID,
			"slot_only":   true,
		},
		At: m.clock().UTC(),
	})

	m.logger.InfoContext(ctx, "call slot vacated after disconnect",
		slog.String("session_id", sessionID),
		slog.String("explorer_id", userID),
	)
}

// RunWatchdog force-ends sessions that exceed the maximum duration. Runs
// until the context is cancelled.
func (m *Manager) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepExpired(ctx)
		}
	}
}

func (m *Manager) sweepExpired(ctx context.Context) {
	live, err := m.sessions.ListLive(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "watchdog list live failed",
			slog.String("error", err.Error()),
		)
		return
	}

	now := m.clock().UTC()
	for _, sess := range live {
		if now.Sub(sess.StartTime) < m.cfg.MaxDuration {
			continue
		}
		unlock := m.slots.Lock(sess.ID)
		err := m.endLocked(ctx, sess, "max_duration")
		unlock()
		if err != nil {
			m.logger.ErrorContext(ctx, "watchdog end failed",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if m.notifier != nil {
			_ = m.notifier.Notify(ctx, "session_watchdog", "Session force-ended",
				fmt.Sprintf("session %s exceeded max duration %s", sess.ID, m.cfg.MaxDuration))
		}
	}
}

func (m *Manager) emitUser(ctx context.Context, userID string, ev domain.Event) {
	if err := m.events.ToUser(ctx, userID, ev); err != nil {
		m.logger.WarnContext(ctx, "event delivery failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) emitSession(ctx context.Context, sessionID string, ev domain.Event) {
	if err := m.events.ToSession(ctx, sessionID, ev); err != nil {
		m.logger.WarnContext(ctx, "event broadcast failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// WithClock overrides the time source for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithSleep overrides the grace-period wait for tests.
func (m *Manager) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Manager {
	m.sleep = sleep
	return m
}
