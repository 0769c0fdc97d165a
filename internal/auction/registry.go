package auction

import (
	"log/slog"
	"sync"
	"time"

	"github.com/okabelanger/streambid/internal/domain"
)

// Registry hands out the Engine for a session, creating it on first use.
// Engines share one SessionLocks table so the registry and the session
// manager serialize on the same per-session mutex.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine

	tieBreak domain.TieBreak
	bids     domain.BidStore
	sessions domain.SessionStore
	billing  Biller
	events   domain.EventSink
	locks    *SessionLocks
	logger   *slog.Logger
	clock    func() time.Time
}

// NewRegistry creates an empty engine registry.
func NewRegistry(
	bids domain.BidStore,
	sessions domain.SessionStore,
	billing Biller,
	events domain.EventSink,
	locks *SessionLocks,
	tieBreak domain.TieBreak,
	logger *slog.Logger,
) *Registry {
	if tieBreak == "" {
		tieBreak = domain.TieBreakFIFO
	}
	return &Registry{
		engines:  make(map[string]*Engine),
		tieBreak: tieBreak,
		bids:     bids,
		sessions: sessions,
		billing:  billing,
		events:   events,
		locks:    locks,
		logger:   logger.With(slog.String("component", "auction")),
		clock:    time.Now,
	}
}

// Engine returns the engine for the given session.
func (r *Registry) Engine(sessionID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[sessionID]; ok {
		return e
	}
	e := &Engine{
		sessionID: sessionID,
		tieBreak:  r.tieBreak,
		bids:      r.bids,
		sessions:  r.sessions,
		billing:   r.billing,
		events:    r.events,
		locks:     r.locks,
		logger:    r.logger,
		clock:     r.clock,
	}
	r.engines[sessionID] = e
	return e
}

// Remove drops a session's engine after the session ends.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.engines, sessionID)
	r.mu.Unlock()
}

// WithClock overrides the time source handed to new engines, for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}
