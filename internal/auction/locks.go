package auction

import "sync"

// SessionLocks hands out one mutex per session ID so operations on a single
// session are totally ordered without serializing unrelated sessions.
// Entries are reference-counted and removed once released by every holder.
type SessionLocks struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewSessionLocks creates an empty lock table.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{held: make(map[string]*lockEntry)}
}

// Lock blocks until the session's mutex is held and returns the release
// function. The release function must be called exactly once.
func (l *SessionLocks) Lock(sessionID string) func() {
	l.mu.Lock()
	e, ok := l.held[sessionID]
	if !ok {
		e = &lockEntry{}
		l.held[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.held, sessionID)
		}
		l.mu.Unlock()
	}
}
