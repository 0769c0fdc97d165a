package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/okabelanger/streambid/internal/domain"
)

// SessionStore implements domain.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a SessionStore backed by the given connection pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Create inserts a new stream session. The partial unique index on live
// sessions turns a double-create into a conflict error.
func (s *SessionStore) Create(ctx context.Context, sess domain.StreamSession) error {
	const query = `
		INSERT INTO stream_sessions (
			id, influencer_id, status, allow_bids, base_rate,
			start_time, end_time, current_explorer_id, accumulated_earnings,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`

	_, err := s.pool.Exec(ctx, query,
		sess.ID, sess.InfluencerID, string(sess.Status), sess.AllowBids,
		sess.BaseRate.String(), sess.StartTime, sess.EndTime,
		sess.CurrentExplorerID, sess.AccumulatedEarnings.String(),
		sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create session %s: %w", sess.ID, err)
	}
	return nil
}

const sessionSelectCols = `id, influencer_id, status, allow_bids, base_rate,
	start_time, end_time, current_explorer_id, accumulated_earnings, created_at`

func scanSessionFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.StreamSession, error) {
	var sess domain.StreamSession
	var status, baseRate, earnings string

	err := scanner.Scan(
		&sess.ID, &sess.InfluencerID, &status, &sess.AllowBids, &baseRate,
		&sess.StartTime, &sess.EndTime, &sess.CurrentExplorerID, &earnings,
		&sess.CreatedAt,
	)
	if err != nil {
		return domain.StreamSession{}, err
	}

	sess.Status = domain.SessionStatus(status)
	if sess.BaseRate, err = decimal.NewFromString(baseRate); err != nil {
		return domain.StreamSession{}, fmt.Errorf("parse base_rate %q: %w", baseRate, err)
	}
	if sess.AccumulatedEarnings, err = decimal.NewFromString(earnings); err != nil {
		return domain.StreamSession{}, fmt.Errorf("parse accumulated_earnings %q: %w", earnings, err)
	}
	return sess, nil
}

func scanSessionRows(rows pgx.Rows) ([]domain.StreamSession, error) {
	var sessions []domain.StreamSession
	for rows.Next() {
		sess, err := scanSessionFromRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetByID retrieves a single session.
func (s *SessionStore) GetByID(ctx context.Context, id string) (domain.StreamSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionSelectCols+` FROM stream_sessions WHERE id = $1`, id)

	sess, err := scanSessionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StreamSession{}, domain.NotFoundf("session %s not found", id)
		}
		return domain.StreamSession{}, fmt.Errorf("postgres: get session %s: %w", id, err)
	}
	return sess, nil
}

// GetLiveByInfluencer returns the influencer's live session, if any.
func (s *SessionStore) GetLiveByInfluencer(ctx context.Context, influencerID string) (domain.StreamSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionSelectCols+` FROM stream_sessions
		 WHERE influencer_id = $1 AND status = 'live'`, influencerID)

	sess, err := scanSessionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StreamSession{}, domain.NotFoundf("no live session for influencer %s", influencerID)
		}
		return domain.StreamSession{}, fmt.Errorf("postgres: get live session for %s: %w", influencerID, err)
	}
	return sess, nil
}

// SetCurrentExplorer records (or clears, with nil) the call-slot occupant.
func (s *SessionStore) SetCurrentExplorer(ctx context.Context, id string, explorerID *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stream_sessions SET current_explorer_id = $1, updated_at = NOW() WHERE id = $2`,
		explorerID, id)
	if err != nil {
		return fmt.Errorf("postgres: set current explorer on %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("session %s not found", id)
	}
	return nil
}

// AddEarnings accumulates a settled charge onto the session total.
func (s *SessionStore) AddEarnings(ctx context.Context, id string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stream_sessions
		 SET accumulated_earnings = accumulated_earnings + $1::numeric, updated_at = NOW()
		 WHERE id = $2`,
		amount.String(), id)
	if err != nil {
		return fmt.Errorf("postgres: add earnings to %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("session %s not found", id)
	}
	return nil
}

// End transitions live -> ended. The WHERE clause makes the transition
// conditional: a second call matches zero rows and returns false, so
// termination stays idempotent without a read-modify-write.
func (s *SessionStore) End(ctx context.Context, id string, endTime time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stream_sessions
		 SET status = 'ended', end_time = $1, current_explorer_id = NULL, updated_at = NOW()
		 WHERE id = $2 AND status = 'live'`,
		endTime, id)
	if err != nil {
		return false, fmt.Errorf("postgres: end session %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListLive returns every live session.
func (s *SessionStore) ListLive(ctx context.Context) ([]domain.StreamSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionSelectCols+` FROM stream_sessions
		 WHERE status = 'live' ORDER BY start_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list live sessions: %w", err)
	}
	defer rows.Close()

	sessions, err := scanSessionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan live sessions: %w", err)
	}
	return sessions, nil
}

// LiveInfluencerIDs maps influencer ID to live session ID.
func (s *SessionStore) LiveInfluencerIDs(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT influencer_id, id FROM stream_sessions WHERE status = 'live'`)
	if err != nil {
		return nil, fmt.Errorf("postgres: live influencer ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var influencerID, sessionID string
		if err := rows.Scan(&influencerID, &sessionID); err != nil {
			return nil, fmt.Errorf("postgres: scan live influencer ids: %w", err)
		}
		out[influencerID] = sessionID
	}
	return out, rows.Err()
}

// ListEndedBefore pages over ended sessions older than cutoff.
func (s *SessionStore) ListEndedBefore(ctx context.Context, cutoff time.Time, opts domain.ListOpts) ([]domain.StreamSession, error) {
	query := `SELECT ` + sessionSelectCols + ` FROM stream_sessions
		WHERE status = 'ended' AND end_time < $1
		ORDER BY end_time ASC, id ASC`
	args := []any{cutoff}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ended sessions: %w", err)
	}
	defer rows.Close()

	sessions, err := scanSessionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ended sessions: %w", err)
	}
	return sessions, nil
}

// DeleteEndedBefore removes archived session history older than cutoff,
// including the bids and ledger rows that reference it.
func (s *SessionStore) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete ended sessions: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const target = `SELECT id FROM stream_sessions WHERE status = 'ended' AND end_time < $1`

	if _, err := tx.Exec(ctx,
		`DELETE FROM billing_sessions WHERE stream_session_id IN (`+target+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("postgres: delete ended sessions: billing rows: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM bids WHERE session_id IN (`+target+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("postgres: delete ended sessions: bids: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM stream_sessions WHERE status = 'ended' AND end_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete ended sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: delete ended sessions: commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.SessionStore = (*SessionStore)(nil)
