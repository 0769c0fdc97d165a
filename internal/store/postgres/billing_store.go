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

// BillingStore implements domain.BillingStore using PostgreSQL. Conditional
// updates (CloseLedger, MarkRefunded) carry the exactly-once guarantees the
// billing service relies on.
type BillingStore struct {
	pool *pgxpool.Pool
}

// NewBillingStore creates a BillingStore backed by the given connection pool.
func NewBillingStore(pool *pgxpool.Pool) *BillingStore {
	return &BillingStore{pool: pool}
}

// Create inserts a new ledger entry.
func (s *BillingStore) Create(ctx context.Context, b domain.BillingSession) error {
	const query = `
		INSERT INTO billing_sessions (
			id, stream_session_id, explorer_id, bid_amount, charged_amount,
			duration_seconds, status, start_time, end_time,
			external_payment_ref, attempts, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`

	_, err := s.pool.Exec(ctx, query,
		b.ID, b.StreamSessionID, b.ExplorerID,
		b.BidAmount.String(), b.ChargedAmount.String(),
		b.DurationSeconds, string(b.Status), b.StartTime, b.EndTime,
		b.ExternalPaymentRef, b.Attempts,
	)
	if err != nil {
		return fmt.Errorf("postgres: create billing session %s: %w", b.ID, err)
	}
	return nil
}

const billingSelectCols = `id, stream_session_id, explorer_id, bid_amount,
	charged_amount, duration_seconds, status, start_time, end_time,
	external_payment_ref, attempts`

func scanBillingFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.BillingSession, error) {
	var b domain.BillingSession
	var bidAmount, charged, status string

	err := scanner.Scan(
		&b.ID, &b.StreamSessionID, &b.ExplorerID, &bidAmount,
		&charged, &b.DurationSeconds, &status, &b.StartTime, &b.EndTime,
		&b.ExternalPaymentRef, &b.Attempts,
	)
	if err != nil {
		return domain.BillingSession{}, err
	}

	b.Status = domain.BillingStatus(status)
	if b.BidAmount, err = decimal.NewFromString(bidAmount); err != nil {
		return domain.BillingSession{}, fmt.Errorf("parse bid_amount %q: %w", bidAmount, err)
	}
	if b.ChargedAmount, err = decimal.NewFromString(charged); err != nil {
		return domain.BillingSession{}, fmt.Errorf("parse charged_amount %q: %w", charged, err)
	}
	return b, nil
}

func scanBillingRows(rows pgx.Rows) ([]domain.BillingSession, error) {
	var entries []domain.BillingSession
	for rows.Next() {
		b, err := scanBillingFromRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, b)
	}
	return entries, rows.Err()
}

// GetByID retrieves a single ledger entry.
func (s *BillingStore) GetByID(ctx context.Context, id string) (domain.BillingSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+billingSelectCols+` FROM billing_sessions WHERE id = $1`, id)

	b, err := scanBillingFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BillingSession{}, domain.NotFoundf("billing session %s not found", id)
		}
		return domain.BillingSession{}, fmt.Errorf("postgres: get billing session %s: %w", id, err)
	}
	return b, nil
}

// GetOpenBySession returns the session's unfinalized ledger entry.
func (s *BillingStore) GetOpenBySession(ctx context.Context, sessionID string) (domain.BillingSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+billingSelectCols+` FROM billing_sessions
		 WHERE stream_session_id = $1 AND end_time IS NULL`, sessionID)

	b, err := scanBillingFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BillingSession{}, domain.NotFoundf("no open billing session for %s", sessionID)
		}
		return domain.BillingSession{}, fmt.Errorf("postgres: get open billing session for %s: %w", sessionID, err)
	}
	return b, nil
}

// CloseLedger finalizes the entry. The end_time IS NULL guard means only one
// caller ever observes true, regardless of how many finalize paths race.
func (s *BillingStore) CloseLedger(ctx context.Context, id string, endTime time.Time, durationSeconds int64, charged decimal.Decimal) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_sessions
		 SET end_time = $1, duration_seconds = $2, charged_amount = $3, updated_at = NOW()
		 WHERE id = $4 AND end_time IS NULL`,
		endTime, durationSeconds, charged.String(), id)
	if err != nil {
		return false, fmt.Errorf("postgres: close ledger %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCompleted records a successful external charge.
func (s *BillingStore) MarkCompleted(ctx context.Context, id, paymentRef string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_sessions
		 SET status = 'completed', external_payment_ref = $1, updated_at = NOW()
		 WHERE id = $2`,
		paymentRef, id)
	if err != nil {
		return fmt.Errorf("postgres: mark billing completed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("billing session %s not found", id)
	}
	return nil
}

// MarkFailed records a failed external charge and bumps the attempt count.
func (s *BillingStore) MarkFailed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_sessions
		 SET status = 'failed', attempts = attempts + 1, updated_at = NOW()
		 WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("postgres: mark billing failed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("billing session %s not found", id)
	}
	return nil
}

// MarkRefunded transitions to refunded, returning false when the entry is
// already refunded so retried refunds stay idempotent.
func (s *BillingStore) MarkRefunded(ctx context.Context, id, paymentRef string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_sessions
		 SET status = 'refunded', external_payment_ref = $1, updated_at = NOW()
		 WHERE id = $2 AND status <> 'refunded'`,
		paymentRef, id)
	if err != nil {
		return false, fmt.Errorf("postgres: mark billing refunded %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListFailed returns finalized entries still awaiting a successful charge,
// oldest first.
func (s *BillingStore) ListFailed(ctx context.Context, limit int) ([]domain.BillingSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+billingSelectCols+` FROM billing_sessions
		 WHERE status = 'failed' AND end_time IS NOT NULL
		 ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list failed billing sessions: %w", err)
	}
	defer rows.Close()

	entries, err := scanBillingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan failed billing sessions: %w", err)
	}
	return entries, nil
}

// ListSettledBefore pages over completed/refunded entries older than cutoff.
func (s *BillingStore) ListSettledBefore(ctx context.Context, cutoff time.Time, opts domain.ListOpts) ([]domain.BillingSession, error) {
	query := `SELECT ` + billingSelectCols + ` FROM billing_sessions
		WHERE status IN ('completed', 'refunded') AND end_time < $1
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
		return nil, fmt.Errorf("postgres: list settled billing sessions: %w", err)
	}
	defer rows.Close()

	entries, err := scanBillingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settled billing sessions: %w", err)
	}
	return entries, nil
}

// Compile-time interface check.
var _ domain.BillingStore = (*BillingStore)(nil)
