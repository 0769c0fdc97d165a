package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/okabelanger/streambid/internal/domain"
)

// BidStore implements domain.BidStore using PostgreSQL.
type BidStore struct {
	pool *pgxpool.Pool
}

// NewBidStore creates a BidStore backed by the given connection pool.
func NewBidStore(pool *pgxpool.Pool) *BidStore {
	return &BidStore{pool: pool}
}

// Create inserts a new bid.
func (s *BidStore) Create(ctx context.Context, b domain.Bid) error {
	const query = `
		INSERT INTO bids (id, session_id, bidder_id, amount, status, placed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`

	_, err := s.pool.Exec(ctx, query,
		b.ID, b.SessionID, b.BidderID, b.Amount.String(), string(b.Status), b.PlacedAt)
	if err != nil {
		return fmt.Errorf("postgres: create bid %s: %w", b.ID, err)
	}
	return nil
}

const bidSelectCols = `id, session_id, bidder_id, amount, status, placed_at`

func scanBidFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Bid, error) {
	var b domain.Bid
	var amount, status string

	err := scanner.Scan(&b.ID, &b.SessionID, &b.BidderID, &amount, &status, &b.PlacedAt)
	if err != nil {
		return domain.Bid{}, err
	}

	b.Status = domain.BidStatus(status)
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Bid{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return b, nil
}

// GetByID retrieves a single bid.
func (s *BidStore) GetByID(ctx context.Context, id string) (domain.Bid, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bidSelectCols+` FROM bids WHERE id = $1`, id)

	b, err := scanBidFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bid{}, domain.NotFoundf("bid %s not found", id)
		}
		return domain.Bid{}, fmt.Errorf("postgres: get bid %s: %w", id, err)
	}
	return b, nil
}

// UpdateStatus changes the status of an existing bid.
func (s *BidStore) UpdateStatus(ctx context.Context, id string, status domain.BidStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update bid status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("bid %s not found", id)
	}
	return nil
}

// ListBySession returns the session's bids with the given status, highest
// amount first, earliest placement as the tiebreak.
func (s *BidStore) ListBySession(ctx context.Context, sessionID string, status domain.BidStatus) ([]domain.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidSelectCols+` FROM bids
		 WHERE session_id = $1 AND status = $2
		 ORDER BY amount DESC, placed_at ASC`, sessionID, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var bids []domain.Bid
	for rows.Next() {
		b, err := scanBidFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bids for session %s: %w", sessionID, err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// Compile-time interface check.
var _ domain.BidStore = (*BidStore)(nil)
