package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okabelanger/streambid/internal/domain"
)

// InfluencerStore implements domain.InfluencerStore using PostgreSQL.
type InfluencerStore struct {
	pool *pgxpool.Pool
}

// NewInfluencerStore creates an InfluencerStore backed by the given pool.
func NewInfluencerStore(pool *pgxpool.Pool) *InfluencerStore {
	return &InfluencerStore{pool: pool}
}

// Upsert inserts or updates an influencer profile.
func (s *InfluencerStore) Upsert(ctx context.Context, inf domain.Influencer) error {
	const query = `
		INSERT INTO influencers (id, handle, display_name, category, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			handle = EXCLUDED.handle,
			display_name = EXCLUDED.display_name,
			category = EXCLUDED.category`

	_, err := s.pool.Exec(ctx, query,
		inf.ID, inf.Handle, inf.DisplayName, inf.Category, inf.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert influencer %s: %w", inf.ID, err)
	}
	return nil
}

// GetByID retrieves a single influencer profile.
func (s *InfluencerStore) GetByID(ctx context.Context, id string) (domain.Influencer, error) {
	var inf domain.Influencer
	err := s.pool.QueryRow(ctx,
		`SELECT id, handle, display_name, category, created_at
		 FROM influencers WHERE id = $1`, id).
		Scan(&inf.ID, &inf.Handle, &inf.DisplayName, &inf.Category, &inf.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Influencer{}, domain.NotFoundf("influencer %s not found", id)
		}
		return domain.Influencer{}, fmt.Errorf("postgres: get influencer %s: %w", id, err)
	}
	return inf, nil
}

// List returns profiles matching the filters ordered by creation time
// descending, ID descending as the final tiebreak — the deterministic order
// the discovery ranker requires within a tier.
func (s *InfluencerStore) List(ctx context.Context, filters domain.DiscoveryFilters, opts domain.ListOpts) ([]domain.Influencer, error) {
	query := `SELECT id, handle, display_name, category, created_at FROM influencers`
	var conds []string
	var args []any

	if filters.Category != "" {
		args = append(args, filters.Category)
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if filters.Query != "" {
		args = append(args, "%"+filters.Query+"%")
		conds = append(conds, fmt.Sprintf("(handle ILIKE $%d OR display_name ILIKE $%d)", len(args), len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list influencers: %w", err)
	}
	defer rows.Close()

	var out []domain.Influencer
	for rows.Next() {
		var inf domain.Influencer
		if err := rows.Scan(&inf.ID, &inf.Handle, &inf.DisplayName, &inf.Category, &inf.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan influencers: %w", err)
		}
		out = append(out, inf)
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ domain.InfluencerStore = (*InfluencerStore)(nil)
