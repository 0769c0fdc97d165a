package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/okabelanger/streambid/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	candidateBatch  = 500
	maxCandidates   = 5000
)

// tierOrder is the strict drain order for listings.
var tierOrder = []domain.Tier{domain.TierLive, domain.TierOnline, domain.TierOffline}

// Ranker produces tiered influencer listings: live sessions first, then
// online influencers, then everyone else. Within a tier the ordering is the
// store's stable ordering (newest profile first), so two requests with the
// same state see the same pages.
type Ranker struct {
	influencers domain.InfluencerStore
	sessions    domain.SessionStore
	presence    domain.Presence
	logger      *slog.Logger
}

// NewRanker creates a Ranker.
func NewRanker(
	influencers domain.InfluencerStore,
	sessions domain.SessionStore,
	presence domain.Presence,
	logger *slog.Logger,
) *Ranker {
	return &Ranker{
		influencers: influencers,
		sessions:    sessions,
		presence:    presence,
		logger:      logger.With(slog.String("component", "discovery")),
	}
}

// List returns one page of the tiered listing. cursorToken is the opaque
// token from a previous page ("" starts from the top); limit is clamped to
// the page-size bounds.
func (r *Ranker) List(ctx context.Context, filters domain.DiscoveryFilters, cursorToken string, limit int) (domain.DiscoveryPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var cur cursor
	if cursorToken != "" {
		var err error
		cur, err = decodeCursor(cursorToken)
		if err != nil {
			return domain.DiscoveryPage{}, err
		}
	} else {
		cur = cursor{Tier: domain.TierLive}
	}

	tiers, err := r.partition(ctx, filters)
	if err != nil {
		return domain.DiscoveryPage{}, err
	}

	return paginate(tiers, cur, limit), nil
}

// partition loads the filtered candidate set and splits it by liveness tier,
// preserving the store's ordering inside each tier. Liveness is sampled once
// per request so a single page is internally consistent.
func (r *Ranker) partition(ctx context.Context, filters domain.DiscoveryFilters) (map[domain.Tier][]domain.InfluencerSummary, error) {
	candidates, err := r.loadCandidates(ctx, filters)
	if err != nil {
		return nil, err
	}

	liveSessions, err := r.sessions.LiveInfluencerIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: load live sessions: %w", err)
	}

	var others []string
	for _, inf := range candidates {
		if _, live := liveSessions[inf.ID]; !live {
			others = append(others, inf.ID)
		}
	}
	online, err := r.presence.FilterOnline(ctx, others)
	if err != nil {
		// Presence is advisory for ranking: degrade to offline rather than
		// failing the listing.
		r.logger.WarnContext(ctx, "presence lookup failed, ranking without online tier",
			slog.String("error", err.Error()),
		)
		online = map[string]bool{}
	}

	tiers := make(map[domain.Tier][]domain.InfluencerSummary, 3)
	for _, inf := range candidates {
		summary := domain.InfluencerSummary{Influencer: inf}
		switch {
		case liveSessions[inf.ID] != "":
			summary.Tier = domain.TierLive
			summary.LiveSessionID = liveSessions[inf.ID]
		case online[inf.ID]:
			summary.Tier = domain.TierOnline
		default:
			summary.Tier = domain.TierOffline
		}
		tiers[summary.Tier] = append(tiers[summary.Tier], summary)
	}
	return tiers, nil
}

// loadCandidates pages through the store until the filtered set is exhausted
// or the candidate cap is hit.
func (r *Ranker) loadCandidates(ctx context.Context, filters domain.DiscoveryFilters) ([]domain.Influencer, error) {
	var all []domain.Influencer
	for offset := 0; offset < maxCandidates; offset += candidateBatch {
		batch, err := r.influencers.List(ctx, filters, domain.ListOpts{Limit: candidateBatch, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("discovery: list influencers: %w", err)
		}
		all = append(all, batch...)
		if len(batch) < candidateBatch {
			break
		}
	}
	return all, nil
}

// paginate walks the tiers in drain order starting at the cursor position
// and collects one page.
func paginate(tiers map[domain.Tier][]domain.InfluencerSummary, cur cursor, limit int) domain.DiscoveryPage {
	items := make([]domain.InfluencerSummary, 0, limit)

	started := false
	var nextCursor string
	hasNext := false

	for _, tier := range tierOrder {
		entries := tiers[tier]
		start := 0
		if !started {
			if tier != cur.Tier {
				continue
			}
			started = true
			start = resumeIndex(entries, cur)
		}

		for i := start; i < len(entries); i++ {
			if len(items) == limit {
				hasNext = true
				nextCursor = encodeCursor(cursor{
					Tier:       tier,
					Offset:     i,
					LastSeenID: items[len(items)-1].ID,
				})
				return domain.DiscoveryPage{Items: items, NextCursor: nextCursor, HasNextPage: true}
			}
			items = append(items, entries[i])
		}
	}

	return domain.DiscoveryPage{Items: items, HasNextPage: hasNext}
}

// resumeIndex maps the cursor onto the tier's current contents. When the item
// recorded at the boundary has moved (entries churned between requests), the
// walk resumes after the last seen ID instead of trusting the raw offset.
func resumeIndex(entries []domain.InfluencerSummary, cur cursor) int {
	if cur.Offset == 0 {
		return 0
	}
	if cur.Offset <= len(entries) && cur.LastSeenID != "" &&
		entries[cur.Offset-1].ID == cur.LastSeenID {
		return cur.Offset
	}
	if cur.LastSeenID != "" {
		for i, e := range entries {
			if e.ID == cur.LastSeenID {
				return i + 1
			}
		}
	}
	if cur.Offset > len(entries) {
		return len(entries)
	}
	return cur.Offset
}
