package handler

import (
	"log/slog"
	"net/http"

	"github.com/okabelanger/streambid/internal/discovery"
	"github.com/okabelanger/streambid/internal/domain"
)

// DiscoveryHandler serves the tiered influencer listing over REST, mirroring
// the WebSocket list_influencers operation for clients that only poll.
type DiscoveryHandler struct {
	ranker *discovery.Ranker
	logger *slog.Logger
}

// NewDiscoveryHandler creates a DiscoveryHandler.
func NewDiscoveryHandler(ranker *discovery.Ranker, logger *slog.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		ranker: ranker,
		logger: logger.With(slog.String("handler", "discovery")),
	}
}

// ListInfluencers returns one page of the tiered influencer listing.
// GET /api/influencers?category=&q=&cursor=&limit=
func (h *DiscoveryHandler) ListInfluencers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := domain.DiscoveryFilters{
		Category: q.Get("category"),
		Query:    q.Get("q"),
	}

	page, err := h.ranker.List(r.Context(), filters, q.Get("cursor"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(page.Items))
	for _, item := range page.Items {
		entry := map[string]any{
			"id":           item.ID,
			"handle":       item.Handle,
			"display_name": item.DisplayName,
			"tier":         string(item.Tier),
		}
		if item.Category != "" {
			entry["category"] = item.Category
		}
		if item.LiveSessionID != "" {
			entry["live_session_id"] = item.LiveSessionID
		}
		items = append(items, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":         items,
		"next_cursor":   page.NextCursor,
		"has_next_page": page.HasNextPage,
	})
}
