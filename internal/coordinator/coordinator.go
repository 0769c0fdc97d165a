// Package coordinator routes client operations to the session, auction,
// billing and discovery services, and publishes outbound events on the
// signal bus.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/okabelanger/streambid/internal/auction"
	"github.com/okabelanger/streambid/internal/billing"
	"github.com/okabelanger/streambid/internal/discovery"
	"github.com/okabelanger/streambid/internal/domain"
	"github.com/okabelanger/streambid/internal/session"
)

// Operation names accepted by Dispatch.
const (
	OpCreateStream    = "create_stream"
	OpJoinStream      = "join_stream"
	OpEndStream       = "end_stream"
	OpPlaceBid        = "place_bid"
	OpAcceptBid       = "accept_bid"
	OpRejectBid       = "reject_bid"
	OpRefundBilling   = "refund_billing"
	OpListInfluencers = "list_influencers"
)

// Config holds dispatcher parameters.
type Config struct {
	// BidRateLimit caps place_bid calls per user inside BidRateWindow.
	BidRateLimit  int
	BidRateWindow time.Duration
}

func (c *Config) defaults() {
	if c.BidRateLimit <= 0 {
		c.BidRateLimit = 10
	}
	if c.BidRateWindow <= 0 {
		c.BidRateWindow = 10 * time.Second
	}
}

// Coordinator is the single entry point for client-initiated operations,
// independent of whether they arrive over WebSocket or REST.
type Coordinator struct {
	sessions *session.Manager
	auctions *auction.Registry
	billing  *billing.Service
	ranker   *discovery.Ranker
	limiter  domain.RateLimiter
	cfg      Config
	logger   *slog.Logger
}

// New creates a Coordinator.
func New(
	sessions *session.Manager,
	auctions *auction.Registry,
	billingSvc *billing.Service,
	ranker *discovery.Ranker,
	limiter domain.RateLimiter,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		sessions: sessions,
		auctions: auctions,
		billing:  billingSvc,
		ranker:   ranker,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "coordinator")),
	}
}

type createStreamRequest struct {
	BaseRate  string `json:"base_rate"`
	AllowBids bool   `json:"allow_bids"`
}

type joinStreamRequest struct {
	SessionID string `json:"session_id"`
}

type endStreamRequest struct {
	SessionID string `json:"session_id"`
}

type placeBidRequest struct {
	SessionID string `json:"session_id"`
	Amount    string `json:"amount"`
}

type bidDecisionRequest struct {
	SessionID string `json:"session_id"`
	BidID     string `json:"bid_id"`
}

type refundRequest struct {
	BillingID string `json:"billing_id"`
}

type listInfluencersRequest struct {
	Category string `json:"category,omitempty"`
	Query    string `json:"query,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type sessionResponse struct {
	SessionID    string `json:"session_id"`
	InfluencerID string `json:"influencer_id"`
	Status       string `json:"status"`
	AllowBids    bool   `json:"allow_bids"`
	BaseRate     string `json:"base_rate"`
	StartTime    string `json:"start_time"`
}

type bidResponse struct {
	BidID     string `json:"bid_id"`
	SessionID string `json:"session_id"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
}

type listingEntry struct {
	ID            string `json:"id"`
	Handle        string `json:"handle"`
	DisplayName   string `json:"display_name"`
	Category      string `json:"category,omitempty"`
	Tier          string `json:"tier"`
	LiveSessionID string `json:"live_session_id,omitempty"`
}

type listingResponse struct {
	Items       []listingEntry `json:"items"`
	NextCursor  string         `json:"next_cursor,omitempty"`
	HasNextPage bool           `json:"has_next_page"`
}

// Dispatch executes one named operation on behalf of the authenticated user.
// The returned value is the operation's response payload; errors carry a
// domain kind the transport layer maps to its wire representation.
func (c *Coordinator) Dispatch(ctx context.Context, userID, op string, payload json.RawMessage) (any, error) {
	switch op {
	case OpCreateStream:
		return c.createStream(ctx, userID, payload)
	case OpJoinStream:
		return c.joinStream(ctx, userID, payload)
	case OpEndStream:
		return c.endStream(ctx, userID, payload)
	case OpPlaceBid:
		return c.placeBid(ctx, userID, payload)
	case OpAcceptBid:
		return c.acceptBid(ctx, userID, payload)
	case OpRejectBid:
		return c.rejectBid(ctx, userID, payload)
	case OpRefundBilling:
		return c.refundBilling(ctx, userID, payload)
	case OpListInfluencers:
		return c.listInfluencers(ctx, payload)
	default:
		return nil, domain.Validationf("unknown operation %q", op)
	}
}

func (c *Coordinator) createStream(ctx context.Context, userID string, payload json.RawMessage) (any, error) {
	var req createStreamRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	rate, err := parseAmount(req.BaseRate, "base_rate")
	if err != nil {
		return nil, err
	}

	sess, err := c.sessions.CreateStream(ctx, userID, rate, req.AllowBids)
	if err != nil {
		return nil, err
	}
	return toSessionResponse(sess), nil
}

func (c *Coordinator) joinStream(ctx context.Context, userID string, payload json.RawMessage) (any, error) {
	var req joinStreamRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, domain.Validationf("session_id is required")
	}

	sess, err := c.sessions.JoinStream(ctx, req.SessionID, userID)
	if err != nil {
		return nil, err
	}
	return toSessionResponse(sess), nil
}

func (c *Coordinator) endStream(ctx context.Context, userID string, payload json.RawMessage) (any, error) {
	var req endStreamRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, domain.Validationf("session_id is required")
	}

	if err := c.sessions.EndStream(ctx, req.SessionID, userID); err != nil {
		return nil, err
	}
	return map[string]any{"session_id": req.SessionID, "status": string(domain.SessionStatusEnded)}, nil
}

func (c *Coordinator) placeBid(ctx context.Context, userID string, payload json.RawMessage) (any, error) {
	var req placeBidRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, domain.Validationf("session_id is required")
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		return nil, err
	}

	allowed, err := c.limiter.Allow(ctx, "bid:"+userID, c.cfg.BidRateLimit, c.cfg.BidRateWindow)
	if err != nil {
		c.logger.WarnContext(ctx, "bid rate limiter errored, allowing",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else if !allowed {
		return nil, domain.Conflictf("RateLimited",
			"too many bids, limit is %d per %s", c.cfg.BidRateLimit, c.cfg.BidRateWindow)
	}

	bid, err := c.auctions.Engine(req.SessionID).PlaceBid(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	return bidResponse{
		BidID:     bid.ID,
		SessionID: bid.SessionID,
		Amount:    bid.Amount.String(),
		Status:    string(bid.Status),
	}, nil
}

func (c *Coordinator) acceptBid(ctx context.Context, userID string, payload json.RawMessage) (any, error) {
	var req bidDecisionRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" || req.BidID == "" {
		return nil, domain.Validationf("session_id and bid_id are required")
	}

	if err := c.auctions.Engine(req.SessionID).AcceptBid(ctx, req.BidID, userID); err != nil {
		return nil, err
	}
	return map[string]any{"bid_id": req.BidID, "status": string(domain.BidStatusAccepted)}, nil
}

func (c *Coordinator) rejectBid(ctx context.Context, userID string, payload json.RawMessage) (any, error) {
	var req bidDecisionRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" || req.BidID == "" {
		return nil, domain.Validationf("session_id and bid_id are required")
	}

	if err := c.auctions.Engine(req.SessionID).RejectBid(ctx, req.BidID, userID); err != nil {
		return nil, err
	}
	return map[string]any{"bid_id": req.BidID, "status": string(domain.BidStatusRejected)}, nil
}

func (c *Coordinator) refundBilling(ctx context.Context, userID string, payload json.RawMessage) (any, error) {
	var req refundRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.BillingID == "" {
		return nil, domain.Validationf("billing_id is required")
	}

	if err := c.billing.ProcessRefund(ctx, req.BillingID, userID); err != nil {
		return nil, err
	}
	return map[string]any{"billing_id": req.BillingID, "status": string(domain.BillingStatusRefunded)}, nil
}

func (c *Coordinator) listInfluencers(ctx context.Context, payload json.RawMessage) (any, error) {
	var req listInfluencersRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	page, err := c.ranker.List(ctx, domain.DiscoveryFilters{
		Category: req.Category,
		Query:    req.Query,
	}, req.Cursor, req.Limit)
	if err != nil {
		return nil, err
	}

	resp := listingResponse{
		Items:       make([]listingEntry, 0, len(page.Items)),
		NextCursor:  page.NextCursor,
		HasNextPage: page.HasNextPage,
	}
	for _, item := range page.Items {
		resp.Items = append(resp.Items, listingEntry{
			ID:            item.ID,
			Handle:        item.Handle,
			DisplayName:   item.DisplayName,
			Category:      item.Category,
			Tier:          string(item.Tier),
			LiveSessionID: item.LiveSessionID,
		})
	}
	return resp, nil
}

// ListInfluencers exposes the listing to the REST handler with the same
// semantics as the WebSocket operation.
func (c *Coordinator) ListInfluencers(ctx context.Context, filters domain.DiscoveryFilters, cursorToken string, limit int) (domain.DiscoveryPage, error) {
	return c.ranker.List(ctx, filters, cursorToken, limit)
}

// HandleDisconnect forwards a dropped connection to the session manager's
// grace-period flow.
func (c *Coordinator) HandleDisconnect(ctx context.Context, userID string) {
	c.sessions.HandleDisconnect(ctx, userID)
}

func decode(payload json.RawMessage, into any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return domain.Validationf("malformed payload: %v", err)
	}
	return nil
}

func parseAmount(raw, field string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, domain.Validationf("%s is required", field)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, domain.Validationf("%s is not a valid amount: %v", field, err)
	}
	return amount, nil
}

func toSessionResponse(sess domain.StreamSession) sessionResponse {
	return sessionResponse{
		SessionID:    sess.ID,
		InfluencerID: sess.InfluencerID,
		Status:       string(sess.Status),
		AllowBids:    sess.AllowBids,
		BaseRate:     sess.BaseRate.String(),
		StartTime:    sess.StartTime.UTC().Format(time.RFC3339),
	}
}
