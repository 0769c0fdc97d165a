package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/okabelanger/streambid/internal/auction"
	"github.com/okabelanger/streambid/internal/billing"
	"github.com/okabelanger/streambid/internal/discovery"
	"github.com/okabelanger/streambid/internal/domain"
	"github.com/okabelanger/streambid/internal/session"
)

// ---------------------------------------------------------------------------
// In-memory stores backing a full dispatcher stack.
// ---------------------------------------------------------------------------

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.StreamSession
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]domain.StreamSession)}
}

func (m *memSessionStore) Create(_ context.Context, s domain.StreamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memSessionStore) GetByID(_ context.Context, id string) (domain.StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.StreamSession{}, domain.NotFoundf("session %s not found", id)
	}
	return s, nil
}

func (m *memSessionStore) GetLiveByInfluencer(_ context.Context, influencerID string) (domain.StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.InfluencerID == influencerID && s.Status == domain.SessionStatusLive {
			return s, nil
		}
	}
	return domain.StreamSession{}, domain.NotFoundf("no live session for %s", influencerID)
}

func (m *memSessionStore) SetCurrentExplorer(_ context.Context, id string, explorerID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	s.CurrentExplorerID = explorerID
	m.sessions[id] = s
	return nil
}

func (m *memSessionStore) AddEarnings(_ context.Context, id string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	s.AccumulatedEarnings = s.AccumulatedEarnings.Add(amount)
	m.sessions[id] = s
	return nil
}

func (m *memSessionStore) End(_ context.Context, id string, endTime time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, domain.NotFoundf("session %s not found", id)
	}
	if s.Status == domain.SessionStatusEnded {
		return false, nil
	}
	s.Status = domain.SessionStatusEnded
	s.EndTime = &endTime
	m.sessions[id] = s
	return true, nil
}

func (m *memSessionStore) ListLive(_ context.Context) ([]domain.StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StreamSession
	for _, s := range m.sessions {
		if s.Status == domain.SessionStatusLive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSessionStore) LiveInfluencerIDs(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, s := range m.sessions {
		if s.Status == domain.SessionStatusLive {
			out[s.InfluencerID] = s.ID
		}
	}
	return out, nil
}

func (m *memSessionStore) ListEndedBefore(_ context.Context, _ time.Time, _ domain.ListOpts) ([]domain.StreamSession, error) {
	return nil, nil
}

func (m *memSessionStore) DeleteEndedBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type memBidStore struct {
	mu   sync.Mutex
	bids map[string]domain.Bid
}

func newMemBidStore() *memBidStore {
	return &memBidStore{bids: make(map[string]domain.Bid)}
}

func (m *memBidStore) Create(_ context.Context, b domain.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bids[b.ID] = b
	return nil
}

func (m *memBidStore) GetByID(_ context.Context, id string) (domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return domain.Bid{}, domain.NotFoundf("bid %s not found", id)
	}
	return b, nil
}

func (m *memBidStore) UpdateStatus(_ context.Context, id string, status domain.BidStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bids[id]
	b.Status = status
	m.bids[id] = b
	return nil
}

func (m *memBidStore) ListBySession(_ context.Context, sessionID string, status domain.BidStatus) ([]domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Bid
	for _, b := range m.bids {
		if b.SessionID == sessionID && b.Status == status {
			out = append(out, b)
		}
	}
	return out, nil
}

type memBillingStore struct {
	mu      sync.Mutex
	entries map[string]domain.BillingSession
}

func newMemBillingStore() *memBillingStore {
	return &memBillingStore{entries: make(map[string]domain.BillingSession)}
}

func (m *memBillingStore) Create(_ context.Context, b domain.BillingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[b.ID] = b
	return nil
}

func (m *memBillingStore) GetByID(_ context.Context, id string) (domain.BillingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.BillingSession{}, domain.NotFoundf("billing session %s not found", id)
	}
	return e, nil
}

func (m *memBillingStore) GetOpenBySession(_ context.Context, sessionID string) (domain.BillingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.StreamSessionID == sessionID && e.EndTime == nil {
			return e, nil
		}
	}
	return domain.BillingSession{}, domain.NotFoundf("no open billing session for %s", sessionID)
}

func (m *memBillingStore) CloseLedger(_ context.Context, id string, endTime time.Time, durationSeconds int64, charged decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e.EndTime != nil {
		return false, nil
	}
	e.EndTime = &endTime
	e.DurationSeconds = &durationSeconds
	e.ChargedAmount = charged
	m.entries[id] = e
	return true, nil
}

func (m *memBillingStore) MarkCompleted(_ context.Context, id, paymentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	e.Status = domain.BillingStatusCompleted
	e.ExternalPaymentRef = paymentRef
	m.entries[id] = e
	return nil
}

func (m *memBillingStore) MarkFailed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	e.Status = domain.BillingStatusFailed
	e.Attempts++
	m.entries[id] = e
	return nil
}

func (m *memBillingStore) MarkRefunded(_ context.Context, id, paymentRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false, domain.NotFoundf("billing session %s not found", id)
	}
	if e.Status == domain.BillingStatusRefunded {
		return false, nil
	}
	e.Status = domain.BillingStatusRefunded
	m.entries[id] = e
	return true, nil
}

func (m *memBillingStore) ListFailed(_ context.Context, _ int) ([]domain.BillingSession, error) {
	return nil, nil
}

func (m *memBillingStore) ListSettledBefore(_ context.Context, _ time.Time, _ domain.ListOpts) ([]domain.BillingSession, error) {
	return nil, nil
}

type memInfluencerStore struct{}

func (memInfluencerStore) Upsert(_ context.Context, _ domain.Influencer) error { return nil }
func (memInfluencerStore) GetByID(_ context.Context, id string) (domain.Influencer, error) {
	return domain.Influencer{}, domain.NotFoundf("influencer %s not found", id)
}
func (memInfluencerStore) List(_ context.Context, _ domain.DiscoveryFilters, _ domain.ListOpts) ([]domain.Influencer, error) {
	return nil, nil
}

type memPresence struct{}

func (memPresence) Heartbeat(_ context.Context, _ string) error           { return nil }
func (memPresence) MarkOffline(_ context.Context, _ string) error         { return nil }
func (memPresence) IsOnline(_ context.Context, _ string) (bool, error)    { return false, nil }
func (memPresence) MarkLive(_ context.Context, _ string) error            { return nil }
func (memPresence) ClearLive(_ context.Context, _ string) error           { return nil }
func (memPresence) FilterOnline(_ context.Context, ids []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

type memLockManager struct{}

func (memLockManager) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	return func() {}, nil
}

type memLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemLimiter() *memLimiter {
	return &memLimiter{counts: make(map[string]int)}
}

func (m *memLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key] <= limit, nil
}

type memGateway struct{}

func (memGateway) Charge(_ context.Context, req domain.ChargeRequest) (string, error) {
	return "pay_" + req.IdempotencyKey, nil
}

func (memGateway) Refund(_ context.Context, req domain.RefundRequest) (string, error) {
	return "refund_" + req.IdempotencyKey, nil
}

type memSink struct{}

func (memSink) ToUser(_ context.Context, _ string, _ domain.Event) error    { return nil }
func (memSink) ToSession(_ context.Context, _ string, _ domain.Event) error { return nil }

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

func newDispatcher(t *testing.T) (*Coordinator, *memLimiter) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	sessions := newMemSessionStore()
	bids := newMemBidStore()
	ledgers := newMemBillingStore()
	limiter := newMemLimiter()
	slots := auction.NewSessionLocks()
	sink := memSink{}

	billingSvc := billing.NewService(ledgers, sessions, memGateway{}, nil, billing.Config{
		Policy: domain.ChargePolicyProrated,
	}, logger)
	auctions := auction.NewRegistry(bids, sessions, billingSvc, sink, slots, domain.TieBreakFIFO, logger)
	manager := session.NewManager(sessions, memPresence{}, memLockManager{}, auctions,
		billingSvc, sink, slots, nil, session.Config{}, logger)
	ranker := discovery.NewRanker(memInfluencerStore{}, sessions, memPresence{}, logger)

	return New(manager, auctions, billingSvc, ranker, limiter, Config{
		BidRateLimit:  3,
		BidRateWindow: time.Minute,
	}, logger), limiter
}

func dispatch(t *testing.T, c *Coordinator, userID, op, payload string) any {
	t.Helper()
	res, err := c.Dispatch(context.Background(), userID, op, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("%s: %v", op, err)
	}
	return res
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDispatchUnknownOperation(t *testing.T) {
	c, _ := newDispatcher(t)

	_, err := c.Dispatch(context.Background(), "user-1", "reticulate_splines", nil)
	if !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("kind = %s, want validation", domain.KindOf(err))
	}
}

func TestDispatchMalformedPayload(t *testing.T) {
	c, _ := newDispatcher(t)

	_, err := c.Dispatch(context.Background(), "user-1", OpCreateStream, json.RawMessage(`{"base_rate":`))
	if !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("kind = %s, want validation", domain.KindOf(err))
	}
}

func TestDispatchCreateStream(t *testing.T) {
	c, _ := newDispatcher(t)

	res := dispatch(t, c, "inf-1", OpCreateStream, `{"base_rate":"5","allow_bids":true}`)
	sess, ok := res.(sessionResponse)
	if !ok {
		t.Fatalf("response type = %T", res)
	}
	if sess.InfluencerID != "inf-1" || sess.Status != string(domain.SessionStatusLive) {
		t.Fatalf("response = %+v", sess)
	}
	if !sess.AllowBids {
		t.Fatal("allow_bids not carried through")
	}
}

func TestDispatchCreateStreamInvalidRate(t *testing.T) {
	c, _ := newDispatcher(t)

	_, err := c.Dispatch(context.Background(), "inf-1", OpCreateStream,
		json.RawMessage(`{"base_rate":"not-a-number"}`))
	if !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("kind = %s, want validation", domain.KindOf(err))
	}
}

func TestDispatchBidLifecycle(t *testing.T) {
	c, _ := newDispatcher(t)

	created := dispatch(t, c, "inf-1", OpCreateStream, `{"base_rate":"5","allow_bids":true}`).(sessionResponse)

	dispatch(t, c, "explorer-1", OpJoinStream, `{"session_id":"`+created.SessionID+`"}`)

	placed := dispatch(t, c, "explorer-1", OpPlaceBid,
		`{"session_id":"`+created.SessionID+`","amount":"25"}`).(bidResponse)
	if placed.Status != string(domain.BidStatusPending) {
		t.Fatalf("bid status = %s, want pending", placed.Status)
	}

	dispatch(t, c, "inf-1", OpAcceptBid,
		`{"session_id":"`+created.SessionID+`","bid_id":"`+placed.BidID+`"}`)

	dispatch(t, c, "inf-1", OpEndStream, `{"session_id":"`+created.SessionID+`"}`)

	// Ending the stream again is idempotent at the dispatch level too.
	dispatch(t, c, "inf-1", OpEndStream, `{"session_id":"`+created.SessionID+`"}`)
}

func TestDispatchPlaceBidRateLimited(t *testing.T) {
	c, _ := newDispatcher(t)
	created := dispatch(t, c, "inf-1", OpCreateStream, `{"base_rate":"5","allow_bids":true}`).(sessionResponse)

	// The limit is 3 per window; amounts escalate so each bid admits.
	for i, amount := range []string{"10", "20", "30"} {
		payload := `{"session_id":"` + created.SessionID + `","amount":"` + amount + `"}`
		if _, err := c.Dispatch(context.Background(), "explorer-1", OpPlaceBid, json.RawMessage(payload)); err != nil {
			t.Fatalf("bid %d: %v", i, err)
		}
	}

	_, err := c.Dispatch(context.Background(), "explorer-1", OpPlaceBid,
		json.RawMessage(`{"session_id":"`+created.SessionID+`","amount":"40"}`))
	if !domain.IsKind(err, domain.KindConflict) || domain.CodeOf(err) != "RateLimited" {
		t.Fatalf("got %v, want RateLimited conflict", err)
	}
}

func TestDispatchRejectBid(t *testing.T) {
	c, _ := newDispatcher(t)
	created := dispatch(t, c, "inf-1", OpCreateStream, `{"base_rate":"5","allow_bids":true}`).(sessionResponse)
	placed := dispatch(t, c, "explorer-1", OpPlaceBid,
		`{"session_id":"`+created.SessionID+`","amount":"10"}`).(bidResponse)

	dispatch(t, c, "inf-1", OpRejectBid,
		`{"session_id":"`+created.SessionID+`","bid_id":"`+placed.BidID+`"}`)

	// Accepting a rejected bid is a conflict.
	_, err := c.Dispatch(context.Background(), "inf-1", OpAcceptBid,
		json.RawMessage(`{"session_id":"`+created.SessionID+`","bid_id":"`+placed.BidID+`"}`))
	if !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("kind = %s, want conflict", domain.KindOf(err))
	}
}

func TestDispatchRefundRequiresInvolvedActor(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	sessions := newMemSessionStore()
	bids := newMemBidStore()
	ledgers := newMemBillingStore()
	slots := auction.NewSessionLocks()
	sink := memSink{}

	billingSvc := billing.NewService(ledgers, sessions, memGateway{}, nil, billing.Config{
		Policy: domain.ChargePolicyProrated,
	}, logger)
	auctions := auction.NewRegistry(bids, sessions, billingSvc, sink, slots, domain.TieBreakFIFO, logger)
	manager := session.NewManager(sessions, memPresence{}, memLockManager{}, auctions,
		billingSvc, sink, slots, nil, session.Config{}, logger)
	ranker := discovery.NewRanker(memInfluencerStore{}, sessions, memPresence{}, logger)
	c := New(manager, auctions, billingSvc, ranker, newMemLimiter(), Config{
		BidRateLimit:  100,
		BidRateWindow: time.Minute,
	}, logger)

	created := dispatch(t, c, "inf-1", OpCreateStream, `{"base_rate":"5","allow_bids":true}`).(sessionResponse)
	placed := dispatch(t, c, "explorer-1", OpPlaceBid,
		`{"session_id":"`+created.SessionID+`","amount":"25"}`).(bidResponse)
	dispatch(t, c, "inf-1", OpAcceptBid,
		`{"session_id":"`+created.SessionID+`","bid_id":"`+placed.BidID+`"}`)

	entry, err := ledgers.GetOpenBySession(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("open ledger lookup: %v", err)
	}

	// The dispatching user is the refund actor: a bystander is refused,
	// the session's influencer is not.
	_, err = c.Dispatch(context.Background(), "someone-else", OpRefundBilling,
		json.RawMessage(`{"billing_id":"`+entry.ID+`"}`))
	if !domain.IsKind(err, domain.KindUnauthorized) {
		t.Fatalf("kind = %s, want unauthorized", domain.KindOf(err))
	}

	dispatch(t, c, "inf-1", OpRefundBilling, `{"billing_id":"`+entry.ID+`"}`)
}

func TestDispatchMissingRequiredFields(t *testing.T) {
	c, _ := newDispatcher(t)

	tests := []struct {
		op      string
		payload string
	}{
		{OpJoinStream, `{}`},
		{OpEndStream, `{}`},
		{OpPlaceBid, `{"amount":"10"}`},
		{OpPlaceBid, `{"session_id":"sess-1"}`},
		{OpAcceptBid, `{"session_id":"sess-1"}`},
		{OpRejectBid, `{"bid_id":"bid-1"}`},
		{OpRefundBilling, `{}`},
	}
	for _, tc := range tests {
		_, err := c.Dispatch(context.Background(), "user-1", tc.op, json.RawMessage(tc.payload))
		if !domain.IsKind(err, domain.KindValidation) {
			t.Fatalf("%s %s: kind = %s, want validation", tc.op, tc.payload, domain.KindOf(err))
		}
	}
}

func TestDispatchListInfluencers(t *testing.T) {
	c, _ := newDispatcher(t)

	res := dispatch(t, c, "user-1", OpListInfluencers, `{"limit":10}`)
	listing, ok := res.(listingResponse)
	if !ok {
		t.Fatalf("response type = %T", res)
	}
	if listing.HasNextPage || len(listing.Items) != 0 {
		t.Fatalf("listing = %+v, want empty", listing)
	}
}
