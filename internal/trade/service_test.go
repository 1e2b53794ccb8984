package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vidiaspot/p2p-engine/internal/capacity"
	"github.com/vidiaspot/p2p-engine/internal/custody"
	"github.com/vidiaspot/p2p-engine/internal/model"
	"github.com/vidiaspot/p2p-engine/internal/reputation"
	"github.com/vidiaspot/p2p-engine/internal/risk"
	"github.com/vidiaspot/p2p-engine/internal/store"
	"github.com/vidiaspot/p2p-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type staticTrust struct {
	tier int
	age  int
}

func (s staticTrust) TrustTier(context.Context, string) (int, error)      { return s.tier, nil }
func (s staticTrust) AccountAgeDays(context.Context, string) (int, error) { return s.age, nil }

// mutableTrust lets a subject's tier change mid-test, between transitions.
type mutableTrust struct {
	mu   sync.Mutex
	tier int
}

func (m *mutableTrust) TrustTier(context.Context, string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier, nil
}

func (m *mutableTrust) AccountAgeDays(context.Context, string) (int, error) { return 90, nil }

func (m *mutableTrust) set(tier int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tier = tier
}

// flakyStore fails a configurable number of trade writes, simulating a store
// outage in the middle of a transition.
type flakyStore struct {
	*store.MemoryStore
	mu              sync.Mutex
	failCreateTrade int
	failUpdateTrade int
	lastCreateID    string
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemoryStore()}
}

func (f *flakyStore) arm(failCreates, failUpdates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCreateTrade = failCreates
	f.failUpdateTrade = failUpdates
}

func (f *flakyStore) CreateTrade(ctx context.Context, tr *model.Trade) error {
	f.mu.Lock()
	if f.failCreateTrade > 0 {
		f.failCreateTrade--
		f.lastCreateID = tr.ID
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryStore.CreateTrade(ctx, tr)
}

func (f *flakyStore) UpdateTrade(ctx context.Context, tr *model.Trade) error {
	f.mu.Lock()
	if f.failUpdateTrade > 0 {
		f.failUpdateTrade--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryStore.UpdateTrade(ctx, tr)
}

// fakeBackend is a deterministic custody ledger: deposits confirm on request,
// transfers always succeed.
type fakeBackend struct {
	mu        sync.Mutex
	transfers int
}

func (b *fakeBackend) OpenAddress(_ context.Context, asset string) (string, error) {
	return "custody-" + asset, nil
}

func (b *fakeBackend) ConfirmDeposit(context.Context, string) (bool, error) {
	return true, nil
}

func (b *fakeBackend) Transfer(_ context.Context, _, _ string, _ decimal.Decimal) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfers++
	return "tx-settled", nil
}

type repEvent struct {
	userID string
	delta  int
	reason string
}

type chanSink struct {
	events chan repEvent
}

func (s *chanSink) Emit(_ context.Context, userID string, delta int, reason, _ string) error {
	s.events <- repEvent{userID, delta, reason}
	return nil
}

func (s *chanSink) next(t *testing.T) repEvent {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reputation event")
		return repEvent{}
	}
}

type testEnv struct {
	svc     *trade.Service
	ms      *store.MemoryStore
	router  chi.Router
	backend *fakeBackend
	sink    *chanSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvTrust(t, staticTrust{tier: 3, age: 90})
}

func newTestEnvTrust(t *testing.T, trust risk.TrustProvider) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	return newTestEnvOn(t, ms, ms, trust)
}

// newTestEnvOn builds the environment on an arbitrary store; ms is the
// backing memory store used for direct inspection.
func newTestEnvOn(t *testing.T, st store.Store, ms *store.MemoryStore, trust risk.TrustProvider) *testEnv {
	t.Helper()
	backend := &fakeBackend{}
	sink := &chanSink{events: make(chan repEvent, 16)}

	svc := trade.NewService(
		st,
		capacity.NewLedger(st),
		risk.NewGate(st, trust, nil, risk.DefaultConfig()),
		custody.NewAdapter(st, backend, 3, time.Millisecond),
		reputation.NewEmitter(sink, time.Second),
		nil,
		trade.DefaultConfig(),
	)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r)
	})

	return &testEnv{svc: svc, ms: ms, router: r, backend: backend, sink: sink}
}

// seedListing creates an active sell listing owned by seller1: 100 per unit,
// limits [1, 50], 1% + 0.5 fee.
func seedListing(t *testing.T, ms *store.MemoryStore, id string, available float64, autoRelease bool) *model.Listing {
	t.Helper()
	listing := &model.Listing{
		ID:                id,
		OwnerID:           "seller1",
		OfferedAsset:      "BTC",
		SettlementAsset:   "NGN",
		Direction:         model.DirectionSell,
		UnitPrice:         d(100),
		MinQuantity:       d(1),
		MaxQuantity:       d(50),
		AvailableQuantity: d(available),
		ReservedQuantity:  decimal.Zero,
		FeePercent:        d(1),
		FeeFixed:          d(0.5),
		AutoRelease:       autoRelease,
		AutoReleaseAfter:  24 * time.Hour,
		Status:            model.ListingActive,
		CreatedAt:         time.Now().UTC(),
	}
	if err := ms.CreateListing(context.Background(), listing); err != nil {
		t.Fatalf("failed to seed listing: %v", err)
	}
	return listing
}

func bankSettlement() model.Settlement {
	return model.Settlement{
		Method: model.SettleBankTransfer,
		BankTransfer: &model.BankTransferDetails{
			BankName:      "First Bank",
			AccountName:   "A. Trader",
			AccountNumber: "0123456789",
		},
	}
}

func post(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func openTrade(t *testing.T, env *testEnv, listingID, actorID string, qty decimal.Decimal) model.Trade {
	t.Helper()
	w := post(t, env.router, "/api/v1/trades", trade.CreateTradeRequest{
		ListingID:  listingID,
		ActorID:    actorID,
		Quantity:   qty,
		Settlement: bankSettlement(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating trade, got %d: %s", w.Code, w.Body.String())
	}
	var tr model.Trade
	json.Unmarshal(w.Body.Bytes(), &tr)
	return tr
}

// --- Trade creation ---

func TestCreateTrade_SellListing(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)

	tr := openTrade(t, env, "l1", "buyer1", d(10))

	if tr.State != model.TradePending {
		t.Errorf("expected pending, got %s", tr.State)
	}
	if !strings.HasPrefix(tr.Reference, "CT") || len(tr.Reference) != 12 {
		t.Errorf("unexpected trade reference %q", tr.Reference)
	}
	if tr.BuyerID != "buyer1" || tr.SellerID != "seller1" {
		t.Errorf("wrong parties: buyer=%s seller=%s", tr.BuyerID, tr.SellerID)
	}
	if tr.InitiatorRole != model.RoleBuyer {
		t.Errorf("expected initiator role buyer, got %s", tr.InitiatorRole)
	}
	if !tr.SettlementAmount.Equal(d(1000)) {
		t.Errorf("expected settlement amount 1000, got %s", tr.SettlementAmount)
	}
	// 1% of 1000 plus the 0.5 fixed component.
	if !tr.Fee.Equal(d(10.5)) {
		t.Errorf("expected fee 10.5, got %s", tr.Fee)
	}
	if tr.EscrowRef == "" {
		t.Error("expected escrow ref")
	}

	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.ReservedQuantity.Equal(d(10)) {
		t.Errorf("expected reserved=10, got %s", listing.ReservedQuantity)
	}

	handle, err := env.ms.GetEscrowHandle(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("no escrow handle: %v", err)
	}
	if handle.Status != model.EscrowAwaitingDeposit {
		t.Errorf("expected awaiting_deposit, got %s", handle.Status)
	}
}

func TestCreateTrade_BuyListingSwapsRoles(t *testing.T) {
	env := newTestEnv(t)
	listing := seedListing(t, env.ms, "l1", 50, false)
	listing.ID = "l2"
	listing.Direction = model.DirectionBuy
	if err := env.ms.CreateListing(context.Background(), listing); err != nil {
		t.Fatalf("failed to seed buy listing: %v", err)
	}

	tr := openTrade(t, env, "l2", "responder1", d(10))

	if tr.BuyerID != "seller1" || tr.SellerID != "responder1" {
		t.Errorf("wrong parties for buy listing: buyer=%s seller=%s", tr.BuyerID, tr.SellerID)
	}
	if tr.InitiatorRole != model.RoleSeller {
		t.Errorf("expected initiator role seller, got %s", tr.InitiatorRole)
	}
}

func TestCreateTrade_QuantityOutsideLimits(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 100, false)

	for _, qty := range []decimal.Decimal{d(0.5), d(60)} {
		w := post(t, env.router, "/api/v1/trades", trade.CreateTradeRequest{
			ListingID: "l1", ActorID: "buyer1", Quantity: qty, Settlement: bankSettlement(),
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for quantity %s, got %d: %s", qty, w.Code, w.Body.String())
		}
	}

	// Limit rejections never touch the capacity ledger.
	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.ReservedQuantity.IsZero() {
		t.Errorf("expected reserved=0, got %s", listing.ReservedQuantity)
	}
}

func TestCreateTrade_InactiveListing(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	env.ms.UpdateListingStatus(context.Background(), "l1", model.ListingPaused)

	w := post(t, env.router, "/api/v1/trades", trade.CreateTradeRequest{
		ListingID: "l1", ActorID: "buyer1", Quantity: d(10), Settlement: bankSettlement(),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for paused listing, got %d", w.Code)
	}
}

func TestCreateTrade_OwnListing(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)

	w := post(t, env.router, "/api/v1/trades", trade.CreateTradeRequest{
		ListingID: "l1", ActorID: "seller1", Quantity: d(10), Settlement: bankSettlement(),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 trading against own listing, got %d", w.Code)
	}
}

func TestCreateTrade_InsufficientCapacity(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 5, false)

	w := post(t, env.router, "/api/v1/trades", trade.CreateTradeRequest{
		ListingID: "l1", ActorID: "buyer1", Quantity: d(10), Settlement: bankSettlement(),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient capacity, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateTrade_RiskBlocked(t *testing.T) {
	// Tier 0 caps single-transaction value at 100; 10 × 100 = 1000 blocks.
	env := newTestEnvTrust(t, staticTrust{tier: 0, age: 90})
	seedListing(t, env.ms, "l1", 50, false)

	w := post(t, env.router, "/api/v1/trades", trade.CreateTradeRequest{
		ListingID: "l1", ActorID: "buyer1", Quantity: d(10), Settlement: bankSettlement(),
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for risk block, got %d: %s", w.Code, w.Body.String())
	}

	// Blocked before the ledger: nothing reserved.
	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.ReservedQuantity.IsZero() {
		t.Errorf("expected reserved=0 after risk block, got %s", listing.ReservedQuantity)
	}
}

func TestCreateTrade_ListingTierRequirement(t *testing.T) {
	env := newTestEnvTrust(t, staticTrust{tier: 1, age: 90})
	listing := seedListing(t, env.ms, "l1", 50, false)
	listing.ID = "l2"
	listing.RequiredTier = 2
	if err := env.ms.CreateListing(context.Background(), listing); err != nil {
		t.Fatalf("failed to seed gated listing: %v", err)
	}

	w := post(t, env.router, "/api/v1/trades", trade.CreateTradeRequest{
		ListingID: "l2", ActorID: "buyer1", Quantity: d(1), Settlement: bankSettlement(),
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 below required tier, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateTrade_MismatchedSettlement(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)

	w := post(t, env.router, "/api/v1/trades", trade.CreateTradeRequest{
		ListingID: "l1", ActorID: "buyer1", Quantity: d(10),
		Settlement: model.Settlement{Method: model.SettleBankTransfer}, // details missing
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for settlement without details, got %d", w.Code)
	}
}

func TestCreateTrade_FailedPersistDiscardsEscrowHandle(t *testing.T) {
	fs := newFlakyStore()
	env := newTestEnvOn(t, fs, fs.MemoryStore, staticTrust{tier: 3, age: 90})
	seedListing(t, env.ms, "l1", 50, false)
	fs.arm(1, 0)

	w := post(t, env.router, "/api/v1/trades", trade.CreateTradeRequest{
		ListingID: "l1", ActorID: "buyer1", Quantity: d(10), Settlement: bankSettlement(),
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the trade cannot be persisted, got %d", w.Code)
	}
	if fs.lastCreateID == "" {
		t.Fatal("the failing create was never reached")
	}

	// The aborted create leaves no orphan handle and no reservation behind.
	if _, err := env.ms.GetEscrowHandle(context.Background(), fs.lastCreateID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected the escrow handle to be discarded, got %v", err)
	}
	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.ReservedQuantity.IsZero() {
		t.Errorf("expected reserved=0 after aborted create, got %s", listing.ReservedQuantity)
	}
}

func TestCreateTrade_ConcurrentNeverOversells(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 5, false)

	const attempts = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < attempts; i++ {
		actor := "buyer" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Create(context.Background(), "l1", actor, d(1), bankSettlement())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, capacity.ErrInsufficientCapacity):
				rejected++
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 5 || rejected != 5 {
		t.Errorf("expected 5 created and 5 rejected, got %d/%d", created, rejected)
	}
	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.Remaining().IsZero() {
		t.Errorf("expected remaining=0, got %s", listing.Remaining())
	}
}

// --- Payment confirmation ---

func TestConfirmPayment(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))

	// Only the buyer of record may confirm.
	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "seller1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for seller confirming payment, got %d", w.Code)
	}

	w = post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var confirmed model.Trade
	json.Unmarshal(w.Body.Bytes(), &confirmed)
	if confirmed.State != model.TradePaymentConfirmed {
		t.Errorf("expected payment_confirmed, got %s", confirmed.State)
	}
	if confirmed.ConfirmedAt == nil {
		t.Error("expected confirmed_at to be set")
	}

	// Confirming again is an invalid transition.
	w = post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for repeat confirmation, got %d", w.Code)
	}
}

// --- Release ---

func TestRelease_CompletesTrade(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))

	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})

	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/release", trade.ActorRequest{ActorID: "seller1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var done model.Trade
	json.Unmarshal(w.Body.Bytes(), &done)
	if done.State != model.TradeCompleted {
		t.Errorf("expected completed, got %s", done.State)
	}
	if done.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	// Quantity permanently left the listing.
	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.AvailableQuantity.Equal(d(40)) {
		t.Errorf("expected available=40, got %s", listing.AvailableQuantity)
	}
	if !listing.ReservedQuantity.IsZero() {
		t.Errorf("expected reserved=0, got %s", listing.ReservedQuantity)
	}

	handle, _ := env.ms.GetEscrowHandle(context.Background(), tr.ID)
	if handle.Status != model.EscrowReleased {
		t.Errorf("expected escrow released, got %s", handle.Status)
	}

	// Both parties earn a positive reputation event.
	got := map[string]repEvent{}
	for i := 0; i < 2; i++ {
		e := env.sink.next(t)
		got[e.userID] = e
	}
	for _, userID := range []string{"buyer1", "seller1"} {
		e, ok := got[userID]
		if !ok || e.delta != 1 {
			t.Errorf("expected +1 event for %s, got %+v", userID, e)
		}
	}
}

func TestRelease_RequiresConfirmedPaymentAndSeller(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})

	// Pending trade cannot release.
	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/release", trade.ActorRequest{ActorID: "seller1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 releasing pending trade, got %d", w.Code)
	}

	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})

	// The buyer cannot release.
	w = post(t, env.router, "/api/v1/trades/"+tr.ID+"/release", trade.ActorRequest{ActorID: "buyer1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for buyer releasing, got %d", w.Code)
	}
}

func TestRelease_BeforeDepositLeavesTradeIntact(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})

	// Custody rejects: no deposit was ever confirmed.
	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/release", trade.ActorRequest{ActorID: "seller1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 releasing unfunded escrow, got %d: %s", w.Code, w.Body.String())
	}

	// The trade never reached completed; capacity is still reserved.
	stored, _ := env.ms.GetTrade(context.Background(), tr.ID)
	if stored.State != model.TradePaymentConfirmed {
		t.Errorf("expected payment_confirmed, got %s", stored.State)
	}
	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.ReservedQuantity.Equal(d(10)) {
		t.Errorf("expected reserved=10, got %s", listing.ReservedQuantity)
	}
}

func TestRelease_RetryAfterFailedWriteSettlesCapacityOnce(t *testing.T) {
	fs := newFlakyStore()
	env := newTestEnvOn(t, fs, fs.MemoryStore, staticTrust{tier: 3, age: 90})
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})

	// The terminal write fails once, after custody has already transferred.
	fs.arm(0, 1)
	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/release", trade.ActorRequest{ActorID: "seller1"})
	if w.Code == http.StatusOK {
		t.Fatal("expected the first release to fail")
	}

	// The trade and its reservation are untouched by the failed attempt.
	stored, _ := env.ms.GetTrade(context.Background(), tr.ID)
	if stored.State != model.TradePaymentConfirmed {
		t.Fatalf("expected payment_confirmed after failed write, got %s", stored.State)
	}
	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.AvailableQuantity.Equal(d(50)) || !listing.ReservedQuantity.Equal(d(10)) {
		t.Fatalf("expected available=50 reserved=10, got %s/%s",
			listing.AvailableQuantity, listing.ReservedQuantity)
	}

	// The seller retries: the quantity leaves the listing exactly once.
	w = post(t, env.router, "/api/v1/trades/"+tr.ID+"/release", trade.ActorRequest{ActorID: "seller1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d: %s", w.Code, w.Body.String())
	}
	listing, _ = env.ms.GetListing(context.Background(), "l1")
	if !listing.AvailableQuantity.Equal(d(40)) || !listing.ReservedQuantity.IsZero() {
		t.Errorf("expected available=40 reserved=0, got %s/%s",
			listing.AvailableQuantity, listing.ReservedQuantity)
	}
	if env.backend.transfers != 1 {
		t.Errorf("expected exactly 1 custody transfer, got %d", env.backend.transfers)
	}
}

// --- Disputes ---

func TestDispute_RequiresReasonAndParty(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))

	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/dispute", trade.ActorRequest{ActorID: "buyer1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for dispute without reason, got %d", w.Code)
	}

	w = post(t, env.router, "/api/v1/trades/"+tr.ID+"/dispute", trade.ActorRequest{ActorID: "stranger", Reason: "no payment"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for non-party dispute, got %d", w.Code)
	}

	w = post(t, env.router, "/api/v1/trades/"+tr.ID+"/dispute", trade.ActorRequest{ActorID: "seller1", Reason: "no payment received"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var disputed model.Trade
	json.Unmarshal(w.Body.Bytes(), &disputed)
	if disputed.State != model.TradeDisputed {
		t.Errorf("expected disputed, got %s", disputed.State)
	}
	if disputed.DisputeReason != "no payment received" {
		t.Errorf("expected reason recorded, got %q", disputed.DisputeReason)
	}
}

func TestDispute_SuspendsRelease(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/dispute", trade.ActorRequest{ActorID: "buyer1", Reason: "asset not as described"})

	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/release", trade.ActorRequest{ActorID: "seller1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 releasing disputed trade, got %d", w.Code)
	}
}

func TestResolveDispute_Refunded(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/dispute", trade.ActorRequest{ActorID: "seller1", Reason: "payment never arrived"})

	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/resolve", trade.ResolveRequest{Outcome: trade.OutcomeRefunded})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resolved model.Trade
	json.Unmarshal(w.Body.Bytes(), &resolved)
	if resolved.State != model.TradeRefunded {
		t.Errorf("expected refunded, got %s", resolved.State)
	}

	handle, _ := env.ms.GetEscrowHandle(context.Background(), tr.ID)
	if handle.Status != model.EscrowRefunded {
		t.Errorf("expected escrow refunded, got %s", handle.Status)
	}

	// Capacity returns to the pool.
	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.AvailableQuantity.Equal(d(50)) || !listing.ReservedQuantity.IsZero() {
		t.Errorf("expected available=50 reserved=0, got %s/%s",
			listing.AvailableQuantity, listing.ReservedQuantity)
	}

	e := env.sink.next(t)
	if e.userID != "buyer1" || e.delta != -1 {
		t.Errorf("expected -1 event against buyer1, got %+v", e)
	}
}

func TestResolveDispute_Completed(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/dispute", trade.ActorRequest{ActorID: "buyer1", Reason: "seller unresponsive"})

	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/resolve", trade.ResolveRequest{Outcome: trade.OutcomeCompleted})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resolved model.Trade
	json.Unmarshal(w.Body.Bytes(), &resolved)
	if resolved.State != model.TradeCompleted {
		t.Errorf("expected completed, got %s", resolved.State)
	}

	handle, _ := env.ms.GetEscrowHandle(context.Background(), tr.ID)
	if handle.Status != model.EscrowReleased {
		t.Errorf("expected escrow released, got %s", handle.Status)
	}
	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.AvailableQuantity.Equal(d(40)) {
		t.Errorf("expected available=40, got %s", listing.AvailableQuantity)
	}
}

func TestResolveDispute_CompletedReRunsRiskGate(t *testing.T) {
	trust := &mutableTrust{tier: 3}
	env := newTestEnvTrust(t, trust)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/dispute", trade.ActorRequest{ActorID: "buyer1", Reason: "seller unresponsive"})

	// The seller's tier collapses while the dispute is open; tier 0 caps
	// single-transaction value at 100, well under the 1000 at stake.
	trust.set(0)

	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/resolve", trade.ResolveRequest{Outcome: trade.OutcomeCompleted})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 resolving in favor of a blocked seller, got %d: %s", w.Code, w.Body.String())
	}

	// No funds moved, the trade stays disputed.
	stored, _ := env.ms.GetTrade(context.Background(), tr.ID)
	if stored.State != model.TradeDisputed {
		t.Fatalf("expected disputed, got %s", stored.State)
	}
	handle, _ := env.ms.GetEscrowHandle(context.Background(), tr.ID)
	if handle.Status != model.EscrowHeld {
		t.Errorf("expected escrow still held, got %s", handle.Status)
	}
	if env.backend.transfers != 0 {
		t.Errorf("expected no custody transfer, got %d", env.backend.transfers)
	}

	trust.set(3)
	w = post(t, env.router, "/api/v1/trades/"+tr.ID+"/resolve", trade.ResolveRequest{Outcome: trade.OutcomeCompleted})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 once the seller passes again, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Cancellation ---

func TestCancel_BeforeDeposit(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))

	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/cancel", trade.ActorRequest{ActorID: "buyer1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cancelled model.Trade
	json.Unmarshal(w.Body.Bytes(), &cancelled)
	if cancelled.State != model.TradeCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.State)
	}

	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.Remaining().Equal(d(50)) {
		t.Errorf("expected remaining=50 after cancel, got %s", listing.Remaining())
	}
}

func TestCancel_AfterDepositRequiresDispute(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})

	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/cancel", trade.ActorRequest{ActorID: "buyer1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 cancelling funded escrow, got %d", w.Code)
	}
}

func TestCancel_RetryAfterFailedWriteReleasesCapacityOnce(t *testing.T) {
	fs := newFlakyStore()
	env := newTestEnvOn(t, fs, fs.MemoryStore, staticTrust{tier: 3, age: 90})
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))

	fs.arm(0, 1)
	w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/cancel", trade.ActorRequest{ActorID: "buyer1"})
	if w.Code == http.StatusOK {
		t.Fatal("expected the first cancel to fail")
	}
	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.ReservedQuantity.Equal(d(10)) {
		t.Fatalf("expected reserved=10 after failed write, got %s", listing.ReservedQuantity)
	}

	// The retry returns the reservation to the pool exactly once.
	w = post(t, env.router, "/api/v1/trades/"+tr.ID+"/cancel", trade.ActorRequest{ActorID: "buyer1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d: %s", w.Code, w.Body.String())
	}
	listing, _ = env.ms.GetListing(context.Background(), "l1")
	if !listing.AvailableQuantity.Equal(d(50)) || !listing.ReservedQuantity.IsZero() {
		t.Errorf("expected available=50 reserved=0, got %s/%s",
			listing.AvailableQuantity, listing.ReservedQuantity)
	}
}

func TestCancel_ExcessiveCancellationEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)

	for i := 0; i < 3; i++ {
		tr := openTrade(t, env, "l1", "buyer1", d(1))
		w := post(t, env.router, "/api/v1/trades/"+tr.ID+"/cancel", trade.ActorRequest{ActorID: "buyer1"})
		if w.Code != http.StatusOK {
			t.Fatalf("cancel %d failed: %d %s", i, w.Code, w.Body.String())
		}
	}

	// The third cancellation inside the window crosses the limit.
	e := env.sink.next(t)
	if e.userID != "buyer1" || e.delta != -1 {
		t.Errorf("expected -1 event for buyer1, got %+v", e)
	}
	if e.reason != reputation.ReasonExcessiveCancelling {
		t.Errorf("expected reason %s, got %s", reputation.ReasonExcessiveCancelling, e.reason)
	}
}

// --- Terminal states ---

func TestTerminalStatesAreFinal(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/release", trade.ActorRequest{ActorID: "seller1"})

	for _, path := range []string{"/confirm-payment", "/dispute", "/cancel", "/release"} {
		w := post(t, env.router, "/api/v1/trades/"+tr.ID+path, trade.ActorRequest{ActorID: "buyer1", Reason: "x"})
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409 for %s on completed trade, got %d", path, w.Code)
		}
	}
}

// --- Scheduler ---

func backdateConfirmation(t *testing.T, ms *store.MemoryStore, tradeID string, age time.Duration) {
	t.Helper()
	tr, err := ms.GetTrade(context.Background(), tradeID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	past := time.Now().UTC().Add(-age)
	tr.ConfirmedAt = &past
	if err := ms.UpdateTrade(context.Background(), tr); err != nil {
		t.Fatalf("update trade: %v", err)
	}
}

func TestScheduler_AutoRelease(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, true)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})
	backdateConfirmation(t, env.ms, tr.ID, 25*time.Hour)

	sched := trade.NewScheduler(env.svc, time.Minute)
	sched.ProcessAutoReleaseCandidates(context.Background())

	stored, _ := env.ms.GetTrade(context.Background(), tr.ID)
	if stored.State != model.TradeCompleted {
		t.Fatalf("expected completed after auto-release, got %s", stored.State)
	}

	transfersAfterFirst := env.backend.transfers

	// A second sweep finds nothing to do.
	sched.ProcessAutoReleaseCandidates(context.Background())
	if env.backend.transfers != transfersAfterFirst {
		t.Errorf("second sweep must not transfer again: %d vs %d",
			env.backend.transfers, transfersAfterFirst)
	}
}

func TestScheduler_AutoReleaseSkipsOptedOutListing(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})
	backdateConfirmation(t, env.ms, tr.ID, 25*time.Hour)

	trade.NewScheduler(env.svc, time.Minute).ProcessAutoReleaseCandidates(context.Background())

	stored, _ := env.ms.GetTrade(context.Background(), tr.ID)
	if stored.State != model.TradePaymentConfirmed {
		t.Errorf("opted-out listing must not auto-release, got %s", stored.State)
	}
}

func TestScheduler_AutoReleaseSkipsDisputed(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, true)
	tr := openTrade(t, env, "l1", "buyer1", d(10))
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/escrow/deposit", struct{}{})
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/confirm-payment", trade.ActorRequest{ActorID: "buyer1"})
	backdateConfirmation(t, env.ms, tr.ID, 25*time.Hour)
	post(t, env.router, "/api/v1/trades/"+tr.ID+"/dispute", trade.ActorRequest{ActorID: "buyer1", Reason: "wrong amount"})

	trade.NewScheduler(env.svc, time.Minute).ProcessAutoReleaseCandidates(context.Background())

	stored, _ := env.ms.GetTrade(context.Background(), tr.ID)
	if stored.State != model.TradeDisputed {
		t.Errorf("disputed trade must not auto-release, got %s", stored.State)
	}
}

func TestScheduler_DepositTimeout(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr := openTrade(t, env, "l1", "buyer1", d(10))

	// Backdate creation past the deposit timeout.
	stored, _ := env.ms.GetTrade(context.Background(), tr.ID)
	stored.CreatedAt = time.Now().UTC().Add(-3 * time.Hour)
	env.ms.UpdateTrade(context.Background(), stored)

	trade.NewScheduler(env.svc, time.Minute).ProcessDepositTimeouts(context.Background())

	stored, _ = env.ms.GetTrade(context.Background(), tr.ID)
	if stored.State != model.TradeCancelled {
		t.Fatalf("expected cancelled after deposit timeout, got %s", stored.State)
	}
	listing, _ := env.ms.GetListing(context.Background(), "l1")
	if !listing.Remaining().Equal(d(50)) {
		t.Errorf("expected remaining=50 after timeout cancel, got %s", listing.Remaining())
	}
}

// --- Queries ---

func TestListUserTrades(t *testing.T) {
	env := newTestEnv(t)
	seedListing(t, env.ms, "l1", 50, false)
	tr1 := openTrade(t, env, "l1", "buyer1", d(5))
	openTrade(t, env, "l1", "buyer1", d(5))
	post(t, env.router, "/api/v1/trades/"+tr1.ID+"/cancel", trade.ActorRequest{ActorID: "buyer1"})

	req := httptest.NewRequest("GET", "/api/v1/users/buyer1/trades", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}

	req = httptest.NewRequest("GET", "/api/v1/users/buyer1/trades?state=cancelled", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 || trades[0].ID != tr1.ID {
		t.Errorf("expected only the cancelled trade, got %d", len(trades))
	}
}

func TestListingAPI(t *testing.T) {
	env := newTestEnv(t)

	w := post(t, env.router, "/api/v1/listings", trade.CreateListingRequest{
		OwnerID:         "seller1",
		OfferedAsset:    "BTC",
		SettlementAsset: "NGN",
		Direction:       model.DirectionSell,
		UnitPrice:       d(100),
		MinQuantity:     d(1),
		MaxQuantity:     d(50),
		Quantity:        d(100),
		FeePercent:      d(1),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var listing model.Listing
	json.Unmarshal(w.Body.Bytes(), &listing)
	if listing.Status != model.ListingActive {
		t.Errorf("expected active listing, got %s", listing.Status)
	}
	if listing.AutoReleaseAfter != 24*time.Hour {
		t.Errorf("expected default auto-release window 24h, got %s", listing.AutoReleaseAfter)
	}

	// Only the owner may change status.
	w = post(t, env.router, "/api/v1/listings/"+listing.ID+"/status", map[string]string{
		"actor_id": "stranger", "status": "paused",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-owner status change, got %d", w.Code)
	}

	w = post(t, env.router, "/api/v1/listings/"+listing.ID+"/status", map[string]string{
		"actor_id": "seller1", "status": "paused",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Paused listings drop out of the default browse view.
	req := httptest.NewRequest("GET", "/api/v1/listings", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	var listings []model.Listing
	json.Unmarshal(rec.Body.Bytes(), &listings)
	if len(listings) != 0 {
		t.Errorf("expected no active listings, got %d", len(listings))
	}
}
