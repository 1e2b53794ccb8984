package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vidiaspot/p2p-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*model.Listing
	trades   map[string]*model.Trade
	escrows  map[string]*model.EscrowHandle // keyed by trade ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*model.Listing),
		trades:   make(map[string]*model.Trade),
		escrows:  make(map[string]*model.EscrowHandle),
	}
}

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.listings[l.ID]; exists {
		return fmt.Errorf("listing %s already exists", l.ID)
	}
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListListings(_ context.Context, f ListingFilter) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if f.OfferedAsset != "" && l.OfferedAsset != f.OfferedAsset {
			continue
		}
		if f.SettlementAsset != "" && l.SettlementAsset != f.SettlementAsset {
			continue
		}
		if f.Direction != "" && l.Direction != f.Direction {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		listings = append(listings, *l)
	}
	sort.Slice(listings, func(i, j int) bool {
		return listings[i].UnitPrice.LessThan(listings[j].UnitPrice)
	})
	return listings, nil
}

func (s *MemoryStore) UpdateListingStatus(_ context.Context, id string, status model.ListingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	l.Status = status
	return nil
}

// ReserveQuantity performs the check-and-increment under the store lock,
// which makes it linearizable with respect to commit/release.
func (s *MemoryStore) ReserveQuantity(_ context.Context, listingID string, qty decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[listingID]
	if !ok {
		return false, fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
	}
	if l.AvailableQuantity.Sub(l.ReservedQuantity).LessThan(qty) {
		return false, nil
	}
	l.ReservedQuantity = l.ReservedQuantity.Add(qty)
	return true, nil
}

func (s *MemoryStore) CommitQuantity(_ context.Context, listingID string, qty decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[listingID]
	if !ok {
		return fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
	}
	l.ReservedQuantity = l.ReservedQuantity.Sub(qty)
	l.AvailableQuantity = l.AvailableQuantity.Sub(qty)
	return nil
}

func (s *MemoryStore) ReleaseQuantity(_ context.Context, listingID string, qty decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[listingID]
	if !ok {
		return fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
	}
	l.ReservedQuantity = l.ReservedQuantity.Sub(qty)
	return nil
}

func (s *MemoryStore) CreateTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trades[t.ID]; exists {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[t.ID]; !ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
	}
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string, state model.TradeState) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.BuyerID != userID && t.SellerID != userID {
			continue
		}
		if state != "" && t.State != state {
			continue
		}
		trades = append(trades, *t)
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].CreatedAt.After(trades[j].CreatedAt)
	})
	return trades, nil
}

func (s *MemoryStore) ListAutoReleaseCandidates(_ context.Context, now time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.State != model.TradePaymentConfirmed || t.ConfirmedAt == nil {
			continue
		}
		l, ok := s.listings[t.ListingID]
		if !ok || !l.AutoRelease {
			continue
		}
		if t.ConfirmedAt.Add(l.AutoReleaseAfter).After(now) {
			continue
		}
		trades = append(trades, *t)
	}
	return trades, nil
}

func (s *MemoryStore) ListDepositTimeoutCandidates(_ context.Context, cutoff time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.State == model.TradePending && !t.CreatedAt.After(cutoff) {
			trades = append(trades, *t)
		}
	}
	return trades, nil
}

func (s *MemoryStore) CountUserTradesSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, t := range s.trades {
		if (t.BuyerID == userID || t.SellerID == userID) && t.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SumUserVolumeSince(_ context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, t := range s.trades {
		if (t.BuyerID == userID || t.SellerID == userID) && t.CreatedAt.After(since) {
			sum = sum.Add(t.SettlementAmount)
		}
	}
	return sum, nil
}

func (s *MemoryStore) CountUserCancellationsSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, t := range s.trades {
		if t.State != model.TradeCancelled {
			continue
		}
		if (t.BuyerID == userID || t.SellerID == userID) && t.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CreateEscrowHandle(_ context.Context, h *model.EscrowHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrows[h.TradeID]; exists {
		return fmt.Errorf("escrow handle for trade %s already exists", h.TradeID)
	}
	cp := *h
	s.escrows[h.TradeID] = &cp
	return nil
}

func (s *MemoryStore) GetEscrowHandle(_ context.Context, tradeID string) (*model.EscrowHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.escrows[tradeID]
	if !ok {
		return nil, fmt.Errorf("escrow handle for trade %s: %w", tradeID, ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) UpdateEscrowHandle(_ context.Context, h *model.EscrowHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.escrows[h.TradeID]; !ok {
		return fmt.Errorf("escrow handle for trade %s: %w", h.TradeID, ErrNotFound)
	}
	cp := *h
	s.escrows[h.TradeID] = &cp
	return nil
}

func (s *MemoryStore) DeleteEscrowHandle(_ context.Context, tradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.escrows[tradeID]; !ok {
		return fmt.Errorf("escrow handle for trade %s: %w", tradeID, ErrNotFound)
	}
	delete(s.escrows, tradeID)
	return nil
}
