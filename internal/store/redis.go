package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/vidiaspot/p2p-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for listing and trade lookups. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
//
// Capacity arithmetic is never served from cache: the listing entry is
// invalidated on every reserve/commit/release so that reads reconverge.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Listings ---

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	if err := s.primary.CreateListing(ctx, l); err != nil {
		return err
	}
	s.cacheListing(ctx, l)
	return nil
}

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(id)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheListing(ctx, l)
	return l, nil
}

func (s *CachedStore) ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, error) {
	return s.primary.ListListings(ctx, f)
}

func (s *CachedStore) UpdateListingStatus(ctx context.Context, id string, status model.ListingStatus) error {
	if err := s.primary.UpdateListingStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(id))
	return nil
}

// --- Capacity arithmetic (write to primary, invalidate) ---

func (s *CachedStore) ReserveQuantity(ctx context.Context, listingID string, qty decimal.Decimal) (bool, error) {
	ok, err := s.primary.ReserveQuantity(ctx, listingID, qty)
	if err == nil && ok {
		s.rdb.Del(ctx, listingKey(listingID))
	}
	return ok, err
}

func (s *CachedStore) CommitQuantity(ctx context.Context, listingID string, qty decimal.Decimal) error {
	if err := s.primary.CommitQuantity(ctx, listingID, qty); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(listingID))
	return nil
}

func (s *CachedStore) ReleaseQuantity(ctx context.Context, listingID string, qty decimal.Decimal) error {
	if err := s.primary.ReleaseQuantity(ctx, listingID, qty); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(listingID))
	return nil
}

// --- Trades ---

func (s *CachedStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	if err := s.primary.CreateTrade(ctx, t); err != nil {
		return err
	}
	s.cacheTrade(ctx, t)
	return nil
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	data, err := s.rdb.Get(ctx, tradeKey(id)).Bytes()
	if err == nil {
		var t model.Trade
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheTrade(ctx, t)
	return t, nil
}

func (s *CachedStore) UpdateTrade(ctx context.Context, t *model.Trade) error {
	if err := s.primary.UpdateTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradeKey(t.ID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string, state model.TradeState) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID, state)
}

func (s *CachedStore) ListAutoReleaseCandidates(ctx context.Context, now time.Time) ([]model.Trade, error) {
	return s.primary.ListAutoReleaseCandidates(ctx, now)
}

func (s *CachedStore) ListDepositTimeoutCandidates(ctx context.Context, cutoff time.Time) ([]model.Trade, error) {
	return s.primary.ListDepositTimeoutCandidates(ctx, cutoff)
}

func (s *CachedStore) CountUserTradesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.primary.CountUserTradesSince(ctx, userID, since)
}

func (s *CachedStore) SumUserVolumeSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	return s.primary.SumUserVolumeSince(ctx, userID, since)
}

func (s *CachedStore) CountUserCancellationsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.primary.CountUserCancellationsSince(ctx, userID, since)
}

func (s *CachedStore) CreateEscrowHandle(ctx context.Context, h *model.EscrowHandle) error {
	return s.primary.CreateEscrowHandle(ctx, h)
}

func (s *CachedStore) GetEscrowHandle(ctx context.Context, tradeID string) (*model.EscrowHandle, error) {
	return s.primary.GetEscrowHandle(ctx, tradeID)
}

func (s *CachedStore) UpdateEscrowHandle(ctx context.Context, h *model.EscrowHandle) error {
	return s.primary.UpdateEscrowHandle(ctx, h)
}

func (s *CachedStore) DeleteEscrowHandle(ctx context.Context, tradeID string) error {
	return s.primary.DeleteEscrowHandle(ctx, tradeID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheListing(ctx context.Context, l *model.Listing) {
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, listingKey(l.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheTrade(ctx context.Context, t *model.Trade) {
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, tradeKey(t.ID), data, s.ttl)
	}
}

func listingKey(id string) string { return fmt.Sprintf("listing:%s", id) }
func tradeKey(id string) string   { return fmt.Sprintf("trade:%s", id) }
