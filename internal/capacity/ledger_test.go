package capacity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vidiaspot/p2p-engine/internal/capacity"
	"github.com/vidiaspot/p2p-engine/internal/model"
	"github.com/vidiaspot/p2p-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedListing(t *testing.T, ms *store.MemoryStore, id string, available float64) *model.Listing {
	t.Helper()
	listing := &model.Listing{
		ID:                id,
		OwnerID:           "seller1",
		OfferedAsset:      "BTC",
		SettlementAsset:   "NGN",
		Direction:         model.DirectionSell,
		UnitPrice:         d(100),
		MinQuantity:       d(1),
		MaxQuantity:       d(1000),
		AvailableQuantity: d(available),
		ReservedQuantity:  decimal.Zero,
		Status:            model.ListingActive,
		CreatedAt:         time.Now().UTC(),
	}
	if err := ms.CreateListing(context.Background(), listing); err != nil {
		t.Fatalf("failed to seed listing: %v", err)
	}
	return listing
}

func TestReserve_HoldsQuantity(t *testing.T) {
	ms := store.NewMemoryStore()
	ledger := capacity.NewLedger(ms)
	seedListing(t, ms, "l1", 10)

	token, err := ledger.Reserve(context.Background(), "l1", d(4))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if token == nil {
		t.Fatal("expected a token")
	}

	listing, _ := ms.GetListing(context.Background(), "l1")
	if !listing.ReservedQuantity.Equal(d(4)) {
		t.Errorf("expected reserved=4, got %s", listing.ReservedQuantity)
	}
	if !listing.Remaining().Equal(d(6)) {
		t.Errorf("expected remaining=6, got %s", listing.Remaining())
	}
}

func TestReserve_InsufficientCapacity(t *testing.T) {
	ms := store.NewMemoryStore()
	ledger := capacity.NewLedger(ms)
	seedListing(t, ms, "l1", 10)

	if _, err := ledger.Reserve(context.Background(), "l1", d(11)); !errors.Is(err, capacity.ErrInsufficientCapacity) {
		t.Errorf("expected ErrInsufficientCapacity, got %v", err)
	}

	// The failed reserve must not disturb the listing.
	listing, _ := ms.GetListing(context.Background(), "l1")
	if !listing.ReservedQuantity.IsZero() {
		t.Errorf("expected reserved=0 after failed reserve, got %s", listing.ReservedQuantity)
	}
}

func TestReserve_NonPositiveQuantity(t *testing.T) {
	ms := store.NewMemoryStore()
	ledger := capacity.NewLedger(ms)
	seedListing(t, ms, "l1", 10)

	if _, err := ledger.Reserve(context.Background(), "l1", decimal.Zero); err == nil {
		t.Error("expected error for zero quantity")
	}
	if _, err := ledger.Reserve(context.Background(), "l1", d(-1)); err == nil {
		t.Error("expected error for negative quantity")
	}
}

func TestCommit_RemovesQuantityPermanently(t *testing.T) {
	ms := store.NewMemoryStore()
	ledger := capacity.NewLedger(ms)
	seedListing(t, ms, "l1", 10)

	token, err := ledger.Reserve(context.Background(), "l1", d(4))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := ledger.Commit(context.Background(), token); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	listing, _ := ms.GetListing(context.Background(), "l1")
	if !listing.AvailableQuantity.Equal(d(6)) {
		t.Errorf("expected available=6 after commit, got %s", listing.AvailableQuantity)
	}
	if !listing.ReservedQuantity.IsZero() {
		t.Errorf("expected reserved=0 after commit, got %s", listing.ReservedQuantity)
	}
}

func TestRelease_ReturnsQuantityToPool(t *testing.T) {
	ms := store.NewMemoryStore()
	ledger := capacity.NewLedger(ms)
	seedListing(t, ms, "l1", 10)

	token, err := ledger.Reserve(context.Background(), "l1", d(4))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := ledger.Release(context.Background(), token); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	listing, _ := ms.GetListing(context.Background(), "l1")
	if !listing.AvailableQuantity.Equal(d(10)) {
		t.Errorf("expected available=10 after release, got %s", listing.AvailableQuantity)
	}
	if !listing.Remaining().Equal(d(10)) {
		t.Errorf("expected remaining=10 after release, got %s", listing.Remaining())
	}
}

func TestToken_SingleUse(t *testing.T) {
	ms := store.NewMemoryStore()
	ledger := capacity.NewLedger(ms)
	seedListing(t, ms, "l1", 10)

	token, err := ledger.Reserve(context.Background(), "l1", d(4))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := ledger.Commit(context.Background(), token); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// A spent token may be neither committed nor released again.
	if err := ledger.Commit(context.Background(), token); !errors.Is(err, capacity.ErrInvalidTokenState) {
		t.Errorf("expected ErrInvalidTokenState on double commit, got %v", err)
	}
	if err := ledger.Release(context.Background(), token); !errors.Is(err, capacity.ErrInvalidTokenState) {
		t.Errorf("expected ErrInvalidTokenState on release after commit, got %v", err)
	}

	// The double spend must not move quantities a second time.
	listing, _ := ms.GetListing(context.Background(), "l1")
	if !listing.AvailableQuantity.Equal(d(6)) {
		t.Errorf("expected available=6, got %s", listing.AvailableQuantity)
	}
}

func TestReserve_ConcurrentNeverOversells(t *testing.T) {
	ms := store.NewMemoryStore()
	ledger := capacity.NewLedger(ms)
	seedListing(t, ms, "l1", 5)

	const attempts = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(context.Background(), "l1", d(1))
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
				return
			}
			if !errors.Is(err, capacity.ErrInsufficientCapacity) {
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted != 5 {
		t.Errorf("expected exactly 5 successful reservations, got %d", granted)
	}

	listing, _ := ms.GetListing(context.Background(), "l1")
	if !listing.ReservedQuantity.Equal(d(5)) {
		t.Errorf("expected reserved=5, got %s", listing.ReservedQuantity)
	}
	if !listing.Remaining().IsZero() {
		t.Errorf("expected remaining=0, got %s", listing.Remaining())
	}
}
