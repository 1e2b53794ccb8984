// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vidiaspot/p2p-engine/internal/model"
)

// ErrNotFound is returned (wrapped) when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ListingFilter narrows ListListings results. Zero values mean "any".
type ListingFilter struct {
	OfferedAsset    string
	SettlementAsset string
	Direction       model.Direction
	Status          model.ListingStatus
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Listing operations ---

	// CreateListing persists a new listing.
	CreateListing(ctx context.Context, l *model.Listing) error

	// GetListing retrieves a listing by its ID.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// ListListings returns listings matching the filter, best price first.
	ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, error)

	// UpdateListingStatus moves a listing between active/paused/closed.
	UpdateListingStatus(ctx context.Context, id string, status model.ListingStatus) error

	// --- Capacity arithmetic (called only by the capacity ledger) ---

	// ReserveQuantity atomically increments reserved_quantity by qty if
	// available_quantity - reserved_quantity >= qty. Returns ok=false with a
	// nil error when the condition does not hold; no partial effects.
	ReserveQuantity(ctx context.Context, listingID string, qty decimal.Decimal) (ok bool, err error)

	// CommitQuantity decrements both reserved_quantity and available_quantity
	// by qty: the quantity permanently leaves the listing.
	CommitQuantity(ctx context.Context, listingID string, qty decimal.Decimal) error

	// ReleaseQuantity decrements reserved_quantity only, restoring the
	// quantity to the pool.
	ReleaseQuantity(ctx context.Context, listingID string, qty decimal.Decimal) error

	// --- Trade operations ---

	// CreateTrade persists a new trade.
	CreateTrade(ctx context.Context, t *model.Trade) error

	// GetTrade retrieves a trade by its ID.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// UpdateTrade persists the mutable fields of a trade (state, escrow ref,
	// dispute reason, timestamps).
	UpdateTrade(ctx context.Context, t *model.Trade) error

	// ListTradesByUser returns trades where the user is buyer or seller,
	// optionally filtered by state ("" = all), newest first.
	ListTradesByUser(ctx context.Context, userID string, state model.TradeState) ([]model.Trade, error)

	// ListAutoReleaseCandidates returns payment-confirmed trades whose
	// listing opted into auto-release and whose deadline has passed.
	ListAutoReleaseCandidates(ctx context.Context, now time.Time) ([]model.Trade, error)

	// ListDepositTimeoutCandidates returns pending trades created at or
	// before the cutoff.
	ListDepositTimeoutCandidates(ctx context.Context, cutoff time.Time) ([]model.Trade, error)

	// --- Rolling activity queries (risk gate, reputation) ---

	// CountUserTradesSince counts trades involving the user created after since.
	CountUserTradesSince(ctx context.Context, userID string, since time.Time) (int, error)

	// SumUserVolumeSince sums settlement amounts of the user's trades created
	// after since.
	SumUserVolumeSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)

	// CountUserCancellationsSince counts the user's cancelled trades created
	// after since.
	CountUserCancellationsSince(ctx context.Context, userID string, since time.Time) (int, error)

	// --- Escrow handles ---

	// CreateEscrowHandle persists the one handle backing a trade.
	CreateEscrowHandle(ctx context.Context, h *model.EscrowHandle) error

	// GetEscrowHandle retrieves the handle for a trade.
	GetEscrowHandle(ctx context.Context, tradeID string) (*model.EscrowHandle, error)

	// UpdateEscrowHandle persists the handle's status and transaction ref.
	UpdateEscrowHandle(ctx context.Context, h *model.EscrowHandle) error

	// DeleteEscrowHandle removes the handle for a trade that was never
	// persisted.
	DeleteEscrowHandle(ctx context.Context, tradeID string) error
}
