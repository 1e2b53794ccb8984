// Package capacity guards a listing's advertised quantity against
// over-commitment by concurrent trades.
//
// The ledger hands out single-use reservation tokens. The check-and-increment
// itself is delegated to the store, which performs it as one atomic operation
// (a conditional UPDATE on PostgreSQL, a lock-protected section in memory),
// so reserve is linearizable with respect to commit/release on the same
// listing.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vidiaspot/p2p-engine/internal/store"
)

var (
	// ErrInsufficientCapacity is returned when a listing cannot cover the
	// requested quantity. Reported to the caller, never retried here.
	ErrInsufficientCapacity = errors.New("capacity: insufficient capacity")

	// ErrInvalidTokenState is returned when a token is committed or released
	// more than once. This is an integration bug, not a user-facing error.
	ErrInvalidTokenState = errors.New("capacity: invalid token state")
)

// TokenState tracks a token through its single-use lifecycle.
type TokenState int

const (
	TokenReserved TokenState = iota
	TokenCommitted
	TokenReleased
)

// Token is a single-use hold against a listing's available quantity.
// It transitions Reserved → Committed or Reserved → Released, exactly once.
type Token struct {
	ID        string
	ListingID string
	Quantity  decimal.Decimal

	state TokenState // guarded by the ledger mutex
}

// Ledger tracks reservations and enforces the capacity invariant:
// 0 ≤ reserved_quantity ≤ available_quantity at all times.
type Ledger struct {
	store store.Store

	mu     sync.Mutex
	tokens map[string]*Token
}

// NewLedger creates a capacity ledger backed by the given store.
func NewLedger(st store.Store) *Ledger {
	return &Ledger{
		store:  st,
		tokens: make(map[string]*Token),
	}
}

// Reserve atomically holds qty against the listing. On success the returned
// token must later be passed to exactly one of Commit or Release.
func (l *Ledger) Reserve(ctx context.Context, listingID string, qty decimal.Decimal) (*Token, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("capacity: reserve quantity must be positive, got %s", qty)
	}

	ok, err := l.store.ReserveQuantity(ctx, listingID, qty)
	if err != nil {
		return nil, fmt.Errorf("reserve on listing %s: %w", listingID, err)
	}
	if !ok {
		return nil, ErrInsufficientCapacity
	}

	token := &Token{
		ID:        uuid.New().String(),
		ListingID: listingID,
		Quantity:  qty,
		state:     TokenReserved,
	}

	l.mu.Lock()
	l.tokens[token.ID] = token
	l.mu.Unlock()

	return token, nil
}

// Commit finalizes the reservation: the quantity permanently leaves the
// listing. The token is spent.
func (l *Ledger) Commit(ctx context.Context, token *Token) error {
	if err := l.spend(token, TokenCommitted); err != nil {
		return err
	}
	if err := l.store.CommitQuantity(ctx, token.ListingID, token.Quantity); err != nil {
		l.unspend(token)
		return fmt.Errorf("commit on listing %s: %w", token.ListingID, err)
	}
	return nil
}

// Release returns the reserved quantity to the listing's pool. The token is
// spent.
func (l *Ledger) Release(ctx context.Context, token *Token) error {
	if err := l.spend(token, TokenReleased); err != nil {
		return err
	}
	if err := l.store.ReleaseQuantity(ctx, token.ListingID, token.Quantity); err != nil {
		l.unspend(token)
		return fmt.Errorf("release on listing %s: %w", token.ListingID, err)
	}
	return nil
}

// spend transitions the token out of Reserved exactly once. Reuse is a fatal
// internal invariant violation: logged loudly for investigation.
func (l *Ledger) spend(token *Token, next TokenState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if token.state != TokenReserved {
		slog.Error("capacity token reused",
			"token_id", token.ID,
			"listing_id", token.ListingID,
			"state", token.state,
		)
		return ErrInvalidTokenState
	}
	token.state = next
	delete(l.tokens, token.ID)
	return nil
}

// unspend reverts a spend whose store write failed, so the caller may retry.
func (l *Ledger) unspend(token *Token) {
	l.mu.Lock()
	token.state = TokenReserved
	l.tokens[token.ID] = token
	l.mu.Unlock()
}
