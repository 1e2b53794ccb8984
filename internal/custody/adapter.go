// Package custody translates trade lifecycle events into instructions for
// the external custody ledger and reconciles its confirmations.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vidiaspot/p2p-engine/internal/metrics"
	"github.com/vidiaspot/p2p-engine/internal/model"
	"github.com/vidiaspot/p2p-engine/internal/store"
)

var (
	// ErrFailure is returned when the custody backend keeps failing after
	// the bounded retry budget is exhausted. The trade is left in its
	// pre-release state for a later attempt; it is never marked completed.
	ErrFailure = errors.New("custody: backend failure")

	// ErrInvalidStatus is returned when an instruction does not match the
	// handle's current custody status (e.g. releasing before deposit).
	ErrInvalidStatus = errors.New("custody: invalid handle status")
)

// Backend is the external custody ledger. Transfer must be idempotent for a
// stable handle reference; that is what permits automatic retry here.
type Backend interface {
	OpenAddress(ctx context.Context, asset string) (ref string, err error)
	ConfirmDeposit(ctx context.Context, ref string) (bool, error)
	Transfer(ctx context.Context, ref, destination string, amount decimal.Decimal) (txRef string, err error)
}

// Adapter issues custody instructions and tracks one escrow handle per trade.
type Adapter struct {
	store   store.Store
	backend Backend

	maxAttempts int
	baseDelay   time.Duration
}

// NewAdapter creates a custody adapter. Release/refund transfers are retried
// up to maxAttempts with exponential backoff starting at baseDelay.
func NewAdapter(st store.Store, backend Backend, maxAttempts int, baseDelay time.Duration) *Adapter {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Adapter{
		store:       st,
		backend:     backend,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// OpenHandle creates the one escrow handle for a trade, in AwaitingDeposit.
func (a *Adapter) OpenHandle(ctx context.Context, tradeID, asset string) (*model.EscrowHandle, error) {
	ref, err := a.backend.OpenAddress(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("open custody address for trade %s: %w", tradeID, err)
	}

	handle := &model.EscrowHandle{
		TradeID:    tradeID,
		CustodyRef: ref,
		Status:     model.EscrowAwaitingDeposit,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.CreateEscrowHandle(ctx, handle); err != nil {
		return nil, fmt.Errorf("persist escrow handle for trade %s: %w", tradeID, err)
	}
	return handle, nil
}

// MarkHeld records the backend's deposit confirmation:
// AwaitingDeposit → Held.
func (a *Adapter) MarkHeld(ctx context.Context, tradeID string) (*model.EscrowHandle, error) {
	handle, err := a.store.GetEscrowHandle(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if handle.Status != model.EscrowAwaitingDeposit {
		return nil, fmt.Errorf("mark held on %s handle: %w", handle.Status, ErrInvalidStatus)
	}

	confirmed, err := a.backend.ConfirmDeposit(ctx, handle.CustodyRef)
	if err != nil {
		return nil, fmt.Errorf("confirm deposit for trade %s: %w", tradeID, err)
	}
	if !confirmed {
		return nil, fmt.Errorf("deposit for trade %s not confirmed by backend: %w", tradeID, ErrInvalidStatus)
	}

	handle.Status = model.EscrowHeld
	if err := a.store.UpdateEscrowHandle(ctx, handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// Discard removes a handle that never received a deposit, when trade
// creation was abandoned after the handle was opened. Funds already held
// cannot be discarded.
func (a *Adapter) Discard(ctx context.Context, tradeID string) error {
	handle, err := a.store.GetEscrowHandle(ctx, tradeID)
	if err != nil {
		return err
	}
	if handle.Status != model.EscrowAwaitingDeposit {
		return fmt.Errorf("discard %s handle: %w", handle.Status, ErrInvalidStatus)
	}
	return a.store.DeleteEscrowHandle(ctx, tradeID)
}

// Release moves held funds to the destination: Held → Released. Safe to call
// again after a transient failure; a handle already released returns the
// recorded transaction reference without a second transfer.
func (a *Adapter) Release(ctx context.Context, tradeID, destination string) (txRef string, err error) {
	return a.settle(ctx, tradeID, destination, model.EscrowReleased)
}

// Refund returns held funds to the depositor: Held → Refunded. Same retry
// and idempotency semantics as Release.
func (a *Adapter) Refund(ctx context.Context, tradeID, destination string) (txRef string, err error) {
	return a.settle(ctx, tradeID, destination, model.EscrowRefunded)
}

func (a *Adapter) settle(ctx context.Context, tradeID, destination string, target model.EscrowStatus) (string, error) {
	handle, err := a.store.GetEscrowHandle(ctx, tradeID)
	if err != nil {
		return "", err
	}

	// Already settled this way: idempotent success, exactly one transfer.
	if handle.Status == target && handle.TxRef != "" {
		return handle.TxRef, nil
	}
	if handle.Status != model.EscrowHeld {
		return "", fmt.Errorf("settle %s on %s handle: %w", target, handle.Status, ErrInvalidStatus)
	}

	trade, err := a.store.GetTrade(ctx, tradeID)
	if err != nil {
		return "", err
	}

	txRef, err := a.transferWithRetry(ctx, handle.CustodyRef, destination, trade.Quantity)
	if err != nil {
		return "", err
	}

	handle.Status = target
	handle.TxRef = txRef
	if err := a.store.UpdateEscrowHandle(ctx, handle); err != nil {
		return "", err
	}
	return txRef, nil
}

// transferWithRetry calls the backend with bounded exponential backoff.
// The backend's idempotency per handle ref guarantees at most one transfer
// even when a confirmation was lost in flight.
func (a *Adapter) transferWithRetry(ctx context.Context, ref, destination string, amount decimal.Decimal) (string, error) {
	delay := a.baseDelay
	var lastErr error

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		txRef, err := a.backend.Transfer(ctx, ref, destination, amount)
		if err == nil {
			return txRef, nil
		}
		lastErr = err

		slog.Warn("custody transfer failed",
			"ref", ref,
			"attempt", attempt,
			"max_attempts", a.maxAttempts,
			"err", err,
		)
		if attempt == a.maxAttempts {
			break
		}
		metrics.CustodyRetries.Inc()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return "", fmt.Errorf("transfer on %s after %d attempts: %w (%v)", ref, a.maxAttempts, ErrFailure, lastErr)
}
