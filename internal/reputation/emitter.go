// Package reputation emits reputation-delta events to the external trust
// subsystem when trades reach terminal outcomes.
//
// Emission is fire-and-forget with respect to the state machine: a failed
// emit is logged and left to the sink's own at-least-once delivery; it never
// blocks or rolls back a trade transition.
package reputation

import (
	"context"
	"log/slog"
	"time"

	"github.com/vidiaspot/p2p-engine/internal/model"
)

// Event reason classes consumed by the trust subsystem.
const (
	ReasonTradeCompleted      = "trade_completed"
	ReasonDisputeRefunded     = "dispute_refunded"
	ReasonExcessiveCancelling = "excessive_cancellation"
)

// Sink delivers reputation deltas. At-least-once delivery is the sink's
// responsibility, not this engine's.
type Sink interface {
	Emit(ctx context.Context, userID string, delta int, reason, tradeID string) error
}

// Emitter is the single place reputation side effects originate. It is
// triggered only from terminal-state transitions so that exactly the
// intended events fire exactly once per trade.
type Emitter struct {
	sink    Sink
	timeout time.Duration
}

// NewEmitter creates an emitter delivering through sink. Each emit gets its
// own timeout since the caller's request context may be gone by then.
func NewEmitter(sink Sink, timeout time.Duration) *Emitter {
	return &Emitter{sink: sink, timeout: timeout}
}

// TradeCompleted fires positive events for both parties.
func (e *Emitter) TradeCompleted(t *model.Trade) {
	e.emit(t.BuyerID, +1, ReasonTradeCompleted, t.ID)
	e.emit(t.SellerID, +1, ReasonTradeCompleted, t.ID)
}

// DisputeRefunded fires a negative event for the party the arbitration went
// against.
func (e *Emitter) DisputeRefunded(t *model.Trade, againstUserID string) {
	e.emit(againstUserID, -1, ReasonDisputeRefunded, t.ID)
}

// ExcessiveCancellation fires a negative event for a party cancelling too
// often.
func (e *Emitter) ExcessiveCancellation(userID, tradeID string) {
	e.emit(userID, -1, ReasonExcessiveCancelling, tradeID)
}

func (e *Emitter) emit(userID string, delta int, reason, tradeID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		if err := e.sink.Emit(ctx, userID, delta, reason, tradeID); err != nil {
			slog.Error("reputation emit failed",
				"user", userID,
				"delta", delta,
				"reason", reason,
				"trade_id", tradeID,
				"err", err,
			)
			return
		}
		slog.Info("reputation event emitted",
			"user", userID,
			"delta", delta,
			"reason", reason,
			"trade_id", tradeID,
		)
	}()
}
