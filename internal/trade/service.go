// Package trade owns the trade lifecycle: creation against a listing,
// payment confirmation, custodial release, dispute, and cancellation.
//
// Transitions are serialized per trade; transitions on different trades
// proceed fully in parallel. The listing's capacity lock is never held
// across custody I/O — capacity commits only after custody confirms.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vidiaspot/p2p-engine/internal/capacity"
	"github.com/vidiaspot/p2p-engine/internal/custody"
	"github.com/vidiaspot/p2p-engine/internal/metrics"
	"github.com/vidiaspot/p2p-engine/internal/model"
	"github.com/vidiaspot/p2p-engine/internal/reputation"
	"github.com/vidiaspot/p2p-engine/internal/risk"
	"github.com/vidiaspot/p2p-engine/internal/store"
)

var (
	// ErrInvalidTransition is returned when a transition is attempted from a
	// non-matching state or by an unauthorized role. The trade is left
	// unchanged.
	ErrInvalidTransition = errors.New("trade: invalid transition")

	// ErrQuantityOutOfRange is returned when the requested quantity falls
	// outside the listing's min/max limits. Checked before the capacity
	// ledger is consulted.
	ErrQuantityOutOfRange = errors.New("trade: quantity outside listing limits")
)

// DisputeOutcome is the arbitration decision applied by ResolveDispute.
type DisputeOutcome string

const (
	OutcomeCompleted DisputeOutcome = "completed"
	OutcomeRefunded  DisputeOutcome = "refunded"
)

// Config tunes lifecycle policy outside the listing's own terms.
type Config struct {
	// DepositTimeout: a trade stuck in Pending this long with no deposit
	// auto-cancels.
	DepositTimeout time.Duration

	// CancelWindow and CancelLimit: reaching CancelLimit cancellations
	// within the window triggers a negative reputation event.
	CancelWindow time.Duration
	CancelLimit  int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DepositTimeout: 2 * time.Hour,
		CancelWindow:   24 * time.Hour,
		CancelLimit:    3,
	}
}

// Service is the trade state machine and its collaborators.
type Service struct {
	store      store.Store
	ledger     *capacity.Ledger
	gate       *risk.Gate
	custody    *custody.Adapter
	reputation *reputation.Emitter
	wsHub      *WSHub // optional, nil disables broadcasting
	cfg        Config

	locks lockMap // per-trade transition serialization

	mu     sync.Mutex
	tokens map[string]*capacity.Token // trade ID → live reservation
}

// NewService wires the state machine to its collaborators.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, ledger *capacity.Ledger, gate *risk.Gate, cust *custody.Adapter, rep *reputation.Emitter, hub *WSHub, cfg Config) *Service {
	return &Service{
		store:      st,
		ledger:     ledger,
		gate:       gate,
		custody:    cust,
		reputation: rep,
		wsHub:      hub,
		cfg:        cfg,
		tokens:     make(map[string]*capacity.Token),
	}
}

// Create opens a trade against a listing: risk gate → capacity reserve →
// trade in Pending with an escrow handle awaiting deposit. Listing price,
// limits, and fees are snapshotted onto the trade.
func (s *Service) Create(ctx context.Context, listingID, initiatorID string, qty decimal.Decimal, settlement model.Settlement) (*model.Trade, error) {
	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != model.ListingActive {
		return nil, fmt.Errorf("%w: listing %s is %s", ErrInvalidTransition, listingID, listing.Status)
	}
	if initiatorID == listing.OwnerID {
		return nil, fmt.Errorf("%w: cannot trade against own listing", ErrInvalidTransition)
	}
	if qty.LessThan(listing.MinQuantity) || qty.GreaterThan(listing.MaxQuantity) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]",
			ErrQuantityOutOfRange, qty, listing.MinQuantity, listing.MaxQuantity)
	}

	// Roles are fixed here, from the listing direction, and never re-derived.
	var buyerID, sellerID string
	var initiatorRole model.Role
	if listing.Direction == model.DirectionSell {
		buyerID, sellerID = initiatorID, listing.OwnerID
		initiatorRole = model.RoleBuyer
	} else {
		buyerID, sellerID = listing.OwnerID, initiatorID
		initiatorRole = model.RoleSeller
	}

	// Listing owners may require a minimum counterparty trust tier.
	if listing.RequiredTier > 0 {
		ok, err := s.gate.MeetsTier(ctx, initiatorID, listing.RequiredTier)
		if err != nil {
			return nil, err
		}
		if !ok {
			metrics.RiskBlocks.WithLabelValues("listing_tier_requirement").Inc()
			return nil, fmt.Errorf("%w: listing requires trust tier %d", risk.ErrBlocked, listing.RequiredTier)
		}
	}

	amount := qty.Mul(listing.UnitPrice)
	if err := s.checkRisk(ctx, initiatorID, amount); err != nil {
		return nil, err
	}

	token, err := s.ledger.Reserve(ctx, listingID, qty)
	if err != nil {
		if errors.Is(err, capacity.ErrInsufficientCapacity) {
			metrics.CapacityRejections.Inc()
			return nil, fmt.Errorf("%w: listing %s has %s remaining",
				capacity.ErrInsufficientCapacity, listingID, listing.Remaining())
		}
		return nil, err
	}

	fee := amount.Mul(listing.FeePercent).Div(decimal.NewFromInt(100)).Add(listing.FeeFixed)
	now := time.Now().UTC()
	trade := &model.Trade{
		ID:               uuid.New().String(),
		Reference:        newTradeReference(),
		ListingID:        listingID,
		BuyerID:          buyerID,
		SellerID:         sellerID,
		InitiatorRole:    initiatorRole,
		Quantity:         qty,
		UnitPrice:        listing.UnitPrice,
		SettlementAmount: amount,
		Fee:              fee,
		Settlement:       settlement,
		State:            model.TradePending,
		CreatedAt:        now,
	}

	handle, err := s.custody.OpenHandle(ctx, trade.ID, listing.OfferedAsset)
	if err != nil {
		s.releaseToken(ctx, trade.ID, token)
		return nil, err
	}
	trade.EscrowRef = handle.CustodyRef

	if err := s.store.CreateTrade(ctx, trade); err != nil {
		if derr := s.custody.Discard(ctx, trade.ID); derr != nil {
			slog.Error("failed to discard escrow handle after aborted create",
				"trade_id", trade.ID, "err", derr)
		}
		s.releaseToken(ctx, trade.ID, token)
		return nil, fmt.Errorf("persist trade: %w", err)
	}

	s.mu.Lock()
	s.tokens[trade.ID] = token
	s.mu.Unlock()

	metrics.TradesCreated.Inc()
	slog.Info("trade created",
		"trade_id", trade.ID,
		"reference", trade.Reference,
		"listing_id", listingID,
		"buyer", buyerID,
		"seller", sellerID,
		"quantity", qty.String(),
		"amount", amount.String(),
	)
	s.broadcast(trade, "trade_created")
	return trade, nil
}

// ConfirmPayment signals that the buyer has sent the off-band settlement.
// No funds move. Pending → PaymentConfirmed, buyer of record only.
func (s *Service) ConfirmPayment(ctx context.Context, tradeID, actorID string) (*model.Trade, error) {
	unlock := s.locks.lock(tradeID)
	defer unlock()

	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.State != model.TradePending {
		return nil, fmt.Errorf("%w: confirm payment from %s", ErrInvalidTransition, trade.State)
	}
	if actorID != trade.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer can confirm payment", ErrInvalidTransition)
	}

	now := time.Now().UTC()
	trade.State = model.TradePaymentConfirmed
	trade.ConfirmedAt = &now
	if err := s.store.UpdateTrade(ctx, trade); err != nil {
		return nil, err
	}

	metrics.TradeTransitions.WithLabelValues(string(model.TradePaymentConfirmed)).Inc()
	slog.Info("payment confirmed", "trade_id", tradeID, "buyer", actorID)
	s.broadcast(trade, "payment_confirmed")
	return trade, nil
}

// ConfirmDeposit reconciles the custody backend's deposit confirmation into
// the escrow handle: AwaitingDeposit → Held.
func (s *Service) ConfirmDeposit(ctx context.Context, tradeID string) (*model.EscrowHandle, error) {
	unlock := s.locks.lock(tradeID)
	defer unlock()

	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.State.Terminal() {
		return nil, fmt.Errorf("%w: deposit on %s trade", ErrInvalidTransition, trade.State)
	}

	handle, err := s.custody.MarkHeld(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	slog.Info("escrow deposit confirmed", "trade_id", tradeID, "custody_ref", handle.CustodyRef)
	return handle, nil
}

// ReleaseCustody completes the trade: PaymentConfirmed → Completed, seller
// of record only. The risk gate re-runs, custody transfers to the buyer,
// and only after custody confirms does the capacity reservation commit.
func (s *Service) ReleaseCustody(ctx context.Context, tradeID, actorID string) (*model.Trade, error) {
	return s.release(ctx, tradeID, actorID, false)
}

func (s *Service) release(ctx context.Context, tradeID, actorID string, auto bool) (*model.Trade, error) {
	unlock := s.locks.lock(tradeID)
	defer unlock()

	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.State != model.TradePaymentConfirmed {
		return nil, fmt.Errorf("%w: release custody from %s", ErrInvalidTransition, trade.State)
	}
	if actorID != trade.SellerID {
		return nil, fmt.Errorf("%w: only the seller can release custody", ErrInvalidTransition)
	}

	// Risk profile may have changed since creation; re-check before funds move.
	if err := s.checkRisk(ctx, trade.SellerID, trade.SettlementAmount); err != nil {
		return nil, err
	}

	// Custody confirms first, then the terminal state is persisted, then
	// capacity settles. The custody call is idempotent per handle, and a
	// retry after a failed write finds the trade still payment-confirmed
	// with its reservation intact, so the arithmetic applies exactly once.
	if _, err := s.custody.Release(ctx, tradeID, trade.BuyerID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	trade.State = model.TradeCompleted
	trade.CompletedAt = &now
	if err := s.store.UpdateTrade(ctx, trade); err != nil {
		return nil, err
	}
	s.settleCapacity(ctx, trade, true)

	metrics.TradeTransitions.WithLabelValues(string(model.TradeCompleted)).Inc()
	if auto {
		metrics.AutoReleases.Inc()
	}
	slog.Info("custody released", "trade_id", tradeID, "seller", actorID, "auto", auto)
	s.reputation.TradeCompleted(trade)
	s.broadcast(trade, "trade_completed")
	return trade, nil
}

// Dispute flags the trade: Pending|PaymentConfirmed → Disputed. Either party
// may raise it; a reason is required. Auto-release is suspended by the state
// change itself.
func (s *Service) Dispute(ctx context.Context, tradeID, actorID, reason string) (*model.Trade, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: dispute requires a reason", ErrInvalidTransition)
	}

	unlock := s.locks.lock(tradeID)
	defer unlock()

	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.State != model.TradePending && trade.State != model.TradePaymentConfirmed {
		return nil, fmt.Errorf("%w: dispute from %s", ErrInvalidTransition, trade.State)
	}
	if actorID != trade.BuyerID && actorID != trade.SellerID {
		return nil, fmt.Errorf("%w: only a trade party can dispute", ErrInvalidTransition)
	}

	trade.State = model.TradeDisputed
	trade.DisputeReason = reason
	if err := s.store.UpdateTrade(ctx, trade); err != nil {
		return nil, err
	}

	metrics.TradeTransitions.WithLabelValues(string(model.TradeDisputed)).Inc()
	slog.Info("trade disputed", "trade_id", tradeID, "actor", actorID, "reason", reason)
	s.broadcast(trade, "trade_disputed")
	return trade, nil
}

// ResolveDispute applies the external arbitration decision:
// Disputed → Completed (custody releases to buyer, capacity commits) or
// Disputed → Refunded (custody refunds to seller if held, capacity releases).
func (s *Service) ResolveDispute(ctx context.Context, tradeID string, outcome DisputeOutcome) (*model.Trade, error) {
	unlock := s.locks.lock(tradeID)
	defer unlock()

	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.State != model.TradeDisputed {
		return nil, fmt.Errorf("%w: resolve dispute from %s", ErrInvalidTransition, trade.State)
	}

	now := time.Now().UTC()
	commit := false
	switch outcome {
	case OutcomeCompleted:
		// A completed outcome takes the same custodial release path as a
		// seller release, risk re-check included.
		if err := s.checkRisk(ctx, trade.SellerID, trade.SettlementAmount); err != nil {
			return nil, err
		}
		if _, err := s.custody.Release(ctx, tradeID, trade.BuyerID); err != nil {
			return nil, err
		}
		trade.State = model.TradeCompleted
		trade.CompletedAt = &now
		commit = true

	case OutcomeRefunded:
		handle, err := s.store.GetEscrowHandle(ctx, tradeID)
		if err != nil {
			return nil, err
		}
		// Refund only applies to funds actually held; a dispute raised
		// before deposit has nothing to move.
		if handle.Status == model.EscrowHeld {
			if _, err := s.custody.Refund(ctx, tradeID, trade.SellerID); err != nil {
				return nil, err
			}
		}
		trade.State = model.TradeRefunded
		trade.CompletedAt = &now

	default:
		return nil, fmt.Errorf("%w: unknown dispute outcome %q", ErrInvalidTransition, outcome)
	}

	if err := s.store.UpdateTrade(ctx, trade); err != nil {
		return nil, err
	}
	s.settleCapacity(ctx, trade, commit)

	metrics.TradeTransitions.WithLabelValues(string(trade.State)).Inc()
	slog.Info("dispute resolved", "trade_id", tradeID, "outcome", string(outcome))
	if trade.State == model.TradeCompleted {
		s.reputation.TradeCompleted(trade)
	} else {
		s.reputation.DisputeRefunded(trade, trade.BuyerID)
	}
	s.broadcast(trade, "dispute_resolved")
	return trade, nil
}

// Cancel abandons a trade before any funds were deposited:
// Pending|PaymentConfirmed → Cancelled. Capacity returns to the pool. Once
// escrow is held, cancellation must go through dispute and refund instead.
func (s *Service) Cancel(ctx context.Context, tradeID, actorID string) (*model.Trade, error) {
	unlock := s.locks.lock(tradeID)
	defer unlock()

	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.State != model.TradePending && trade.State != model.TradePaymentConfirmed {
		return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, trade.State)
	}
	if actorID != trade.BuyerID && actorID != trade.SellerID {
		return nil, fmt.Errorf("%w: only a trade party can cancel", ErrInvalidTransition)
	}

	handle, err := s.store.GetEscrowHandle(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if handle.Status != model.EscrowAwaitingDeposit {
		return nil, fmt.Errorf("%w: escrow is %s, cancellation requires dispute", ErrInvalidTransition, handle.Status)
	}

	trade.State = model.TradeCancelled
	if err := s.store.UpdateTrade(ctx, trade); err != nil {
		return nil, err
	}
	s.settleCapacity(ctx, trade, false)

	metrics.TradeTransitions.WithLabelValues(string(model.TradeCancelled)).Inc()
	slog.Info("trade cancelled", "trade_id", tradeID, "actor", actorID)

	since := time.Now().UTC().Add(-s.cfg.CancelWindow)
	if count, err := s.store.CountUserCancellationsSince(ctx, actorID, since); err == nil && count >= s.cfg.CancelLimit {
		s.reputation.ExcessiveCancellation(actorID, tradeID)
	}

	s.broadcast(trade, "trade_cancelled")
	return trade, nil
}

// ListUserTrades returns the user's trades, optionally filtered by state.
func (s *Service) ListUserTrades(ctx context.Context, userID string, state model.TradeState) ([]model.Trade, error) {
	return s.store.ListTradesByUser(ctx, userID, state)
}

// Get returns a trade by ID.
func (s *Service) Get(ctx context.Context, tradeID string) (*model.Trade, error) {
	return s.store.GetTrade(ctx, tradeID)
}

// --- Capacity token plumbing ---

// settleCapacity applies the trade's capacity arithmetic once the terminal
// state is durable. Commit spends the reservation; release returns it to the
// pool. A failure leaves the reservation in place and is logged for
// reconciliation; it never re-applies on a later call because the trade is
// already terminal.
func (s *Service) settleCapacity(ctx context.Context, trade *model.Trade, commit bool) {
	var err error
	if commit {
		err = s.commitToken(ctx, trade)
	} else {
		err = s.settleTokenRelease(ctx, trade)
	}
	if err != nil {
		slog.Error("capacity settlement failed on terminal trade",
			"trade_id", trade.ID,
			"listing_id", trade.ListingID,
			"commit", commit,
			"err", err,
		)
	}
}

// commitToken spends the trade's reservation permanently.
func (s *Service) commitToken(ctx context.Context, trade *model.Trade) error {
	token := s.takeToken(trade.ID)
	if token == nil {
		// Reservation was minted by a previous process; reconcile directly.
		return s.store.CommitQuantity(ctx, trade.ListingID, trade.Quantity)
	}
	if err := s.ledger.Commit(ctx, token); err != nil {
		s.putToken(trade.ID, token)
		return err
	}
	return nil
}

// settleTokenRelease returns the trade's reservation to the pool.
func (s *Service) settleTokenRelease(ctx context.Context, trade *model.Trade) error {
	token := s.takeToken(trade.ID)
	if token == nil {
		return s.store.ReleaseQuantity(ctx, trade.ListingID, trade.Quantity)
	}
	if err := s.ledger.Release(ctx, token); err != nil {
		s.putToken(trade.ID, token)
		return err
	}
	return nil
}

// releaseToken undoes a reservation during failed trade creation.
func (s *Service) releaseToken(ctx context.Context, tradeID string, token *capacity.Token) {
	if err := s.ledger.Release(ctx, token); err != nil {
		slog.Error("failed to release reservation after aborted create",
			"trade_id", tradeID, "err", err)
	}
}

func (s *Service) takeToken(tradeID string) *capacity.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := s.tokens[tradeID]
	delete(s.tokens, tradeID)
	return token
}

func (s *Service) putToken(tradeID string, token *capacity.Token) {
	s.mu.Lock()
	s.tokens[tradeID] = token
	s.mu.Unlock()
}

// --- Helpers ---

func (s *Service) checkRisk(ctx context.Context, subjectID string, value decimal.Decimal) error {
	verdict, err := s.gate.Evaluate(ctx, subjectID, value)
	if err != nil {
		return err
	}
	if verdict.Blocked {
		for _, rule := range verdict.Rules {
			metrics.RiskBlocks.WithLabelValues(rule).Inc()
		}
		return fmt.Errorf("%w: rules %s", risk.ErrBlocked, strings.Join(verdict.Rules, ","))
	}
	return nil
}

func (s *Service) broadcast(t *model.Trade, event string) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:      event,
		TradeID:   t.ID,
		Reference: t.Reference,
		ListingID: t.ListingID,
		State:     string(t.State),
		Quantity:  t.Quantity.String(),
		Amount:    t.SettlementAmount.String(),
	})
}

// newTradeReference builds the human-readable trade reference, e.g.
// "CT7F3A92C1E4".
func newTradeReference() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return "CT" + raw[:10]
}

// lockMap hands out one mutex per trade ID. Entries are small and bounded by
// the number of trades seen by this process.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (m *lockMap) lock(id string) (unlock func()) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*sync.Mutex)
	}
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
