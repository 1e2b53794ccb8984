// Package model defines the core domain types shared across the trade engine.
// All quantities and monetary values use shopspring/decimal — never float64
// for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a listing from the owner's perspective.
type Direction string

const (
	DirectionBuy  Direction = "buy"  // owner wants to acquire the asset
	DirectionSell Direction = "sell" // owner offers the asset
)

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	ListingActive ListingStatus = "active"
	ListingPaused ListingStatus = "paused"
	ListingClosed ListingStatus = "closed"
)

// Listing is a standing offer to trade a bounded quantity of an asset at a
// fixed unit price. AvailableQuantity and ReservedQuantity are mutated only
// through the capacity ledger — never assigned directly.
type Listing struct {
	ID                string          `json:"id" db:"id"`
	OwnerID           string          `json:"owner_id" db:"owner_id"`
	OfferedAsset      string          `json:"offered_asset" db:"offered_asset"`       // e.g. "BTC"
	SettlementAsset   string          `json:"settlement_asset" db:"settlement_asset"` // e.g. "NGN"
	Direction         Direction       `json:"direction" db:"direction"`
	UnitPrice         decimal.Decimal `json:"unit_price" db:"unit_price"`
	MinQuantity       decimal.Decimal `json:"min_quantity" db:"min_quantity"`
	MaxQuantity       decimal.Decimal `json:"max_quantity" db:"max_quantity"`
	AvailableQuantity decimal.Decimal `json:"available_quantity" db:"available_quantity"`
	ReservedQuantity  decimal.Decimal `json:"reserved_quantity" db:"reserved_quantity"`
	FeePercent        decimal.Decimal `json:"fee_percent" db:"fee_percent"`
	FeeFixed          decimal.Decimal `json:"fee_fixed" db:"fee_fixed"`
	AutoRelease       bool            `json:"auto_release" db:"auto_release"`
	AutoReleaseAfter  time.Duration   `json:"auto_release_after" db:"auto_release_after"`
	RequiredTier      int             `json:"required_tier" db:"required_tier"` // minimum counterparty trust tier
	Status            ListingStatus   `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Remaining is the quantity a new trade may still draw against.
func (l *Listing) Remaining() decimal.Decimal {
	return l.AvailableQuantity.Sub(l.ReservedQuantity)
}

// TradeState is the lifecycle state of a trade. Transitions are monotonic;
// no path leads out of a terminal state.
type TradeState string

const (
	TradePending          TradeState = "pending"
	TradePaymentConfirmed TradeState = "payment_confirmed"
	TradeDisputed         TradeState = "disputed"
	TradeCompleted        TradeState = "completed" // terminal
	TradeCancelled        TradeState = "cancelled" // terminal
	TradeRefunded         TradeState = "refunded"  // terminal
)

// Terminal reports whether no further transition is permitted from s.
func (s TradeState) Terminal() bool {
	return s == TradeCompleted || s == TradeCancelled || s == TradeRefunded
}

// Role identifies a party's side of a trade. Resolved once at trade creation
// from the listing direction and never re-derived afterwards.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// SettlementMethod enumerates the supported off-band settlement rails.
type SettlementMethod string

const (
	SettleBankTransfer SettlementMethod = "bank_transfer"
	SettleMobileMoney  SettlementMethod = "mobile_money"
	SettleCash         SettlementMethod = "cash"
)

// BankTransferDetails carries the fields legal for bank settlement.
type BankTransferDetails struct {
	BankName      string `json:"bank_name"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
}

// MobileMoneyDetails carries the fields legal for mobile-money settlement.
type MobileMoneyDetails struct {
	Provider string `json:"provider"`
	Phone    string `json:"phone"`
}

// CashDetails carries the fields legal for in-person cash settlement.
type CashDetails struct {
	MeetingPoint string `json:"meeting_point"`
}

// Settlement is a tagged union: Method selects which detail struct is set.
// DisplayMeta is opaque extension data for UI display only; the engine never
// reads it.
type Settlement struct {
	Method       SettlementMethod     `json:"method"`
	BankTransfer *BankTransferDetails `json:"bank_transfer,omitempty"`
	MobileMoney  *MobileMoneyDetails  `json:"mobile_money,omitempty"`
	Cash         *CashDetails         `json:"cash,omitempty"`
	DisplayMeta  map[string]string    `json:"display_meta,omitempty"`
}

// Trade is one concrete exchange opened against a listing between two
// specific parties. Quantity and the price snapshot are fixed at creation;
// the record becomes immutable once the state is terminal.
type Trade struct {
	ID               string          `json:"id" db:"id"`
	Reference        string          `json:"reference" db:"reference"` // human-readable, unique
	ListingID        string          `json:"listing_id" db:"listing_id"`
	BuyerID          string          `json:"buyer_id" db:"buyer_id"`
	SellerID         string          `json:"seller_id" db:"seller_id"`
	InitiatorRole    Role            `json:"initiator_role" db:"initiator_role"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price" db:"unit_price"` // snapshot from listing
	SettlementAmount decimal.Decimal `json:"settlement_amount" db:"settlement_amount"`
	Fee              decimal.Decimal `json:"fee" db:"fee"` // percent + fixed, snapshotted at creation
	Settlement       Settlement      `json:"settlement" db:"settlement"`
	State            TradeState      `json:"state" db:"state"`
	EscrowRef        string          `json:"escrow_ref" db:"escrow_ref"`
	DisputeReason    string          `json:"dispute_reason,omitempty" db:"dispute_reason"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// CounterpartyOf returns the other party of the trade, or "" if userID is
// not a party.
func (t *Trade) CounterpartyOf(userID string) string {
	switch userID {
	case t.BuyerID:
		return t.SellerID
	case t.SellerID:
		return t.BuyerID
	}
	return ""
}

// EscrowStatus is the custody state of the funds backing a trade.
// Transitions only in the direction AwaitingDeposit → Held → Released|Refunded.
type EscrowStatus string

const (
	EscrowAwaitingDeposit EscrowStatus = "awaiting_deposit"
	EscrowHeld            EscrowStatus = "held"
	EscrowReleased        EscrowStatus = "released"
	EscrowRefunded        EscrowStatus = "refunded"
)

// EscrowHandle binds a trade to funds held by the external custody ledger.
// Exactly one handle exists per trade; CustodyRef is immutable once created.
type EscrowHandle struct {
	TradeID    string       `json:"trade_id" db:"trade_id"`
	CustodyRef string       `json:"custody_ref" db:"custody_ref"`
	Status     EscrowStatus `json:"status" db:"status"`
	TxRef      string       `json:"tx_ref,omitempty" db:"tx_ref"` // set once settled
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
}
