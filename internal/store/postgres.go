package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vidiaspot/p2p-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Quantities and amounts are stored as NUMERIC for exact decimal precision;
// settlement details are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const listingColumns = `id, owner_id, offered_asset, settlement_asset, direction,
	unit_price::TEXT, min_quantity::TEXT, max_quantity::TEXT,
	available_quantity::TEXT, reserved_quantity::TEXT,
	fee_percent::TEXT, fee_fixed::TEXT,
	auto_release, auto_release_secs, required_tier, status, created_at`

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (id, owner_id, offered_asset, settlement_asset, direction,
		     unit_price, min_quantity, max_quantity, available_quantity, reserved_quantity,
		     fee_percent, fee_fixed, auto_release, auto_release_secs, required_tier, status, created_at)
		 VALUES ($1, $2, $3, $4, $5,
		     $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		     $11::NUMERIC, $12::NUMERIC, $13, $14, $15, $16, $17)`,
		l.ID, l.OwnerID, l.OfferedAsset, l.SettlementAsset, l.Direction,
		l.UnitPrice.String(), l.MinQuantity.String(), l.MaxQuantity.String(),
		l.AvailableQuantity.String(), l.ReservedQuantity.String(),
		l.FeePercent.String(), l.FeeFixed.String(),
		l.AutoRelease, int64(l.AutoReleaseAfter/time.Second), l.RequiredTier, l.Status, l.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+`
		 FROM listings
		 WHERE ($1 = '' OR offered_asset = $1)
		   AND ($2 = '' OR settlement_asset = $2)
		   AND ($3 = '' OR direction = $3)
		   AND ($4 = '' OR status = $4)
		 ORDER BY unit_price`,
		f.OfferedAsset, f.SettlementAsset, string(f.Direction), string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) UpdateListingStatus(ctx context.Context, id string, status model.ListingStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReserveQuantity relies on a single conditional UPDATE: the row lock taken
// by PostgreSQL makes the check-and-increment linearizable with respect to
// concurrent reserve/commit/release on the same listing.
func (s *PostgresStore) ReserveQuantity(ctx context.Context, listingID string, qty decimal.Decimal) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET reserved_quantity = reserved_quantity + $2::NUMERIC
		 WHERE id = $1
		   AND available_quantity - reserved_quantity >= $2::NUMERIC`,
		listingID, qty.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CommitQuantity(ctx context.Context, listingID string, qty decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET reserved_quantity = reserved_quantity - $2::NUMERIC,
		     available_quantity = available_quantity - $2::NUMERIC
		 WHERE id = $1`,
		listingID, qty.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ReleaseQuantity(ctx context.Context, listingID string, qty decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET reserved_quantity = reserved_quantity - $2::NUMERIC
		 WHERE id = $1`,
		listingID, qty.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
	}
	return nil
}

const tradeColumns = `id, reference, listing_id, buyer_id, seller_id, initiator_role,
	quantity::TEXT, unit_price::TEXT, settlement_amount::TEXT, fee::TEXT,
	settlement, state, escrow_ref, dispute_reason, created_at, confirmed_at, completed_at`

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	settlement, err := json.Marshal(t.Settlement)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trades (id, reference, listing_id, buyer_id, seller_id, initiator_role,
		     quantity, unit_price, settlement_amount, fee,
		     settlement, state, escrow_ref, dispute_reason, created_at, confirmed_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		     $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		     $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.Reference, t.ListingID, t.BuyerID, t.SellerID, t.InitiatorRole,
		t.Quantity.String(), t.UnitPrice.String(), t.SettlementAmount.String(), t.Fee.String(),
		settlement, t.State, t.EscrowRef, t.DisputeReason, t.CreatedAt, t.ConfirmedAt, t.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTrade(ctx context.Context, t *model.Trade) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades
		 SET state = $2, escrow_ref = $3, dispute_reason = $4,
		     confirmed_at = $5, completed_at = $6
		 WHERE id = $1`,
		t.ID, t.State, t.EscrowRef, t.DisputeReason, t.ConfirmedAt, t.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string, state model.TradeState) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades
		 WHERE (buyer_id = $1 OR seller_id = $1)
		   AND ($2 = '' OR state = $2)
		 ORDER BY created_at DESC`,
		userID, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

func (s *PostgresStore) ListAutoReleaseCandidates(ctx context.Context, now time.Time) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.reference, t.listing_id, t.buyer_id, t.seller_id, t.initiator_role,
		        t.quantity::TEXT, t.unit_price::TEXT, t.settlement_amount::TEXT, t.fee::TEXT,
		        t.settlement, t.state, t.escrow_ref, t.dispute_reason, t.created_at, t.confirmed_at, t.completed_at
		 FROM trades t
		 JOIN listings l ON l.id = t.listing_id
		 WHERE t.state = 'payment_confirmed'
		   AND l.auto_release
		   AND t.confirmed_at + make_interval(secs => l.auto_release_secs) <= $1`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

func (s *PostgresStore) ListDepositTimeoutCandidates(ctx context.Context, cutoff time.Time) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades
		 WHERE state = 'pending' AND created_at <= $1`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

func (s *PostgresStore) CountUserTradesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades
		 WHERE (buyer_id = $1 OR seller_id = $1) AND created_at > $2`,
		userID, since).Scan(&count)
	return count, err
}

func (s *PostgresStore) SumUserVolumeSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var sumS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(settlement_amount), 0)::TEXT FROM trades
		 WHERE (buyer_id = $1 OR seller_id = $1) AND created_at > $2`,
		userID, since).Scan(&sumS)
	if err != nil {
		return decimal.Zero, err
	}
	sum, _ := decimal.NewFromString(sumS)
	return sum, nil
}

func (s *PostgresStore) CountUserCancellationsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades
		 WHERE (buyer_id = $1 OR seller_id = $1)
		   AND state = 'cancelled' AND created_at > $2`,
		userID, since).Scan(&count)
	return count, err
}

func (s *PostgresStore) CreateEscrowHandle(ctx context.Context, h *model.EscrowHandle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO escrow_handles (trade_id, custody_ref, status, tx_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		h.TradeID, h.CustodyRef, h.Status, h.TxRef, h.CreatedAt)
	return err
}

func (s *PostgresStore) GetEscrowHandle(ctx context.Context, tradeID string) (*model.EscrowHandle, error) {
	var h model.EscrowHandle
	err := s.pool.QueryRow(ctx,
		`SELECT trade_id, custody_ref, status, tx_ref, created_at
		 FROM escrow_handles WHERE trade_id = $1`, tradeID).
		Scan(&h.TradeID, &h.CustodyRef, &h.Status, &h.TxRef, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("escrow handle for trade %s: %w", tradeID, ErrNotFound)
		}
		return nil, fmt.Errorf("get escrow handle for trade %s: %w", tradeID, err)
	}
	return &h, nil
}

func (s *PostgresStore) UpdateEscrowHandle(ctx context.Context, h *model.EscrowHandle) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE escrow_handles SET status = $2, tx_ref = $3 WHERE trade_id = $1`,
		h.TradeID, h.Status, h.TxRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow handle for trade %s: %w", h.TradeID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteEscrowHandle(ctx context.Context, tradeID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM escrow_handles WHERE trade_id = $1`, tradeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow handle for trade %s: %w", tradeID, ErrNotFound)
	}
	return nil
}

// --- Row scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*model.Listing, error) {
	var l model.Listing
	var unitPrice, minQty, maxQty, availQty, resQty, feePct, feeFixed string
	var autoReleaseSecs int64

	if err := row.Scan(&l.ID, &l.OwnerID, &l.OfferedAsset, &l.SettlementAsset, &l.Direction,
		&unitPrice, &minQty, &maxQty, &availQty, &resQty,
		&feePct, &feeFixed,
		&l.AutoRelease, &autoReleaseSecs, &l.RequiredTier, &l.Status, &l.CreatedAt); err != nil {
		return nil, err
	}

	l.UnitPrice, _ = decimal.NewFromString(unitPrice)
	l.MinQuantity, _ = decimal.NewFromString(minQty)
	l.MaxQuantity, _ = decimal.NewFromString(maxQty)
	l.AvailableQuantity, _ = decimal.NewFromString(availQty)
	l.ReservedQuantity, _ = decimal.NewFromString(resQty)
	l.FeePercent, _ = decimal.NewFromString(feePct)
	l.FeeFixed, _ = decimal.NewFromString(feeFixed)
	l.AutoReleaseAfter = time.Duration(autoReleaseSecs) * time.Second

	return &l, nil
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var qty, unitPrice, amount, fee string
	var settlement []byte

	if err := row.Scan(&t.ID, &t.Reference, &t.ListingID, &t.BuyerID, &t.SellerID, &t.InitiatorRole,
		&qty, &unitPrice, &amount, &fee,
		&settlement, &t.State, &t.EscrowRef, &t.DisputeReason,
		&t.CreatedAt, &t.ConfirmedAt, &t.CompletedAt); err != nil {
		return nil, err
	}

	t.Quantity, _ = decimal.NewFromString(qty)
	t.UnitPrice, _ = decimal.NewFromString(unitPrice)
	t.SettlementAmount, _ = decimal.NewFromString(amount)
	t.Fee, _ = decimal.NewFromString(fee)
	if len(settlement) > 0 {
		if err := json.Unmarshal(settlement, &t.Settlement); err != nil {
			return nil, fmt.Errorf("unmarshal settlement for trade %s: %w", t.ID, err)
		}
	}

	return &t, nil
}

func collectTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}
