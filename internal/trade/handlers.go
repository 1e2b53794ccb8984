package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vidiaspot/p2p-engine/internal/capacity"
	"github.com/vidiaspot/p2p-engine/internal/custody"
	"github.com/vidiaspot/p2p-engine/internal/model"
	"github.com/vidiaspot/p2p-engine/internal/risk"
	"github.com/vidiaspot/p2p-engine/internal/store"
)

// Identity and authentication are handled upstream of this engine; request
// bodies carry the already-authenticated actor ID.

// CreateListingRequest is the JSON body for POST /api/v1/listings.
type CreateListingRequest struct {
	OwnerID          string          `json:"owner_id"`
	OfferedAsset     string          `json:"offered_asset"`
	SettlementAsset  string          `json:"settlement_asset"`
	Direction        model.Direction `json:"direction"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	MinQuantity      decimal.Decimal `json:"min_quantity"`
	MaxQuantity      decimal.Decimal `json:"max_quantity"`
	Quantity         decimal.Decimal `json:"quantity"`
	FeePercent       decimal.Decimal `json:"fee_percent"`
	FeeFixed         decimal.Decimal `json:"fee_fixed"`
	AutoRelease      bool            `json:"auto_release"`
	AutoReleaseHours int             `json:"auto_release_hours"`
	RequiredTier     int             `json:"required_tier"`
}

// CreateTradeRequest is the JSON body for POST /api/v1/trades.
type CreateTradeRequest struct {
	ListingID  string           `json:"listing_id"`
	ActorID    string           `json:"actor_id"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Settlement model.Settlement `json:"settlement"`
}

// ActorRequest is the JSON body for the simple trade transitions.
type ActorRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

// ResolveRequest is the JSON body for POST /api/v1/trades/{tradeID}/resolve.
type ResolveRequest struct {
	Outcome DisputeOutcome `json:"outcome"`
}

// Routes mounts the engine's HTTP API on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/listings", s.handleCreateListing)
	r.Get("/listings", s.handleListListings)
	r.Get("/listings/{listingID}", s.handleGetListing)
	r.Post("/listings/{listingID}/status", s.handleUpdateListingStatus)

	r.Post("/trades", s.handleCreateTrade)
	r.Get("/trades/{tradeID}", s.handleGetTrade)
	r.Post("/trades/{tradeID}/confirm-payment", s.handleConfirmPayment)
	r.Post("/trades/{tradeID}/escrow/deposit", s.handleConfirmDeposit)
	r.Post("/trades/{tradeID}/release", s.handleReleaseCustody)
	r.Post("/trades/{tradeID}/dispute", s.handleDispute)
	r.Post("/trades/{tradeID}/resolve", s.handleResolveDispute)
	r.Post("/trades/{tradeID}/cancel", s.handleCancel)

	r.Get("/users/{userID}/trades", s.handleListUserTrades)
}

func (s *Service) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.OfferedAsset == "" || req.SettlementAsset == "" {
		writeError(w, "owner_id, offered_asset and settlement_asset are required", http.StatusBadRequest)
		return
	}
	if req.Direction != model.DirectionBuy && req.Direction != model.DirectionSell {
		writeError(w, "direction must be buy or sell", http.StatusBadRequest)
		return
	}
	if req.UnitPrice.LessThanOrEqual(decimal.Zero) {
		writeError(w, "unit_price must be positive", http.StatusBadRequest)
		return
	}
	if req.MinQuantity.GreaterThan(req.MaxQuantity) {
		writeError(w, "min_quantity cannot exceed max_quantity", http.StatusBadRequest)
		return
	}

	listing := &model.Listing{
		ID:                uuid.New().String(),
		OwnerID:           req.OwnerID,
		OfferedAsset:      req.OfferedAsset,
		SettlementAsset:   req.SettlementAsset,
		Direction:         req.Direction,
		UnitPrice:         req.UnitPrice,
		MinQuantity:       req.MinQuantity,
		MaxQuantity:       req.MaxQuantity,
		AvailableQuantity: req.Quantity,
		ReservedQuantity:  decimal.Zero,
		FeePercent:        req.FeePercent,
		FeeFixed:          req.FeeFixed,
		AutoRelease:       req.AutoRelease,
		AutoReleaseAfter:  time.Duration(req.AutoReleaseHours) * time.Hour,
		RequiredTier:      req.RequiredTier,
		Status:            model.ListingActive,
		CreatedAt:         time.Now().UTC(),
	}
	if listing.AutoReleaseAfter == 0 {
		listing.AutoReleaseAfter = 24 * time.Hour
	}

	if err := s.store.CreateListing(r.Context(), listing); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, listing)
}

func (s *Service) handleGetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := s.store.GetListing(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Service) handleListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListingFilter{
		OfferedAsset:    q.Get("offered_asset"),
		SettlementAsset: q.Get("settlement_asset"),
		Direction:       model.Direction(q.Get("direction")),
		Status:          model.ListingStatus(q.Get("status")),
	}
	if f.Status == "" {
		f.Status = model.ListingActive
	}

	listings, err := s.store.ListListings(r.Context(), f)
	if err != nil {
		writeError(w, "failed to list listings", http.StatusInternalServerError)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

func (s *Service) handleUpdateListingStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string              `json:"actor_id"`
		Status  model.ListingStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Status != model.ListingActive && req.Status != model.ListingPaused && req.Status != model.ListingClosed {
		writeError(w, "status must be active, paused or closed", http.StatusBadRequest)
		return
	}

	listingID := chi.URLParam(r, "listingID")
	listing, err := s.store.GetListing(r.Context(), listingID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if listing.OwnerID != req.ActorID {
		writeError(w, "only the owner can change listing status", http.StatusForbidden)
		return
	}

	if err := s.store.UpdateListingStatus(r.Context(), listingID, req.Status); err != nil {
		writeDomainError(w, err)
		return
	}
	listing.Status = req.Status
	writeJSON(w, http.StatusOK, listing)
}

func (s *Service) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	var req CreateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ListingID == "" || req.ActorID == "" {
		writeError(w, "listing_id and actor_id are required", http.StatusBadRequest)
		return
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	if !validSettlement(req.Settlement) {
		writeError(w, "settlement details do not match the chosen method", http.StatusBadRequest)
		return
	}

	trade, err := s.Create(r.Context(), req.ListingID, req.ActorID, req.Quantity, req.Settlement)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

func (s *Service) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.Get(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func (s *Service) handleListUserTrades(w http.ResponseWriter, r *http.Request) {
	state := model.TradeState(r.URL.Query().Get("state"))
	trades, err := s.ListUserTrades(r.Context(), chi.URLParam(r, "userID"), state)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Service) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(tradeID string, req ActorRequest) (*model.Trade, error) {
		return s.ConfirmPayment(r.Context(), tradeID, req.ActorID)
	})
}

func (s *Service) handleReleaseCustody(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(tradeID string, req ActorRequest) (*model.Trade, error) {
		return s.ReleaseCustody(r.Context(), tradeID, req.ActorID)
	})
}

func (s *Service) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(tradeID string, req ActorRequest) (*model.Trade, error) {
		return s.Dispute(r.Context(), tradeID, req.ActorID, req.Reason)
	})
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(tradeID string, req ActorRequest) (*model.Trade, error) {
		return s.Cancel(r.Context(), tradeID, req.ActorID)
	})
}

func (s *Service) handleConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	handle, err := s.ConfirmDeposit(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (s *Service) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	trade, err := s.ResolveDispute(r.Context(), chi.URLParam(r, "tradeID"), req.Outcome)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// transition factors the common decode/dispatch/respond shape of the
// actor-driven trade transitions.
func (s *Service) transition(w http.ResponseWriter, r *http.Request, fn func(tradeID string, req ActorRequest) (*model.Trade, error)) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" {
		writeError(w, "actor_id is required", http.StatusBadRequest)
		return
	}

	trade, err := fn(chi.URLParam(r, "tradeID"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// validSettlement checks the tagged union: exactly the detail struct for the
// chosen method must be present.
func validSettlement(s model.Settlement) bool {
	switch s.Method {
	case model.SettleBankTransfer:
		return s.BankTransfer != nil && s.MobileMoney == nil && s.Cash == nil
	case model.SettleMobileMoney:
		return s.MobileMoney != nil && s.BankTransfer == nil && s.Cash == nil
	case model.SettleCash:
		return s.Cash != nil && s.BankTransfer == nil && s.MobileMoney == nil
	}
	return false
}

// writeDomainError maps the engine's error taxonomy to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrQuantityOutOfRange):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, capacity.ErrInsufficientCapacity):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidTransition):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, risk.ErrBlocked):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, custody.ErrInvalidStatus):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, custody.ErrFailure):
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
