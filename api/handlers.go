/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes the points engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                       Create account
    GET    /api/accounts/{id}                  Get account details
    GET    /api/accounts/{id}/balance          Balance (sweeps stale grants first)
    GET    /api/accounts/{id}/history          Ledger history, newest first
    GET    /api/accounts/{id}/redemptions      Past redemptions
    POST   /api/accounts/{id}/member-number    Issue member number (idempotent)

  Points:
    POST   /api/points/assign                  Credit points for a reason

  Redemptions:
    POST   /api/redemptions                    Exchange points for a prize

  Prizes:
    GET    /api/prizes                         List catalog
    POST   /api/prizes                         Create prize
    GET    /api/prizes/{id}                    Get prize
    PUT    /api/prizes/{id}                    Partial update

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: Insufficient points
  - 404: Account or prize not found
  - 409: Out of stock, concurrent modification exhausted retries
  - 500: Internal errors, ledger inconsistency

SECURITY NOTE:
  No authentication middleware. All endpoints are public; front the
  service with a gateway in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/loyalty-engine/loyalty"
)

const timeFormat = time.RFC3339

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *loyalty.Engine
	Log    *zap.Logger
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *loyalty.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: engine, Log: log}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount registers a new loyalty account.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "Account id is required", nil)
		return
	}

	account := loyalty.Account{
		ID:        loyalty.AccountID(req.ID),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Engine.Store().CreateAccount(r.Context(), account); err != nil {
		if errors.Is(err, loyalty.ErrAccountExists) {
			writeError(w, http.StatusConflict, "Account already exists", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountDTO(account))
}

// GetAccount returns account details.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := loyalty.AccountID(chi.URLParam(r, "id"))

	account, err := h.Engine.Store().GetAccount(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get account", err)
		return
	}

	dto := toAccountDTO(account)
	sort.Strings(dto.Awarded)
	writeJSON(w, http.StatusOK, dto)
}

// GetBalance returns the account's current balance. Stale grants are
// swept first, so the returned balance never counts expired points.
// GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loyalty.AccountID(chi.URLParam(r, "id"))

	swept, err := h.Engine.Sweep(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to refresh balance", err)
		return
	}

	dto := BalanceDTO{
		AccountID:  string(id),
		Balance:    int64(swept.NewBalance),
		ExpiredNow: int64(swept.Expired),
	}

	grants, err := h.Engine.Store().ActiveGrants(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to read grants", err)
		return
	}
	if amount, date := loyalty.NextExpiration(grants); amount > 0 {
		dto.NextExpirationAmount = int64(amount)
		dto.NextExpirationDate = date.Format(timeFormat)
	}

	writeJSON(w, http.StatusOK, dto)
}

// GetHistory returns the account's ledger entries, newest first.
// GET /api/accounts/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := loyalty.AccountID(chi.URLParam(r, "id"))

	if _, err := h.Engine.Store().GetAccount(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to get account", err)
		return
	}
	entries, err := h.Engine.Store().History(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get history", err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRedemptions returns the account's past redemptions, newest first.
// GET /api/accounts/{id}/redemptions
func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	id := loyalty.AccountID(chi.URLParam(r, "id"))

	if _, err := h.Engine.Store().GetAccount(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to get account", err)
		return
	}
	redemptions, err := h.Engine.Store().Redemptions(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get redemptions", err)
		return
	}

	dtos := make([]RedemptionDTO, len(redemptions))
	for i, rd := range redemptions {
		dtos[i] = RedemptionDTO{
			ID:          rd.ID,
			AccountID:   string(rd.AccountID),
			PrizeID:     string(rd.PrizeID),
			PrizeName:   rd.PrizeName,
			PointsSpent: int64(rd.PointsSpent),
			CreatedAt:   rd.CreatedAt.Format(timeFormat),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// IssueMemberNumber assigns the next member number to the account.
// Repeat calls return the existing number.
// POST /api/accounts/{id}/member-number
func (h *Handler) IssueMemberNumber(w http.ResponseWriter, r *http.Request) {
	id := loyalty.AccountID(chi.URLParam(r, "id"))

	result, err := h.Engine.IssueMemberNumber(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to issue member number", err)
		return
	}

	status := http.StatusOK
	if result.Issued {
		status = http.StatusCreated
	}
	writeJSON(w, status, MemberNumberResponse{
		MemberNumber: result.MemberNumber,
		Issued:       result.Issued,
	})
}

// =============================================================================
// POINTS HANDLERS
// =============================================================================

// AssignPoints credits points to an account for a named reason.
// POST /api/points/assign
func (h *Handler) AssignPoints(w http.ResponseWriter, r *http.Request) {
	var req AssignPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "account_id and reason are required", nil)
		return
	}

	input := loyalty.AccrualInput{
		AccountID:    loyalty.AccountID(req.AccountID),
		Reason:       loyalty.Reason(req.Reason),
		Points:       loyalty.Points(req.Points),
		ValidityDays: req.ValidityDays,
	}
	if req.PurchaseAmount != "" {
		amount, err := decimal.NewFromString(req.PurchaseAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid purchase_amount", err)
			return
		}
		input.PurchaseAmount = amount
	}

	result, err := h.Engine.Accrue(r.Context(), input)
	if err != nil {
		writeDomainError(w, "Failed to assign points", err)
		return
	}

	resp := AssignPointsResponse{
		OK:          true,
		PointsAdded: int64(result.PointsAdded),
		NewBalance:  int64(result.NewBalance),
	}
	if result.AlreadyAwarded {
		resp.Message = "Already awarded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

// Redeem exchanges points for a prize.
// POST /api/redemptions
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" || req.PrizeID == "" {
		writeError(w, http.StatusBadRequest, "account_id and prize_id are required", nil)
		return
	}

	result, err := h.Engine.Redeem(r.Context(),
		loyalty.AccountID(req.AccountID), loyalty.PrizeID(req.PrizeID))
	if err != nil {
		writeDomainError(w, "Failed to redeem", err)
		return
	}

	writeJSON(w, http.StatusCreated, RedemptionDTO{
		ID:          result.RedemptionID,
		AccountID:   req.AccountID,
		PrizeID:     req.PrizeID,
		PrizeName:   result.PrizeName,
		PointsSpent: int64(result.PointsSpent),
		NewBalance:  int64(result.NewBalance),
	})
}

// =============================================================================
// PRIZE HANDLERS
// =============================================================================

// ListPrizes returns the prize catalog.
// GET /api/prizes
func (h *Handler) ListPrizes(w http.ResponseWriter, r *http.Request) {
	prizes, err := h.Engine.Store().ListPrizes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list prizes", err)
		return
	}

	dtos := make([]PrizeDTO, len(prizes))
	for i, p := range prizes {
		dtos[i] = toPrizeDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPrize returns one prize.
// GET /api/prizes/{id}
func (h *Handler) GetPrize(w http.ResponseWriter, r *http.Request) {
	id := loyalty.PrizeID(chi.URLParam(r, "id"))

	prize, err := h.Engine.Store().GetPrize(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get prize", err)
		return
	}
	writeJSON(w, http.StatusOK, toPrizeDTO(prize))
}

// CreatePrize adds a prize to the catalog.
// POST /api/prizes
func (h *Handler) CreatePrize(w http.ResponseWriter, r *http.Request) {
	var req CreatePrizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}
	if req.Cost <= 0 || req.Stock < 0 {
		writeError(w, http.StatusBadRequest, "cost must be positive and stock non-negative", nil)
		return
	}

	now := time.Now().UTC()
	prize := loyalty.Prize{
		ID:        loyalty.PrizeID(req.ID),
		Name:      req.Name,
		Cost:      loyalty.Points(req.Cost),
		Stock:     req.Stock,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.Engine.Store().SavePrize(r.Context(), prize); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create prize", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPrizeDTO(prize))
}

// UpdatePrize applies a partial update to a prize.
// PUT /api/prizes/{id}
func (h *Handler) UpdatePrize(w http.ResponseWriter, r *http.Request) {
	id := loyalty.PrizeID(chi.URLParam(r, "id"))

	var req UpdatePrizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Cost != nil && *req.Cost <= 0 {
		writeError(w, http.StatusBadRequest, "cost must be positive", nil)
		return
	}
	if req.Stock != nil && *req.Stock < 0 {
		writeError(w, http.StatusBadRequest, "stock must be non-negative", nil)
		return
	}

	update := loyalty.PrizeUpdate{
		Name:   req.Name,
		Stock:  req.Stock,
		Active: req.Active,
	}
	if req.Cost != nil {
		cost := loyalty.Points(*req.Cost)
		update.Cost = &cost
	}

	if err := h.Engine.Store().UpdatePrize(r.Context(), id, update); err != nil {
		writeDomainError(w, "Failed to update prize", err)
		return
	}

	prize, err := h.Engine.Store().GetPrize(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get prize", err)
		return
	}
	writeJSON(w, http.StatusOK, toPrizeDTO(prize))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case loyalty.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, loyalty.ErrInsufficientPoints):
		writeError(w, http.StatusPaymentRequired, message, err)
	case errors.Is(err, loyalty.ErrOutOfStock),
		errors.Is(err, loyalty.ErrAccountExists),
		errors.Is(err, loyalty.ErrConcurrentModification):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, loyalty.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
