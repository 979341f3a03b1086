/*
handlers.go - HTTP handlers for the credit ledger engine

PURPOSE:
  Exposes the ledger engine over REST. Handles HTTP request/response and
  JSON serialization; all business rules live in the ledger package.

ENDPOINTS:
  Owners:
    GET  /api/owners/{id}/balance        Spendable balance
    GET  /api/owners/{id}/history        Ledger entries, chronological
    GET  /api/owners/{id}/lots           All lots, consumed/expired included
    POST /api/owners/{id}/cancellations  Credit an approved cancellation
    POST /api/owners/{id}/consume        Pay with credits

  Admin:
    POST /api/admin/lots                 Direct issuance (refund/promo/adjust)
    POST /api/admin/expire               Run the expiration sweep now

ERROR HANDLING:
  Errors map to HTTP status via the ledger error helpers:
  - 400: invalid input (bad JSON, non-positive amount)
  - 404: unknown lot
  - 409: insufficient credit (caller falls back to another payment method)
  - 503: retries exhausted under contention (caller may retry)
  - 500: consistency violations and storage faults (operator attention)

SECURITY NOTE:
  No authentication middleware. The service is consumed in-process or
  behind an authenticating gateway.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/credit-ledger/ledger"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
}

// NewHandler creates a new handler backed by the given engine.
func NewHandler(engine *ledger.Engine) *Handler {
	return &Handler{Engine: engine}
}

// =============================================================================
// OWNER ENDPOINTS
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner := ledger.OwnerID(chi.URLParam(r, "id"))

	balance, err := h.Engine.Balance(r.Context(), owner)
	if err != nil {
		writeLedgerError(w, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{Owner: string(owner), Balance: balance.String()})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	owner := ledger.OwnerID(chi.URLParam(r, "id"))

	entries, err := h.Engine.History(r.Context(), owner)
	if err != nil {
		writeLedgerError(w, "Failed to get history", err)
		return
	}

	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetLots(w http.ResponseWriter, r *http.Request) {
	owner := ledger.OwnerID(chi.URLParam(r, "id"))

	lots, err := h.Engine.Lots(r.Context(), owner)
	if err != nil {
		writeLedgerError(w, "Failed to get lots", err)
		return
	}

	now := time.Now()
	dtos := make([]LotDTO, 0, len(lots))
	for _, lot := range lots {
		dtos = append(dtos, toLotDTO(lot, now))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) PostCancellation(w http.ResponseWriter, r *http.Request) {
	owner := ledger.OwnerID(chi.URLParam(r, "id"))

	var req CancellationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	paid, err := ledger.ParseAmount(req.PaidAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paid_amount", err)
		return
	}
	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scheduled_at (use RFC3339)", err)
		return
	}

	lot, eligible, err := h.Engine.OnCancellation(r.Context(), owner, req.SourceEventRef, paid, scheduledAt, req.Description)
	if err != nil {
		writeLedgerError(w, "Failed to credit cancellation", err)
		return
	}
	if !eligible {
		writeJSON(w, http.StatusOK, CancellationResponse{Eligible: false})
		return
	}

	dto := toLotDTO(lot, time.Now())
	writeJSON(w, http.StatusCreated, CancellationResponse{Eligible: true, Lot: &dto})
}

func (h *Handler) PostConsume(w http.ResponseWriter, r *http.Request) {
	owner := ledger.OwnerID(chi.URLParam(r, "id"))

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	if err := h.Engine.Consume(r.Context(), owner, amount, req.ConsumingEventRef); err != nil {
		writeLedgerError(w, "Failed to consume credits", err)
		return
	}

	balance, err := h.Engine.Balance(r.Context(), owner)
	if err != nil {
		writeLedgerError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, ConsumeResponse{Success: true, Balance: balance.String()})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) PostIssueLot(w http.ResponseWriter, r *http.Request) {
	var req IssueLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	issue := ledger.IssueRequest{
		Owner:          ledger.OwnerID(req.Owner),
		Amount:         amount,
		Type:           ledger.CreditType(req.CreditType),
		SourceEventRef: req.SourceEventRef,
		Description:    req.Description,
	}
	if req.TTLHours != nil {
		ttl := time.Duration(*req.TTLHours) * time.Hour
		issue.TTL = &ttl
	}

	lot, err := h.Engine.IssueLot(r.Context(), issue)
	if err != nil {
		writeLedgerError(w, "Failed to issue lot", err)
		return
	}

	dto := toLotDTO(lot, time.Now())
	writeJSON(w, http.StatusCreated, dto)
}

func (h *Handler) PostExpire(w http.ResponseWriter, r *http.Request) {
	swept, err := h.Engine.ExpireLots(r.Context(), time.Now())
	if err != nil {
		writeLedgerError(w, "Failed to run expiration sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Swept: swept})
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

func writeLedgerError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredit):
		writeError(w, http.StatusConflict, "Insufficient credit", err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrTemporarilyUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Temporarily unavailable, try again", err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
