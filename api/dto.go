/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CancellationRequest reports an already-approved cancellation so the
// engine can decide how much credit it earns.
type CancellationRequest struct {
	SourceEventRef string `json:"source_event_ref"`
	PaidAmount     string `json:"paid_amount"`
	ScheduledAt    string `json:"scheduled_at"` // RFC3339
	Description    string `json:"description"`
}

// ConsumeRequest spends credits against a purchase.
type ConsumeRequest struct {
	Amount            string `json:"amount"`
	ConsumingEventRef string `json:"consuming_event_ref"`
}

// IssueLotRequest is the admin issuance request (refund, promotion,
// adjustment).
type IssueLotRequest struct {
	Owner          string `json:"owner"`
	Amount         string `json:"amount"`
	CreditType     string `json:"credit_type"`
	SourceEventRef string `json:"source_event_ref"`
	Description    string `json:"description"`
	TTLHours       *int   `json:"ttl_hours"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type BalanceDTO struct {
	Owner   string `json:"owner"`
	Balance string `json:"balance"`
}

type LotDTO struct {
	ID              string `json:"id"`
	Owner           string `json:"owner"`
	OriginalAmount  string `json:"original_amount"`
	RemainingAmount string `json:"remaining_amount"`
	CreditType      string `json:"credit_type"`
	Description     string `json:"description,omitempty"`
	IssuedAt        string `json:"issued_at"`
	ExpiresAt       string `json:"expires_at,omitempty"`
	Consumed        bool   `json:"consumed"`
	ConsumedAt      string `json:"consumed_at,omitempty"`
	SourceEventRef  string `json:"source_event_ref,omitempty"`
	State           string `json:"state"`
}

type EntryDTO struct {
	ID              string `json:"id"`
	Owner           string `json:"owner"`
	Kind            string `json:"kind"`
	Amount          string `json:"amount"`
	BalanceBefore   string `json:"balance_before"`
	BalanceAfter    string `json:"balance_after"`
	RelatedLotID    string `json:"related_lot_id,omitempty"`
	RelatedEventRef string `json:"related_event_ref,omitempty"`
	CreatedAt       string `json:"created_at"`
}

type CancellationResponse struct {
	Eligible bool    `json:"eligible"`
	Lot      *LotDTO `json:"lot,omitempty"`
}

type ConsumeResponse struct {
	Success bool   `json:"success"`
	Balance string `json:"balance"`
}

type SweepResponse struct {
	Swept int `json:"swept"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toLotDTO(lot ledger.CreditLot, asOf time.Time) LotDTO {
	dto := LotDTO{
		ID:              string(lot.ID),
		Owner:           string(lot.Owner),
		OriginalAmount:  lot.OriginalAmount.String(),
		RemainingAmount: lot.RemainingAmount.String(),
		CreditType:      string(lot.Type),
		Description:     lot.Description,
		IssuedAt:        lot.IssuedAt.UTC().Format(time.RFC3339),
		Consumed:        lot.Consumed,
		SourceEventRef:  lot.SourceEventRef,
		State:           string(lot.State(asOf)),
	}
	if lot.ExpiresAt != nil {
		dto.ExpiresAt = lot.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if lot.ConsumedAt != nil {
		dto.ConsumedAt = lot.ConsumedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toEntryDTO(e ledger.LedgerEntry) EntryDTO {
	dto := EntryDTO{
		ID:              string(e.ID),
		Owner:           string(e.Owner),
		Kind:            string(e.Kind),
		Amount:          e.Amount.String(),
		BalanceBefore:   e.BalanceBefore.String(),
		BalanceAfter:    e.BalanceAfter.String(),
		RelatedEventRef: e.RelatedEventRef,
		CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if e.RelatedLotID != nil {
		dto.RelatedLotID = string(*e.RelatedLotID)
	}
	return dto
}
