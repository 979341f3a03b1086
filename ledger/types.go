/*
Package ledger implements the credit ledger engine.

PURPOSE:
  Issues, tracks, and consumes monetary credits granted to users
  (cancellation refunds, promotions, administrative adjustments) and lets
  those credits be spent against future purchases.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary quantity backed by decimal.Decimal
  - CreditLot: A discrete, partially-consumable credit grant
  - LedgerEntry: An immutable audit record with before/after snapshots
  - Owner/Lot/Entry IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified or deleted
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Derivation: Balance is always recomputed from lots, never cached
  4. Auditability: Every balance change carries before/after snapshots

SEE ALSO:
  - policy.go: Cancellation refund tiers
  - engine.go: Issuance and FIFO consumption
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary quantity in minor currency units
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

func NewAmountFromFloat(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}
}

func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d}, nil
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s)} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) String() string               { return a.Value.String() }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type LotID string
type EntryID string

// =============================================================================
// CREDIT LOT - Discrete, partially-consumable credit grant
// =============================================================================

type CreditType string

const (
	CreditCancellation    CreditType = "cancellation"
	CreditRefund          CreditType = "refund"
	CreditPromotion       CreditType = "promotion"
	CreditAdminAdjustment CreditType = "admin_adjustment"
)

// CreditLot is a discrete credit grant with its own expiration and provenance.
//
// INVARIANTS:
//   - Consumed == true iff RemainingAmount == 0
//   - RemainingAmount is monotonically non-increasing
//   - 0 <= RemainingAmount <= OriginalAmount
//   - Lots are never physically deleted; expired lots persist for audit
//
// Mutated only by the consumption engine, via Store.DecrementLot with a
// version compare-and-swap.
type CreditLot struct {
	ID              LotID
	Owner           OwnerID
	OriginalAmount  Amount
	RemainingAmount Amount
	Type            CreditType
	Description     string
	IssuedAt        time.Time
	ExpiresAt       *time.Time
	Consumed        bool
	ConsumedAt      *time.Time

	// Opaque reference to the originating event (e.g. an appointment id).
	// Unique per (Owner, SourceEventRef, Type) so retried issuance is a no-op.
	SourceEventRef string

	// Monotonic counter for optimistic concurrency control.
	Version int64
}

// Expired reports whether the lot is past its expiration at asOf.
func (l CreditLot) Expired(asOf time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(asOf)
}

// Usable reports whether the lot can still satisfy consumption at asOf.
func (l CreditLot) Usable(asOf time.Time) bool {
	return !l.Consumed && !l.Expired(asOf)
}

// LotState is the lifecycle state of a lot at a point in time.
type LotState string

const (
	LotActive            LotState = "active"
	LotPartiallyConsumed LotState = "partially_consumed"
	LotExhausted         LotState = "exhausted"
	LotExpired           LotState = "expired"
)

// State returns the lifecycle state. Exhausted is terminal; Expired is
// terminal for allocation but the record persists for audit.
func (l CreditLot) State(asOf time.Time) LotState {
	if l.Consumed {
		return LotExhausted
	}
	if l.Expired(asOf) {
		return LotExpired
	}
	if l.RemainingAmount.LessThan(l.OriginalAmount) {
		return LotPartiallyConsumed
	}
	return LotActive
}

// =============================================================================
// LEDGER ENTRY - Immutable audit record
// =============================================================================

type EntryKind string

const (
	EntryEarned   EntryKind = "earned"
	EntryUsed     EntryKind = "used"
	EntryExpired  EntryKind = "expired"
	EntryRefunded EntryKind = "refunded"
)

// LedgerEntry records one balance-affecting event. Amount is always positive;
// Kind determines the sign semantics (earned/refunded add, used/expired
// subtract).
//
// INVARIANT: entries for an owner, ordered by CreatedAt, form a chain where
// each entry's BalanceBefore equals the previous entry's BalanceAfter, and
// the final BalanceAfter equals the live balance for that owner.
type LedgerEntry struct {
	ID            EntryID
	Owner         OwnerID
	Kind          EntryKind
	Amount        Amount
	BalanceBefore Amount
	BalanceAfter  Amount

	// A "used" event spanning multiple lots produces one entry per lot
	// touched, so RelatedLotID is set per allocation.
	RelatedLotID    *LotID
	RelatedEventRef string
	CreatedAt       time.Time
}
