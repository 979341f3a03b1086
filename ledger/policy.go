/*
policy.go - Cancellation refund policy

PURPOSE:
  Pure, side-effect-free calculation of how much credit an approved
  cancellation earns, based on how far ahead of the event it happens.
  The engine does NOT decide whether a cancellation is allowed - that
  decision is made by the booking subsystem before calling in.

TIERS (default policy):
  >= 24h before the event   100% of the paid amount
  >= 12h                     75%
  >=  4h                     50%
  >   0h                     25%
  event already started       ineligible

ROUNDING:
  Amounts are integral minor currency units. The tier product is rounded
  to the nearest unit (decimal Round(0)) so results are deterministic and
  reproducible.
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REFUND TIERS
// =============================================================================

// RefundTier maps a minimum lead time to a refund rate.
type RefundTier struct {
	MinLead time.Duration
	Rate    decimal.Decimal
}

// CancellationPolicy computes the credit earned by a cancellation.
// Tiers must be ordered by descending MinLead; the first tier whose MinLead
// is satisfied wins.
type CancellationPolicy struct {
	Tiers []RefundTier

	// DefaultTTL bounds the lifetime of cancellation-earned credit.
	DefaultTTL time.Duration
}

// DefaultCancellationPolicy returns the standard tier table with a 12-month
// credit lifetime.
func DefaultCancellationPolicy() CancellationPolicy {
	return CancellationPolicy{
		Tiers: []RefundTier{
			{MinLead: 24 * time.Hour, Rate: decimal.NewFromInt(1)},
			{MinLead: 12 * time.Hour, Rate: decimal.NewFromFloat(0.75)},
			{MinLead: 4 * time.Hour, Rate: decimal.NewFromFloat(0.5)},
			{MinLead: 0, Rate: decimal.NewFromFloat(0.25)},
		},
		DefaultTTL: 365 * 24 * time.Hour,
	}
}

// CreditFor returns the credit a cancellation earns and whether it is
// eligible at all. Pure function: no clock access, no side effects.
//
// Ineligible cases: the event has already started (lead <= 0) or the paid
// amount is not positive. Both return a zero amount.
func (p CancellationPolicy) CreditFor(paid Amount, scheduledAt, cancelledAt time.Time) (Amount, bool) {
	if !paid.IsPositive() {
		return ZeroAmount(), false
	}

	lead := scheduledAt.Sub(cancelledAt)
	if lead <= 0 {
		return ZeroAmount(), false
	}

	for _, tier := range p.Tiers {
		if lead >= tier.MinLead {
			credit := paid.Mul(tier.Rate)
			return Amount{Value: credit.Value.Round(0)}, true
		}
	}
	return ZeroAmount(), false
}
