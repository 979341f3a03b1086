package ledger

import (
	"context"
	"time"
)

// =============================================================================
// BALANCE AGGREGATOR - Recompute-on-read
// =============================================================================

// Aggregator computes an owner's spendable balance on demand from the live
// lot set. The balance is never cached or stored as a running total, so it
// cannot drift from the lots; the tradeoff is O(lots) per query, which is
// fine because per-owner lot counts are small.
type Aggregator struct {
	Store Store
}

// Balance returns the sum of remaining amounts over the owner's usable lots
// at asOf.
func (a Aggregator) Balance(ctx context.Context, owner OwnerID, asOf time.Time) (Amount, error) {
	lots, err := a.Store.UsableLots(ctx, owner, asOf)
	if err != nil {
		return Amount{}, err
	}
	return SumRemaining(lots), nil
}

// SumRemaining totals the remaining amounts of the given lots.
func SumRemaining(lots []CreditLot) Amount {
	total := ZeroAmount()
	for _, lot := range lots {
		total = total.Add(lot.RemainingAmount)
	}
	return total
}
