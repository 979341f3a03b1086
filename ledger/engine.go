/*
engine.go - Credit issuance and FIFO consumption

PURPOSE:
  The Engine is the only writer of lots and ledger entries. It exposes the
  operations adjacent application code calls in-process:

    OnCancellation - policy calculation + issuance for a cancelled event
    IssueLot       - direct issuance (refunds, promotions, adjustments)
    Consume        - FIFO depletion of an owner's lots
    Balance        - recompute-on-read spendable balance
    History        - chronological ledger entries
    ExpireLots     - write-off sweep for expired lots

CONSUMPTION ALGORITHM:
  1. Pre-check: if the balance is below the requested amount, fail with
     InsufficientCredit. No lot or ledger mutation occurs.
  2. Allocation: walk usable lots oldest-first, taking
     min(lot.remaining, still needed) from each, decrementing via version
     compare-and-swap and appending one "used" entry per lot touched.
  3. Atomicity: the whole walk runs inside one store transaction. A version
     conflict mid-walk aborts everything and retries from step 1.

  The pre-check-then-mutate shape is a TOCTOU hazard by construction;
  correctness comes from the compare-and-swap inside the same transaction:
  if any lot changed since it was read, the decrement fails, the
  transaction rolls back, and the whole operation restarts.

RETRY BUDGET:
  Conflicts are transient (two devices, a double-tap, a retried call).
  The engine retries the full operation up to maxAttempts times, then
  surfaces ErrTemporarilyUnavailable, which the caller may retry.

CONSISTENCY VIOLATIONS:
  A decrement below zero indicates a bug, not contention. It is logged with
  full context and surfaced, never retried and never swallowed.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ENGINE
// =============================================================================

const defaultMaxAttempts = 3

type Engine struct {
	store       TxStore
	policy      CancellationPolicy
	clock       func() time.Time
	maxAttempts int
	logger      *log.Logger
}

type Option func(*Engine)

// WithPolicy overrides the default cancellation refund tiers.
func WithPolicy(p CancellationPolicy) Option { return func(e *Engine) { e.policy = p } }

// WithClock overrides the time source. Tests use this for determinism.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// WithMaxAttempts overrides the consume retry budget.
func WithMaxAttempts(n int) Option { return func(e *Engine) { e.maxAttempts = n } }

// WithLogger overrides the operator log destination.
func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		policy:      DefaultCancellationPolicy(),
		clock:       time.Now,
		maxAttempts: defaultMaxAttempts,
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// ISSUANCE
// =============================================================================

// IssueRequest describes a credit grant.
type IssueRequest struct {
	Owner          OwnerID
	Amount         Amount
	Type           CreditType
	SourceEventRef string
	Description    string

	// TTL bounds the lot's lifetime. When nil, cancellation credits get the
	// policy default; other credit types get no expiration.
	TTL *time.Duration
}

// IssueLot creates a new credit lot and records the matching ledger entry.
// Issuance is idempotent per (owner, sourceEventRef, creditType): repeating
// a call for the same source event returns the existing lot unchanged.
func (e *Engine) IssueLot(ctx context.Context, req IssueRequest) (CreditLot, error) {
	if !req.Amount.IsPositive() {
		return CreditLot{}, fmt.Errorf("issue lot for %s: %w", req.Owner, ErrInvalidAmount)
	}

	now := e.clock()
	lot := CreditLot{
		ID:              LotID(uuid.NewString()),
		Owner:           req.Owner,
		OriginalAmount:  req.Amount,
		RemainingAmount: req.Amount,
		Type:            req.Type,
		Description:     req.Description,
		IssuedAt:        now,
		SourceEventRef:  req.SourceEventRef,
		Version:         1,
	}
	if req.TTL != nil {
		expires := now.Add(*req.TTL)
		lot.ExpiresAt = &expires
	} else if req.Type == CreditCancellation {
		expires := now.Add(e.policy.DefaultTTL)
		lot.ExpiresAt = &expires
	}

	result := lot
	err := e.store.WithTx(ctx, func(s Store) error {
		if req.SourceEventRef != "" {
			existing, err := s.FindLotBySource(ctx, req.Owner, req.SourceEventRef, req.Type)
			if err != nil {
				return err
			}
			if existing != nil {
				result = *existing
				return nil
			}
		}

		balance, err := Aggregator{Store: s}.Balance(ctx, req.Owner, now)
		if err != nil {
			return err
		}

		if err := s.InsertLot(ctx, lot); err != nil {
			return err
		}

		kind := EntryEarned
		if req.Type == CreditRefund {
			kind = EntryRefunded
		}
		lotID := lot.ID
		return s.AppendEntry(ctx, LedgerEntry{
			ID:              EntryID(uuid.NewString()),
			Owner:           req.Owner,
			Kind:            kind,
			Amount:          req.Amount,
			BalanceBefore:   balance,
			BalanceAfter:    balance.Add(req.Amount),
			RelatedLotID:    &lotID,
			RelatedEventRef: req.SourceEventRef,
			CreatedAt:       now,
		})
	})
	if err != nil {
		return CreditLot{}, err
	}
	return result, nil
}

// OnCancellation is the issuance trigger called by the booking subsystem
// once a cancellation has already been approved there. It runs the refund
// policy and, if the cancellation is eligible, issues a lot. Returns
// eligible=false with no error (and no mutation) otherwise.
func (e *Engine) OnCancellation(ctx context.Context, owner OwnerID, sourceEventRef string, paidAmount Amount, scheduledAt time.Time, description string) (CreditLot, bool, error) {
	credit, eligible := e.policy.CreditFor(paidAmount, scheduledAt, e.clock())
	if !eligible {
		return CreditLot{}, false, nil
	}

	lot, err := e.IssueLot(ctx, IssueRequest{
		Owner:          owner,
		Amount:         credit,
		Type:           CreditCancellation,
		SourceEventRef: sourceEventRef,
		Description:    description,
	})
	if err != nil {
		return CreditLot{}, false, err
	}
	return lot, true, nil
}

// =============================================================================
// CONSUMPTION
// =============================================================================

// Consume depletes the owner's lots oldest-first to satisfy the requested
// amount. All decrements and ledger entries for one call commit as a single
// unit; on a version conflict the whole operation retries from the balance
// pre-check, up to the retry budget.
func (e *Engine) Consume(ctx context.Context, owner OwnerID, amount Amount, consumingEventRef string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("consume for %s: %w", owner, ErrInvalidAmount)
	}

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		err := e.store.WithTx(ctx, func(s Store) error {
			return e.consumeOnce(ctx, s, owner, amount, consumingEventRef)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if errors.Is(err, ErrConsistencyViolation) {
			e.logger.Printf("ALERT consistency violation consuming %s for owner %s: %v", amount, owner, err)
		}
		return err
	}
	return fmt.Errorf("consume %s for %s: %w", amount, owner, ErrTemporarilyUnavailable)
}

func (e *Engine) consumeOnce(ctx context.Context, s Store, owner OwnerID, amount Amount, eventRef string) error {
	now := e.clock()

	lots, err := s.UsableLots(ctx, owner, now)
	if err != nil {
		return err
	}

	balance := SumRemaining(lots)
	if balance.LessThan(amount) {
		return &InsufficientCreditError{Owner: owner, Available: balance, Requested: amount}
	}

	needed := amount
	before := balance
	for _, lot := range lots {
		if needed.IsZero() {
			break
		}

		take := lot.RemainingAmount.Min(needed)
		if _, err := s.DecrementLot(ctx, lot.ID, take, lot.Version, now); err != nil {
			return err
		}

		lotID := lot.ID
		after := before.Sub(take)
		entry := LedgerEntry{
			ID:              EntryID(uuid.NewString()),
			Owner:           owner,
			Kind:            EntryUsed,
			Amount:          take,
			BalanceBefore:   before,
			BalanceAfter:    after,
			RelatedLotID:    &lotID,
			RelatedEventRef: eventRef,
			CreatedAt:       now,
		}
		if err := s.AppendEntry(ctx, entry); err != nil {
			return err
		}

		before = after
		needed = needed.Sub(take)
	}

	// The pre-check guarantees the walk satisfies the full amount.
	if !needed.IsZero() {
		return fmt.Errorf("allocation left %s unsatisfied: %w", needed, ErrConsistencyViolation)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Balance returns the owner's spendable balance right now.
func (e *Engine) Balance(ctx context.Context, owner OwnerID) (Amount, error) {
	return e.BalanceAt(ctx, owner, e.clock())
}

// BalanceAt returns the owner's spendable balance at a point in time.
func (e *Engine) BalanceAt(ctx context.Context, owner OwnerID, asOf time.Time) (Amount, error) {
	return Aggregator{Store: e.store}.Balance(ctx, owner, asOf)
}

// History returns the owner's ledger entries in chronological order.
func (e *Engine) History(ctx context.Context, owner OwnerID) ([]LedgerEntry, error) {
	return e.store.History(ctx, owner)
}

// Lots returns all of the owner's lots, consumed and expired included.
func (e *Engine) Lots(ctx context.Context, owner OwnerID) ([]CreditLot, error) {
	return e.store.LotsByOwner(ctx, owner)
}

// =============================================================================
// EXPIRATION SWEEP
// =============================================================================

// ExpireLots writes off lots that expired on or before asOf, appending one
// "expired" ledger entry per lot so the audit chain records the write-off.
// Expired lots are already excluded from balances by filtering; the sweep
// only reconciles the ledger. Returns the number of lots written off.
func (e *Engine) ExpireLots(ctx context.Context, asOf time.Time) (int, error) {
	swept := 0
	err := e.store.WithTx(ctx, func(s Store) error {
		expired, err := s.ExpiredLots(ctx, asOf)
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		byOwner := make(map[OwnerID][]CreditLot)
		for _, lot := range expired {
			byOwner[lot.Owner] = append(byOwner[lot.Owner], lot)
		}

		now := e.clock()
		for owner, lots := range byOwner {
			sort.Slice(lots, func(i, j int) bool { return lots[i].IssuedAt.Before(lots[j].IssuedAt) })

			balance, err := Aggregator{Store: s}.Balance(ctx, owner, asOf)
			if err != nil {
				return err
			}

			// Chain the write-offs down from the balance as it stood before
			// expiry took effect, ending at the live balance.
			before := balance.Add(SumRemaining(lots))
			for _, lot := range lots {
				lotID := lot.ID
				after := before.Sub(lot.RemainingAmount)
				err := s.AppendEntry(ctx, LedgerEntry{
					ID:              EntryID(uuid.NewString()),
					Owner:           owner,
					Kind:            EntryExpired,
					Amount:          lot.RemainingAmount,
					BalanceBefore:   before,
					BalanceAfter:    after,
					RelatedLotID:    &lotID,
					RelatedEventRef: lot.SourceEventRef,
					CreatedAt:       now,
				})
				before = after
				if errors.Is(err, ErrDuplicateWriteOff) {
					continue
				}
				if err != nil {
					return err
				}
				swept++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}
