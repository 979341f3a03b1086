/*
store.go - Persistence interfaces for lots and ledger entries

PURPOSE:
  Defines the interface between the engine and the database. The engine has
  no ambient global state: a Store is injected at construction, so it can be
  exercised against the in-memory implementation in tests and SQLite in
  production.

OWNERSHIP:
  Lots and ledger entries are exclusively owned by the engine. External
  subsystems never write to either table directly.

APPEND-ONLY CONTRACT:
  Ledger entries have exactly one write operation: AppendEntry. No update,
  no delete. Lots are inserted once and mutated only via DecrementLot, which
  performs a version compare-and-swap.

TRANSACTIONS:
  TxStore.WithTx runs a function against a transactional view of the store.
  A consume call spans multiple lot decrements plus ledger appends; all of
  it commits as a single unit or not at all.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: production SQLite
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Lot and entry persistence
// =============================================================================

type Store interface {
	// InsertLot persists a new lot. Returns ErrDuplicateIssuance when a lot
	// with the same (Owner, SourceEventRef, Type) already exists and the
	// source ref is non-empty.
	InsertLot(ctx context.Context, lot CreditLot) error

	// GetLot returns a lot by id, or ErrLotNotFound.
	GetLot(ctx context.Context, id LotID) (CreditLot, error)

	// FindLotBySource returns the lot issued for a source event, or nil when
	// none exists. Used to make retried issuance a no-op.
	FindLotBySource(ctx context.Context, owner OwnerID, sourceEventRef string, creditType CreditType) (*CreditLot, error)

	// UsableLots returns the owner's unconsumed, unexpired lots ordered
	// ascending by IssuedAt. This ordering is the FIFO contract the
	// consumption engine depends on.
	UsableLots(ctx context.Context, owner OwnerID, asOf time.Time) ([]CreditLot, error)

	// LotsByOwner returns all of an owner's lots, consumed and expired
	// included, ordered ascending by IssuedAt. Read-only, for display.
	LotsByOwner(ctx context.Context, owner OwnerID) ([]CreditLot, error)

	// ExpiredLots returns lots that are expired at asOf, not consumed, and
	// have no "expired" write-off entry yet. Input to the expiration sweep.
	ExpiredLots(ctx context.Context, asOf time.Time) ([]CreditLot, error)

	// DecrementLot atomically subtracts amount from the lot's remaining
	// balance, but only if the lot's current version equals expectedVersion.
	// On mismatch it returns ErrConcurrentModification; a losing writer must
	// retry, never overwrite. Returns ConsistencyError if amount exceeds the
	// remaining balance. Sets Consumed and ConsumedAt when the result is
	// exactly zero, and increments the version.
	DecrementLot(ctx context.Context, id LotID, amount Amount, expectedVersion int64, now time.Time) (Amount, error)

	// AppendEntry persists a ledger entry. Write-once: entries are never
	// updated or deleted. Returns ErrDuplicateWriteOff for a second
	// "expired" entry on the same lot.
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// History returns all entries for an owner in chronological order.
	History(ctx context.Context, owner OwnerID) ([]LedgerEntry, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore extends Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn against a transactional view.
	// If fn returns an error, every write made through the view is rolled
	// back; otherwise all of them commit together.
	WithTx(ctx context.Context, fn func(Store) error) error
}
