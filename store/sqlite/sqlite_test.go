package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func makeLot(id, owner string, amount int64, issuedAt time.Time) ledger.CreditLot {
	return ledger.CreditLot{
		ID:              ledger.LotID(id),
		Owner:           ledger.OwnerID(owner),
		OriginalAmount:  ledger.NewAmount(amount),
		RemainingAmount: ledger.NewAmount(amount),
		Type:            ledger.CreditCancellation,
		IssuedAt:        issuedAt,
		Version:         1,
	}
}

// =============================================================================
// LOT ROUND-TRIP
// =============================================================================

func TestInsertAndGetLot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	issued := time.Date(2025, time.March, 1, 12, 0, 0, 123456789, time.UTC)

	lot := makeLot("lot-1", "o1", 150000, issued)
	lot.Description = "cancelled pilates class"
	lot.SourceEventRef = "appt-1"
	expiry := issued.Add(365 * 24 * time.Hour)
	lot.ExpiresAt = &expiry

	require.NoError(t, store.InsertLot(ctx, lot))

	got, err := store.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, lot.ID, got.ID)
	assert.Equal(t, lot.Owner, got.Owner)
	assert.True(t, got.OriginalAmount.Equal(lot.OriginalAmount))
	assert.True(t, got.RemainingAmount.Equal(lot.RemainingAmount))
	assert.Equal(t, lot.Type, got.Type)
	assert.Equal(t, lot.Description, got.Description)
	assert.Equal(t, lot.SourceEventRef, got.SourceEventRef)
	assert.True(t, got.IssuedAt.Equal(issued), "nanosecond precision survives the round trip")
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expiry))
	assert.False(t, got.Consumed)
	assert.Nil(t, got.ConsumedAt)
	assert.Equal(t, int64(1), got.Version)
}

func TestGetLot_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetLot(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrLotNotFound)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// IDEMPOTENT ISSUANCE
// =============================================================================

func TestInsertLot_UniqueSourceEvent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	first := makeLot("lot-1", "o1", 1000, now)
	first.SourceEventRef = "appt-1"
	require.NoError(t, store.InsertLot(ctx, first))

	// Same (owner, source event, credit type): the partial unique index fires.
	dup := makeLot("lot-2", "o1", 1000, now)
	dup.SourceEventRef = "appt-1"
	err := store.InsertLot(ctx, dup)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIssuance)

	// Different credit type for the same event is a distinct grant.
	refund := makeLot("lot-3", "o1", 1000, now)
	refund.SourceEventRef = "appt-1"
	refund.Type = ledger.CreditRefund
	assert.NoError(t, store.InsertLot(ctx, refund))

	// Empty source refs never collide.
	manual1 := makeLot("lot-4", "o1", 1000, now)
	manual2 := makeLot("lot-5", "o1", 1000, now)
	assert.NoError(t, store.InsertLot(ctx, manual1))
	assert.NoError(t, store.InsertLot(ctx, manual2))
}

func TestFindLotBySource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	lot := makeLot("lot-1", "o1", 1000, now)
	lot.SourceEventRef = "appt-1"
	require.NoError(t, store.InsertLot(ctx, lot))

	found, err := store.FindLotBySource(ctx, "o1", "appt-1", ledger.CreditCancellation)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, lot.ID, found.ID)

	missing, err := store.FindLotBySource(ctx, "o1", "appt-2", ledger.CreditCancellation)
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Empty ref short-circuits: manual grants are never deduplicated.
	none, err := store.FindLotBySource(ctx, "o1", "", ledger.CreditCancellation)
	require.NoError(t, err)
	assert.Nil(t, none)
}

// =============================================================================
// OPTIMISTIC CONCURRENCY
// =============================================================================

func TestDecrementLot_VersionCAS(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertLot(ctx, makeLot("lot-1", "o1", 100, now)))

	remaining, err := store.DecrementLot(ctx, "lot-1", ledger.NewAmount(30), 1, now)
	require.NoError(t, err)
	assert.True(t, remaining.Equal(ledger.NewAmount(70)))

	// Replaying with the stale version loses the race.
	_, err = store.DecrementLot(ctx, "lot-1", ledger.NewAmount(30), 1, now)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.True(t, ledger.IsRetryable(err))

	lot, err := store.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), lot.Version)
	assert.True(t, lot.RemainingAmount.Equal(ledger.NewAmount(70)))
}

func TestDecrementLot_ToZeroMarksConsumed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertLot(ctx, makeLot("lot-1", "o1", 100, now)))

	consumedAt := now.Add(time.Hour)
	remaining, err := store.DecrementLot(ctx, "lot-1", ledger.NewAmount(100), 1, consumedAt)
	require.NoError(t, err)
	assert.True(t, remaining.IsZero())

	lot, err := store.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.True(t, lot.Consumed)
	require.NotNil(t, lot.ConsumedAt)
	assert.True(t, lot.ConsumedAt.Equal(consumedAt))

	// The exhausted lot drops out of the FIFO candidate set.
	usable, err := store.UsableLots(ctx, "o1", consumedAt)
	require.NoError(t, err)
	assert.Empty(t, usable)
}

func TestDecrementLot_RejectsOverdraw(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertLot(ctx, makeLot("lot-1", "o1", 100, now)))

	_, err := store.DecrementLot(ctx, "lot-1", ledger.NewAmount(101), 1, now)
	assert.ErrorIs(t, err, ledger.ErrConsistencyViolation)
}

// =============================================================================
// LOT QUERIES
// =============================================================================

func TestUsableLots_FIFOOrderAndExpiryFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	// Insert newest first to prove ordering comes from issued_at, not rowid.
	newer := makeLot("lot-b", "o1", 200, base.Add(time.Hour))
	require.NoError(t, store.InsertLot(ctx, newer))
	older := makeLot("lot-a", "o1", 100, base)
	require.NoError(t, store.InsertLot(ctx, older))

	expired := makeLot("lot-c", "o1", 300, base.Add(2*time.Hour))
	expiry := base.Add(3 * time.Hour)
	expired.ExpiresAt = &expiry
	require.NoError(t, store.InsertLot(ctx, expired))

	asOf := base.Add(4 * time.Hour)
	lots, err := store.UsableLots(ctx, "o1", asOf)
	require.NoError(t, err)

	require.Len(t, lots, 2)
	assert.Equal(t, ledger.LotID("lot-a"), lots[0].ID)
	assert.Equal(t, ledger.LotID("lot-b"), lots[1].ID)

	// Before the expiry the third lot is still in play.
	lots, err = store.UsableLots(ctx, "o1", base.Add(2*time.Hour+30*time.Minute))
	require.NoError(t, err)
	assert.Len(t, lots, 3)
}

func TestExpiredLots_SkipsWrittenOff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	lot := makeLot("lot-1", "o1", 100, base)
	expiry := base.Add(time.Hour)
	lot.ExpiresAt = &expiry
	require.NoError(t, store.InsertLot(ctx, lot))

	asOf := base.Add(2 * time.Hour)
	expired, err := store.ExpiredLots(ctx, asOf)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	lotID := ledger.LotID("lot-1")
	entry := ledger.LedgerEntry{
		ID:           "e1",
		Owner:        "o1",
		Kind:         ledger.EntryExpired,
		Amount:       ledger.NewAmount(100),
		BalanceAfter: ledger.ZeroAmount(),
		RelatedLotID: &lotID,
		CreatedAt:    asOf,
	}
	entry.BalanceBefore = ledger.NewAmount(100)
	require.NoError(t, store.AppendEntry(ctx, entry))

	// Written-off lots leave the sweep candidate set, and a duplicate
	// write-off trips the unique index.
	expired, err = store.ExpiredLots(ctx, asOf)
	require.NoError(t, err)
	assert.Empty(t, expired)

	dup := entry
	dup.ID = "e2"
	assert.ErrorIs(t, store.AppendEntry(ctx, dup), ledger.ErrDuplicateWriteOff)
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func TestHistory_ChronologicalOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	lotID := ledger.LotID("lot-1")
	entries := []ledger.LedgerEntry{
		{ID: "e1", Owner: "o1", Kind: ledger.EntryEarned, Amount: ledger.NewAmount(100),
			BalanceBefore: ledger.ZeroAmount(), BalanceAfter: ledger.NewAmount(100),
			RelatedLotID: &lotID, CreatedAt: base},
		{ID: "e2", Owner: "o1", Kind: ledger.EntryUsed, Amount: ledger.NewAmount(40),
			BalanceBefore: ledger.NewAmount(100), BalanceAfter: ledger.NewAmount(60),
			RelatedLotID: &lotID, RelatedEventRef: "purchase-1", CreatedAt: base.Add(time.Hour)},
	}
	// Insert out of order; created_at drives the read order.
	require.NoError(t, store.AppendEntry(ctx, entries[1]))
	require.NoError(t, store.AppendEntry(ctx, entries[0]))

	got, err := store.History(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.EntryID("e1"), got[0].ID)
	assert.Equal(t, ledger.EntryID("e2"), got[1].ID)
	assert.True(t, got[1].BalanceBefore.Equal(got[0].BalanceAfter))
	assert.Equal(t, "purchase-1", got[1].RelatedEventRef)
	require.NotNil(t, got[1].RelatedLotID)
	assert.Equal(t, lotID, *got[1].RelatedLotID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertLot(ctx, makeLot("lot-1", "o1", 100, now)))

	boom := assert.AnError
	err := store.WithTx(ctx, func(s ledger.Store) error {
		if _, err := s.DecrementLot(ctx, "lot-1", ledger.NewAmount(40), 1, now); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	lot, err := store.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.True(t, lot.RemainingAmount.Equal(ledger.NewAmount(100)), "decrement rolled back")
	assert.Equal(t, int64(1), lot.Version)
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.InsertLot(ctx, makeLot("lot-1", "o1", 100, now)); err != nil {
			return err
		}
		return s.AppendEntry(ctx, ledger.LedgerEntry{
			ID: "e1", Owner: "o1", Kind: ledger.EntryEarned,
			Amount:        ledger.NewAmount(100),
			BalanceBefore: ledger.ZeroAmount(),
			BalanceAfter:  ledger.NewAmount(100),
			CreatedAt:     now,
		})
	})
	require.NoError(t, err)

	lot, err := store.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.True(t, lot.OriginalAmount.Equal(ledger.NewAmount(100)))

	history, err := store.History(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// =============================================================================
// PROVISIONING
// =============================================================================

func TestAttach_UnprovisionedDatabase(t *testing.T) {
	store, err := Attach(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.UsableLots(context.Background(), "o1", time.Now())
	assert.ErrorIs(t, err, ledger.ErrNotProvisioned)

	err = store.InsertLot(context.Background(), makeLot("lot-1", "o1", 100, time.Now()))
	assert.ErrorIs(t, err, ledger.ErrNotProvisioned)
}

// =============================================================================
// ENGINE INTEGRATION
// =============================================================================

// The full consumption path against real SQL: FIFO across lots, version
// bumps, and the audit chain.
func TestEngine_EndToEndOnSQLite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	engine := ledger.NewEngine(store, ledger.WithClock(func() time.Time { return clock }))

	scheduled := clock.Add(26 * time.Hour)
	_, eligible, err := engine.OnCancellation(ctx, "o1", "appt-1", ledger.NewAmount(200000), scheduled, "pilates")
	require.NoError(t, err)
	require.True(t, eligible)

	clock = clock.Add(time.Hour)
	require.NoError(t, engine.Consume(ctx, "o1", ledger.NewAmount(150000), "booking-2"))

	balance, err := engine.Balance(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(ledger.NewAmount(50000)))

	history, err := engine.History(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ledger.EntryEarned, history[0].Kind)
	assert.Equal(t, ledger.EntryUsed, history[1].Kind)
	assert.True(t, history[1].BalanceBefore.Equal(history[0].BalanceAfter))
	assert.True(t, history[1].BalanceAfter.Equal(balance))

	// Insufficient funds after the spend: all-or-nothing, no partial debit.
	err = engine.Consume(ctx, "o1", ledger.NewAmount(60000), "booking-3")
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)

	balance, err = engine.Balance(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(ledger.NewAmount(50000)))
}
