// Package store provides an in-memory TxStore implementation for tests
// and development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	lots    map[ledger.LotID]ledger.CreditLot
	entries map[ledger.OwnerID][]ledger.LedgerEntry
	swept   map[ledger.LotID]bool
}

func NewMemory() *Memory {
	return &Memory{
		lots:    make(map[ledger.LotID]ledger.CreditLot),
		entries: make(map[ledger.OwnerID][]ledger.LedgerEntry),
		swept:   make(map[ledger.LotID]bool),
	}
}

var _ ledger.TxStore = (*Memory)(nil)

// =============================================================================
// STORE INTERFACE
// =============================================================================

func (m *Memory) InsertLot(_ context.Context, lot ledger.CreditLot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLotLocked(lot)
}

func (m *Memory) insertLotLocked(lot ledger.CreditLot) error {
	if lot.SourceEventRef != "" {
		for _, existing := range m.lots {
			if existing.Owner == lot.Owner &&
				existing.SourceEventRef == lot.SourceEventRef &&
				existing.Type == lot.Type {
				return ledger.ErrDuplicateIssuance
			}
		}
	}
	m.lots[lot.ID] = lot
	return nil
}

func (m *Memory) GetLot(_ context.Context, id ledger.LotID) (ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLotLocked(id)
}

func (m *Memory) getLotLocked(id ledger.LotID) (ledger.CreditLot, error) {
	lot, ok := m.lots[id]
	if !ok {
		return ledger.CreditLot{}, ledger.ErrLotNotFound
	}
	return lot, nil
}

func (m *Memory) FindLotBySource(_ context.Context, owner ledger.OwnerID, ref string, creditType ledger.CreditType) (*ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLotBySourceLocked(owner, ref, creditType), nil
}

func (m *Memory) findLotBySourceLocked(owner ledger.OwnerID, ref string, creditType ledger.CreditType) *ledger.CreditLot {
	if ref == "" {
		return nil
	}
	for _, lot := range m.lots {
		if lot.Owner == owner && lot.SourceEventRef == ref && lot.Type == creditType {
			found := lot
			return &found
		}
	}
	return nil
}

func (m *Memory) UsableLots(_ context.Context, owner ledger.OwnerID, asOf time.Time) ([]ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usableLotsLocked(owner, asOf), nil
}

func (m *Memory) usableLotsLocked(owner ledger.OwnerID, asOf time.Time) []ledger.CreditLot {
	var result []ledger.CreditLot
	for _, lot := range m.lots {
		if lot.Owner == owner && lot.Usable(asOf) {
			result = append(result, lot)
		}
	}
	sortByIssuedAt(result)
	return result
}

func (m *Memory) LotsByOwner(_ context.Context, owner ledger.OwnerID) ([]ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.CreditLot
	for _, lot := range m.lots {
		if lot.Owner == owner {
			result = append(result, lot)
		}
	}
	sortByIssuedAt(result)
	return result, nil
}

func (m *Memory) ExpiredLots(_ context.Context, asOf time.Time) ([]ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiredLotsLocked(asOf), nil
}

func (m *Memory) expiredLotsLocked(asOf time.Time) []ledger.CreditLot {
	var result []ledger.CreditLot
	for _, lot := range m.lots {
		if !lot.Consumed && lot.Expired(asOf) && !m.swept[lot.ID] {
			result = append(result, lot)
		}
	}
	sortByIssuedAt(result)
	return result
}

func (m *Memory) DecrementLot(_ context.Context, id ledger.LotID, amount ledger.Amount, expectedVersion int64, now time.Time) (ledger.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decrementLotLocked(id, amount, expectedVersion, now)
}

func (m *Memory) decrementLotLocked(id ledger.LotID, amount ledger.Amount, expectedVersion int64, now time.Time) (ledger.Amount, error) {
	lot, ok := m.lots[id]
	if !ok {
		return ledger.Amount{}, ledger.ErrLotNotFound
	}
	if lot.Version != expectedVersion {
		return ledger.Amount{}, ledger.ErrConcurrentModification
	}
	if amount.GreaterThan(lot.RemainingAmount) {
		return ledger.Amount{}, &ledger.ConsistencyError{
			Op:        "DecrementLot",
			LotID:     id,
			Remaining: lot.RemainingAmount,
			Requested: amount,
		}
	}

	lot.RemainingAmount = lot.RemainingAmount.Sub(amount)
	lot.Version++
	if lot.RemainingAmount.IsZero() {
		lot.Consumed = true
		consumedAt := now
		lot.ConsumedAt = &consumedAt
	}
	m.lots[id] = lot
	return lot.RemainingAmount, nil
}

func (m *Memory) AppendEntry(_ context.Context, e ledger.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntryLocked(e)
}

func (m *Memory) appendEntryLocked(e ledger.LedgerEntry) error {
	if e.Kind == ledger.EntryExpired && e.RelatedLotID != nil {
		if m.swept[*e.RelatedLotID] {
			return ledger.ErrDuplicateWriteOff
		}
		m.swept[*e.RelatedLotID] = true
	}
	m.entries[e.Owner] = append(m.entries[e.Owner], e)
	return nil
}

func (m *Memory) History(_ context.Context, owner ledger.OwnerID) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.historyLocked(owner), nil
}

func (m *Memory) historyLocked(owner ledger.OwnerID) []ledger.LedgerEntry {
	result := make([]ledger.LedgerEntry, len(m.entries[owner]))
	copy(result, m.entries[owner])
	return result
}

func sortByIssuedAt(lots []ledger.CreditLot) {
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].IssuedAt.Equal(lots[j].IssuedAt) {
			return lots[i].ID < lots[j].ID
		}
		return lots[i].IssuedAt.Before(lots[j].IssuedAt)
	})
}

// =============================================================================
// TRANSACTIONS - Snapshot and restore
// =============================================================================

// WithTx executes fn against a view of the store. For the memory store this
// is simulated with a snapshot taken up front and restored if fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	lots    map[ledger.LotID]ledger.CreditLot
	entries map[ledger.OwnerID][]ledger.LedgerEntry
	swept   map[ledger.LotID]bool
}

func (m *Memory) snapshot() memorySnapshot {
	lots := make(map[ledger.LotID]ledger.CreditLot, len(m.lots))
	for k, v := range m.lots {
		lots[k] = v
	}
	entries := make(map[ledger.OwnerID][]ledger.LedgerEntry, len(m.entries))
	for k, v := range m.entries {
		entries[k] = append([]ledger.LedgerEntry{}, v...)
	}
	swept := make(map[ledger.LotID]bool, len(m.swept))
	for k, v := range m.swept {
		swept[k] = v
	}
	return memorySnapshot{lots: lots, entries: entries, swept: swept}
}

func (m *Memory) restore(s memorySnapshot) {
	m.lots = s.lots
	m.entries = s.entries
	m.swept = s.swept
}

// txView routes store calls to the parent's unlocked internals; the parent's
// mutex is already held for the duration of WithTx.
type txView struct {
	parent *Memory
}

func (tv *txView) InsertLot(_ context.Context, lot ledger.CreditLot) error {
	return tv.parent.insertLotLocked(lot)
}

func (tv *txView) GetLot(_ context.Context, id ledger.LotID) (ledger.CreditLot, error) {
	return tv.parent.getLotLocked(id)
}

func (tv *txView) FindLotBySource(_ context.Context, owner ledger.OwnerID, ref string, creditType ledger.CreditType) (*ledger.CreditLot, error) {
	return tv.parent.findLotBySourceLocked(owner, ref, creditType), nil
}

func (tv *txView) UsableLots(_ context.Context, owner ledger.OwnerID, asOf time.Time) ([]ledger.CreditLot, error) {
	return tv.parent.usableLotsLocked(owner, asOf), nil
}

func (tv *txView) LotsByOwner(ctx context.Context, owner ledger.OwnerID) ([]ledger.CreditLot, error) {
	var result []ledger.CreditLot
	for _, lot := range tv.parent.lots {
		if lot.Owner == owner {
			result = append(result, lot)
		}
	}
	sortByIssuedAt(result)
	return result, nil
}

func (tv *txView) ExpiredLots(_ context.Context, asOf time.Time) ([]ledger.CreditLot, error) {
	return tv.parent.expiredLotsLocked(asOf), nil
}

func (tv *txView) DecrementLot(_ context.Context, id ledger.LotID, amount ledger.Amount, expectedVersion int64, now time.Time) (ledger.Amount, error) {
	return tv.parent.decrementLotLocked(id, amount, expectedVersion, now)
}

func (tv *txView) AppendEntry(_ context.Context, e ledger.LedgerEntry) error {
	return tv.parent.appendEntryLocked(e)
}

func (tv *txView) History(_ context.Context, owner ledger.OwnerID) ([]ledger.LedgerEntry, error) {
	return tv.parent.historyLocked(owner), nil
}
