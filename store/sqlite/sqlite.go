/*
Package sqlite provides the SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.Store and ledger.TxStore using SQLite. In production
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  credit_lots:    Mutable lot state; decremented only via version CAS
  ledger_entries: Immutable audit log; INSERT is the only write

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statement exists for ledger_entries. The single
  UPDATE on credit_lots is the compare-and-swap decrement.

OPTIMISTIC CONCURRENCY:
  DecrementLot reads the row, computes the new remaining amount in Go,
  and updates WHERE id = ? AND version = ?. Zero rows affected means a
  concurrent writer won; the caller rolls back and retries.

ISSUANCE IDEMPOTENCY:
  A partial unique index on (owner, source_event_ref, credit_type)
  rejects double-crediting the same cancellation. The conflict maps to
  ledger.ErrDuplicateIssuance.

PROVISIONING:
  Queries against a database missing the ledger tables return
  ledger.ErrNotProvisioned instead of empty results, so a provisioning
  mistake is never mistaken for a genuinely empty ledger. Use New to
  migrate on open, or Attach to connect to an externally provisioned
  database.

WAL MODE:
  The database is opened with WAL for better read concurrency. Writes go
  through a single connection so SQLite's writer lock never surfaces as
  SQLITE_BUSY to callers.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/credit-ledger/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	q  querier
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ ledger.TxStore = (*Store)(nil)

// New opens (or creates) a database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	store, err := Attach(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Attach opens a database without migrating. Intended for databases
// provisioned externally; operations against missing tables fail with
// ledger.ErrNotProvisioned.
func Attach(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: serializes writers below SQLite's own lock.
	db.SetMaxOpenConns(1)
	return &Store{db: db, q: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Credit lots (mutable state, CAS-decremented)
	CREATE TABLE IF NOT EXISTS credit_lots (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		credit_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		issued_at TEXT NOT NULL,
		expires_at TEXT,
		consumed INTEGER NOT NULL DEFAULT 0,
		consumed_at TEXT,
		source_event_ref TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1
	);

	-- FIFO walk and balance queries (hot path)
	CREATE INDEX IF NOT EXISTS idx_lots_owner_issued
		ON credit_lots(owner, issued_at);

	-- Idempotent issuance: one lot per (owner, source event, credit type)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_lots_source_unique
		ON credit_lots(owner, source_event_ref, credit_type)
		WHERE source_event_ref != '';

	-- Expiration sweep
	CREATE INDEX IF NOT EXISTS idx_lots_expires
		ON credit_lots(expires_at) WHERE expires_at IS NOT NULL;

	-- Ledger entries (append-only audit log)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		related_lot_id TEXT,
		related_event_ref TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_owner_created
		ON ledger_entries(owner, created_at);

	-- One expiration write-off per lot
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_expired_unique
		ON ledger_entries(related_lot_id, kind)
		WHERE kind = 'expired';
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a transactional view of the store.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	view := &Store{db: s.db, q: tx}
	if err := fn(view); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// LOTS
// =============================================================================

const lotColumns = `id, owner, original_amount, remaining_amount, credit_type,
	description, issued_at, expires_at, consumed, consumed_at, source_event_ref, version`

func (s *Store) InsertLot(ctx context.Context, lot ledger.CreditLot) error {
	query := `
		INSERT INTO credit_lots
		(id, owner, original_amount, remaining_amount, credit_type, description,
		 issued_at, expires_at, consumed, consumed_at, source_event_ref, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.q.ExecContext(ctx, query,
		lot.ID,
		lot.Owner,
		lot.OriginalAmount.String(),
		lot.RemainingAmount.String(),
		lot.Type,
		lot.Description,
		formatTime(lot.IssuedAt),
		nullTime(lot.ExpiresAt),
		lot.Consumed,
		nullTime(lot.ConsumedAt),
		lot.SourceEventRef,
		lot.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err, "credit_lots") {
			return ledger.ErrDuplicateIssuance
		}
		return mapError("failed to insert lot", err)
	}
	return nil
}

func (s *Store) GetLot(ctx context.Context, id ledger.LotID) (ledger.CreditLot, error) {
	query := `SELECT ` + lotColumns + ` FROM credit_lots WHERE id = ?`
	lot, err := scanLot(s.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return ledger.CreditLot{}, ledger.ErrLotNotFound
	}
	if err != nil {
		return ledger.CreditLot{}, mapError("failed to get lot", err)
	}
	return lot, nil
}

func (s *Store) FindLotBySource(ctx context.Context, owner ledger.OwnerID, ref string, creditType ledger.CreditType) (*ledger.CreditLot, error) {
	if ref == "" {
		return nil, nil
	}
	query := `SELECT ` + lotColumns + ` FROM credit_lots
		WHERE owner = ? AND source_event_ref = ? AND credit_type = ?`
	lot, err := scanLot(s.q.QueryRowContext(ctx, query, owner, ref, creditType))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("failed to find lot by source", err)
	}
	return &lot, nil
}

func (s *Store) UsableLots(ctx context.Context, owner ledger.OwnerID, asOf time.Time) ([]ledger.CreditLot, error) {
	query := `SELECT ` + lotColumns + ` FROM credit_lots
		WHERE owner = ? AND consumed = 0
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY issued_at ASC, id ASC`
	return s.queryLots(ctx, query, owner, formatTime(asOf))
}

func (s *Store) LotsByOwner(ctx context.Context, owner ledger.OwnerID) ([]ledger.CreditLot, error) {
	query := `SELECT ` + lotColumns + ` FROM credit_lots
		WHERE owner = ?
		ORDER BY issued_at ASC, id ASC`
	return s.queryLots(ctx, query, owner)
}

func (s *Store) ExpiredLots(ctx context.Context, asOf time.Time) ([]ledger.CreditLot, error) {
	query := `SELECT ` + lotColumns + ` FROM credit_lots l
		WHERE l.consumed = 0
		  AND l.expires_at IS NOT NULL AND l.expires_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries e
			WHERE e.related_lot_id = l.id AND e.kind = 'expired'
		  )
		ORDER BY l.issued_at ASC, l.id ASC`
	return s.queryLots(ctx, query, formatTime(asOf))
}

// DecrementLot performs the optimistic-concurrency decrement. The update is
// guarded by WHERE version = ?; zero rows affected means a concurrent writer
// got there first.
func (s *Store) DecrementLot(ctx context.Context, id ledger.LotID, amount ledger.Amount, expectedVersion int64, now time.Time) (ledger.Amount, error) {
	lot, err := s.GetLot(ctx, id)
	if err != nil {
		return ledger.Amount{}, err
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

	newRemaining := lot.RemainingAmount.Sub(amount)
	consumed := newRemaining.IsZero()
	var consumedAt any
	if consumed {
		consumedAt = formatTime(now)
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE credit_lots
		SET remaining_amount = ?, consumed = ?, consumed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		newRemaining.String(), consumed, consumedAt, id, expectedVersion,
	)
	if err != nil {
		return ledger.Amount{}, mapError("failed to decrement lot", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.Amount{}, fmt.Errorf("failed to decrement lot: %w", err)
	}
	if affected == 0 {
		return ledger.Amount{}, ledger.ErrConcurrentModification
	}
	return newRemaining, nil
}

func (s *Store) queryLots(ctx context.Context, query string, args ...any) ([]ledger.CreditLot, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("failed to query lots", err)
	}
	defer rows.Close()

	var lots []ledger.CreditLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLot(row scanner) (ledger.CreditLot, error) {
	var (
		lot                   ledger.CreditLot
		original, remaining   string
		issuedAt              string
		expiresAt, consumedAt sql.NullString
	)
	err := row.Scan(
		&lot.ID, &lot.Owner, &original, &remaining, &lot.Type, &lot.Description,
		&issuedAt, &expiresAt, &lot.Consumed, &consumedAt, &lot.SourceEventRef, &lot.Version,
	)
	if err != nil {
		return ledger.CreditLot{}, err
	}

	if lot.OriginalAmount, err = ledger.ParseAmount(original); err != nil {
		return ledger.CreditLot{}, err
	}
	if lot.RemainingAmount, err = ledger.ParseAmount(remaining); err != nil {
		return ledger.CreditLot{}, err
	}
	if lot.IssuedAt, err = parseTime(issuedAt); err != nil {
		return ledger.CreditLot{}, err
	}
	if lot.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return ledger.CreditLot{}, err
	}
	if lot.ConsumedAt, err = parseNullTime(consumedAt); err != nil {
		return ledger.CreditLot{}, err
	}
	return lot, nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, e ledger.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries
		(id, owner, kind, amount, balance_before, balance_after,
		 related_lot_id, related_event_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var relatedLot any
	if e.RelatedLotID != nil {
		relatedLot = string(*e.RelatedLotID)
	}
	_, err := s.q.ExecContext(ctx, query,
		e.ID,
		e.Owner,
		e.Kind,
		e.Amount.String(),
		e.BalanceBefore.String(),
		e.BalanceAfter.String(),
		relatedLot,
		e.RelatedEventRef,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "ledger_entries") {
			return ledger.ErrDuplicateWriteOff
		}
		return mapError("failed to append entry", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, owner ledger.OwnerID) ([]ledger.LedgerEntry, error) {
	query := `
		SELECT id, owner, kind, amount, balance_before, balance_after,
		       related_lot_id, related_event_ref, created_at
		FROM ledger_entries
		WHERE owner = ?
		ORDER BY created_at ASC, rowid ASC
	`
	rows, err := s.q.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, mapError("failed to query history", err)
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		var (
			e                              ledger.LedgerEntry
			amount, before, after, created string
			relatedLot                     sql.NullString
		)
		err := rows.Scan(&e.ID, &e.Owner, &e.Kind, &amount, &before, &after,
			&relatedLot, &e.RelatedEventRef, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if e.Amount, err = ledger.ParseAmount(amount); err != nil {
			return nil, err
		}
		if e.BalanceBefore, err = ledger.ParseAmount(before); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = ledger.ParseAmount(after); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if relatedLot.Valid {
			id := ledger.LotID(relatedLot.String)
			e.RelatedLotID = &id
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// Stored with nanosecond padding so lexicographic order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error, table string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, table)
}

// mapError translates driver-level failures into ledger errors. A missing
// table means the database was never provisioned; surfacing that explicitly
// keeps it distinguishable from an empty ledger.
func mapError(msg string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%s: %w", msg, ledger.ErrNotProvisioned)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
