/*
Package sqlite provides a SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.LotStore, ledger.EdgeStore and ledger.AuditLog using
  SQLite. In production the same patterns apply to PostgreSQL - only minor
  SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  genealogy_edges and audit_log see INSERT statements only. No UPDATE, no
  DELETE - corrections are new compensating edges. The lots table is
  mutated exclusively through the compare-and-set statements in ApplyDelta
  and SetStatus.

OPTIMISTIC CONCURRENCY:
  ApplyDelta reads the row, validates in Go on decimal.Decimal, then runs a
  single UPDATE guarded by the expected status. Zero rows affected means a
  writer raced us: ErrConflict.

QUANTITIES:
  Stored as decimal strings, never floats. All arithmetic happens in Go on
  decimal.Decimal.

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block,
  single writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil { ... }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/lot-ledger/ledger"
)

// Store implements all ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps an in-memory database shared across the
	// store and sidesteps SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Lot records. Quantities are decimal strings.
	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		material_id TEXT NOT NULL,
		location_id TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL,
		kind TEXT NOT NULL,
		received_at TEXT NOT NULL,
		expiry_at TEXT,
		quantity_original TEXT NOT NULL,
		quantity_remaining TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- FEFO hot path: available lots of a material by expiry.
	CREATE INDEX IF NOT EXISTS idx_lots_material_status
		ON lots(material_id, status, expiry_at);
	CREATE INDEX IF NOT EXISTS idx_lots_location
		ON lots(location_id);

	-- Genealogy edges (append-only; no UPDATE or DELETE is ever issued)
	CREATE TABLE IF NOT EXISTS genealogy_edges (
		source_lot_id TEXT NOT NULL,
		derived_lot_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit TEXT NOT NULL,
		kind TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		batch_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_edges_source
		ON genealogy_edges(source_lot_id, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_edges_derived
		ON genealogy_edges(derived_lot_id, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_edges_batch
		ON genealogy_edges(batch_id);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		lot_id TEXT NOT NULL,
		delta TEXT NOT NULL,
		batch_id TEXT,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_lot
		ON audit_log(lot_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_actor
		ON audit_log(actor);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOT STORE (ledger.LotStore interface)
// =============================================================================

func (s *Store) CreateLot(ctx context.Context, lot ledger.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO lots
		(id, material_id, location_id, unit, kind, received_at, expiry_at,
		 quantity_original, quantity_remaining, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		lot.ID,
		lot.MaterialID,
		lot.LocationID,
		lot.Unit,
		lot.Kind,
		lot.ReceivedAt.UTC().Format(time.RFC3339Nano),
		nullTime(lot.ExpiryAt),
		lot.QuantityOriginal.String(),
		lot.QuantityRemaining.String(),
		lot.Status,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("lot %s already exists", lot.ID)
		}
		return fmt.Errorf("failed to create lot: %w", err)
	}
	return nil
}

const selectLot = `
	SELECT id, material_id, location_id, unit, kind, received_at, expiry_at,
	       quantity_original, quantity_remaining, status
	FROM lots
`

func (s *Store) GetLot(ctx context.Context, id ledger.LotID) (ledger.Lot, error) {
	lot, err := scanLot(s.db.QueryRowContext(ctx, selectLot+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return ledger.Lot{}, ledger.ErrLotNotFound
	}
	return lot, err
}

// ListAvailable returns available lots in FEFO order: expiry ascending with
// NULL expiries last, ties broken on received_at then id for deterministic
// audit replay.
func (s *Store) ListAvailable(ctx context.Context, material ledger.MaterialID, location ledger.LocationID) ([]ledger.Lot, error) {
	query := selectLot + `
		WHERE material_id = ? AND status = 'available'
		  AND quantity_remaining != '0'
	`
	args := []any{material}
	if location != "" {
		query += " AND location_id = ?"
		args = append(args, location)
	}
	query += `
		ORDER BY expiry_at IS NULL, expiry_at ASC, received_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list available lots: %w", err)
	}
	defer rows.Close()

	var lots []ledger.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		if lot.QuantityRemaining.IsPositive() {
			lots = append(lots, lot)
		}
	}
	return lots, rows.Err()
}

// ApplyDelta is the single compare-and-set mutation entry point. The row is
// read and validated in Go (decimal arithmetic), then updated under a
// status guard so a racing writer produces ErrConflict rather than a lost
// update.
func (s *Store) ApplyDelta(ctx context.Context, id ledger.LotID, delta decimal.Decimal, expected ledger.LotStatus) (ledger.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Lot{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lot, err := scanLot(tx.QueryRowContext(ctx, selectLot+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return ledger.Lot{}, ledger.ErrLotNotFound
	}
	if err != nil {
		return ledger.Lot{}, err
	}
	if lot.Status != expected {
		return ledger.Lot{}, ledger.ErrConflict
	}

	next := lot.QuantityRemaining.Add(delta)
	if next.IsNegative() || next.GreaterThan(lot.QuantityOriginal) {
		return ledger.Lot{}, ledger.ErrInsufficientQuantity
	}

	status := lot.Status
	switch {
	case next.IsZero() && status == ledger.StatusAvailable:
		status = ledger.StatusConsumed
	case next.IsPositive() && status == ledger.StatusConsumed:
		status = ledger.StatusAvailable
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE lots SET quantity_remaining = ?, status = ? WHERE id = ? AND status = ?`,
		next.String(), status, id, expected,
	)
	if err != nil {
		return ledger.Lot{}, fmt.Errorf("failed to apply delta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.Lot{}, ledger.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return ledger.Lot{}, fmt.Errorf("failed to commit delta: %w", err)
	}

	lot.QuantityRemaining = next
	lot.Status = status
	return lot, nil
}

func (s *Store) SetStatus(ctx context.Context, id ledger.LotID, from, to ledger.LotStatus) (ledger.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE lots SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return ledger.Lot{}, fmt.Errorf("failed to set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lots WHERE id = ?`, id).Scan(&exists); err != nil {
			return ledger.Lot{}, err
		}
		if exists == 0 {
			return ledger.Lot{}, ledger.ErrLotNotFound
		}
		return ledger.Lot{}, ledger.ErrConflict
	}

	lot, err := scanLot(s.db.QueryRowContext(ctx, selectLot+" WHERE id = ?", id))
	if err != nil {
		return ledger.Lot{}, err
	}
	return lot, nil
}

// AllLots returns every lot ordered by id. Used by the expiry sweeper and
// list endpoints.
func (s *Store) AllLots(ctx context.Context) ([]ledger.Lot, error) {
	rows, err := s.db.QueryContext(ctx, selectLot+" ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list lots: %w", err)
	}
	defer rows.Close()

	var lots []ledger.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// =============================================================================
// EDGE STORE (ledger.EdgeStore interface)
// =============================================================================

// AppendEdges persists a batch of edges in one sql transaction: either all
// edges of an allocation batch are recorded or none are.
func (s *Store) AppendEdges(ctx context.Context, edges []ledger.GenealogyEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	checked := make(map[ledger.BatchID]bool)
	for _, e := range edges {
		if e.Batch != "" && !checked[e.Batch] {
			var count int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM genealogy_edges WHERE batch_id = ?`, e.Batch).Scan(&count)
			if err != nil {
				return err
			}
			if count > 0 {
				return ledger.ErrDuplicateBatch
			}
			checked[e.Batch] = true
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO genealogy_edges
			(source_lot_id, derived_lot_id, quantity, unit, kind, recorded_at, batch_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.SourceLot, e.DerivedLot, e.Quantity.String(), e.Unit, e.Kind,
			e.RecordedAt.UTC().Format(time.RFC3339Nano), e.Batch,
		)
		if err != nil {
			return fmt.Errorf("failed to append edge: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) Outgoing(ctx context.Context, id ledger.LotID) ([]ledger.GenealogyEdge, error) {
	return s.queryEdges(ctx, `
		SELECT source_lot_id, derived_lot_id, quantity, unit, kind, recorded_at, batch_id
		FROM genealogy_edges
		WHERE source_lot_id = ?
		ORDER BY recorded_at ASC, derived_lot_id ASC`, id)
}

func (s *Store) Incoming(ctx context.Context, id ledger.LotID) ([]ledger.GenealogyEdge, error) {
	return s.queryEdges(ctx, `
		SELECT source_lot_id, derived_lot_id, quantity, unit, kind, recorded_at, batch_id
		FROM genealogy_edges
		WHERE derived_lot_id = ?
		ORDER BY recorded_at ASC, source_lot_id ASC`, id)
}

func (s *Store) queryEdges(ctx context.Context, query string, args ...any) ([]ledger.GenealogyEdge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []ledger.GenealogyEdge
	for rows.Next() {
		var (
			e          ledger.GenealogyEdge
			quantity   string
			recordedAt string
		)
		if err := rows.Scan(&e.SourceLot, &e.DerivedLot, &quantity, &e.Unit, &e.Kind, &recordedAt, &e.Batch); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Quantity = ledger.MustParseDecimal(quantity)
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// =============================================================================
// AUDIT LOG (ledger.AuditLog interface)
// =============================================================================

func (s *Store) Append(ctx context.Context, entry ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor, action, lot_id, delta, batch_id, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.Actor,
		entry.Action,
		entry.LotID,
		entry.Delta.String(),
		nullString(string(entry.Batch)),
		nullString(entry.Reason),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	query := `
		SELECT id, timestamp, actor, action, lot_id, delta, batch_id, reason
		FROM audit_log WHERE 1=1`
	var args []any
	if filter.LotID != nil {
		query += " AND lot_id = ?"
		args = append(args, *filter.LotID)
	}
	if filter.Actor != nil {
		query += " AND actor = ?"
		args = append(args, *filter.Actor)
	}
	if filter.From != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			placeholders[i] = "?"
			args = append(args, a)
		}
		query += " AND action IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY timestamp ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var (
			e         ledger.AuditEntry
			timestamp string
			delta     string
			batch     sql.NullString
			reason    sql.NullString
		)
		if err := rows.Scan(&e.ID, &timestamp, &e.Actor, &e.Action, &e.LotID, &delta, &batch, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		e.Delta = ledger.MustParseDecimal(delta)
		e.Batch = ledger.BatchID(batch.String)
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLot(row rowScanner) (ledger.Lot, error) {
	var (
		lot        ledger.Lot
		receivedAt string
		expiryAt   sql.NullString
		original   string
		remaining  string
	)
	err := row.Scan(
		&lot.ID, &lot.MaterialID, &lot.LocationID, &lot.Unit, &lot.Kind,
		&receivedAt, &expiryAt, &original, &remaining, &lot.Status,
	)
	if err != nil {
		return lot, err
	}

	lot.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	if expiryAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, expiryAt.String); err == nil {
			lot.ExpiryAt = &t
		}
	}
	lot.QuantityOriginal = ledger.MustParseDecimal(original)
	lot.QuantityRemaining = ledger.MustParseDecimal(remaining)
	return lot, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
