/*
store.go - Persistence interfaces for lots, genealogy edges and audit

PURPOSE:
  Defines the interface between the domain logic and the database. Different
  implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  LotStore:  Lot records with a single compare-and-set mutation entry point
  EdgeStore: Append-only genealogy edge persistence
  AuditLog:  One entry per committed mutation

MUTATION CONTRACT:
  ApplyDelta is the ONLY way quantity_remaining changes, regardless of
  whether the caller is the FEFO engine or the disposition gateway. It
  atomically checks the expected status, bounds the new quantity to
  [0, quantity_original], applies the change and recomputes status.
  This single entry point is what makes the conservation invariant
  enforceable at all.

APPEND-ONLY CONTRACT:
  EdgeStore has AppendEdges and reads. NO Update() or Delete() methods
  exist; genealogy is a food-safety record and history is never rewritten.

SEE ALSO:
  - store/memory.go: In-memory implementation for testing/dev
  - ../store/sqlite/sqlite.go: SQLite implementation
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LOT STORE
// =============================================================================

// LotStore handles persistence of Lot records.
type LotStore interface {
	// CreateLot persists a new lot. Fails if the id already exists.
	CreateLot(ctx context.Context, lot Lot) error

	// GetLot returns the lot or ErrLotNotFound.
	GetLot(ctx context.Context, id LotID) (Lot, error)

	// ListAvailable returns lots of the material (optionally restricted to a
	// location) with status available and quantity remaining, ordered by
	// expiry ascending with nil expiries last. Ties break on received-at
	// ascending, then id ascending, so repeated calls over identical state
	// are reproducible for audit replay.
	ListAvailable(ctx context.Context, material MaterialID, location LocationID) ([]Lot, error)

	// ApplyDelta is the only mutation entry point for quantities. It
	// atomically checks status == expected, verifies
	// quantity_remaining + delta stays within [0, quantity_original],
	// applies the change and recomputes status (available -> consumed at
	// zero; consumed -> available when a correction restores quantity).
	//
	// Fails with ErrConflict if the status check misses (another caller
	// raced), ErrInsufficientQuantity if the bound would be violated, and
	// ErrLotNotFound if the lot does not exist.
	ApplyDelta(ctx context.Context, id LotID, delta decimal.Decimal, expected LotStatus) (Lot, error)

	// SetStatus atomically moves a lot from one status to another.
	// Used for hold/release/dispose transitions. Fails with ErrConflict
	// if the lot is not currently in the from status.
	SetStatus(ctx context.Context, id LotID, from, to LotStatus) (Lot, error)
}

// =============================================================================
// EDGE STORE - Append-only genealogy persistence
// =============================================================================

// EdgeStore persists genealogy edges. APPEND-ONLY: no update, no delete,
// ever. Corrections are new compensating edges.
type EdgeStore interface {
	// AppendEdges persists a batch of edges atomically: either all edges of
	// an allocation batch are recorded or none are. Fails with
	// ErrDuplicateBatch if edges for the batch id already exist.
	AppendEdges(ctx context.Context, edges []GenealogyEdge) error

	// Outgoing returns edges where the lot is the source, ordered by
	// recorded-at then derived lot id.
	Outgoing(ctx context.Context, id LotID) ([]GenealogyEdge, error)

	// Incoming returns edges where the lot is the derived sink, ordered by
	// recorded-at then source lot id.
	Incoming(ctx context.Context, id LotID) ([]GenealogyEdge, error)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
