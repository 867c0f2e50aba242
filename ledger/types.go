/*
Package ledger provides the core material lot ledger and genealogy engine.

PURPOSE:
  This package contains the domain types and algorithms for lot-controlled
  inventory: expiry-ordered (FEFO) allocation, an append-only genealogy
  graph of consumption edges, and bidirectional lineage tracing used for
  recall scope determination.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity: A decimal amount with a unit (e.g., 12.5 kg)
  - Lot: A traceable, time-stamped quantity of one material
  - GenealogyEdge: An immutable record that quantity X of lot A went into lot B
  - AllocationRequest/Result: Input and output of the FEFO engine

DESIGN PRINCIPLES:
  1. Conservation: quantity_original - quantity_remaining always equals the
     sum of outgoing edge quantities plus recorded disposals/adjustments
  2. Immutability: genealogy edges are never modified, only appended
  3. Precision: Uses decimal.Decimal to avoid floating-point stock drift
  4. Type Safety: Strong typing for IDs prevents mixing lot/material IDs

SEE ALSO:
  - store.go: Persistence interfaces (LotStore, EdgeStore, AuditLog)
  - allocation.go: FEFO allocation engine
  - graph.go: Genealogy graph with DAG enforcement
  - trace.go: Forward/backward trace engine
  - gateway.go: Disposition and adjustment entry points
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITY - Decimal amount with unit
// =============================================================================

type Quantity struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitKilograms Unit = "kg"
	UnitGrams     Unit = "g"
	UnitLiters    Unit = "l"
	UnitEach      Unit = "ea"
)

func NewQuantity(value float64, unit Unit) Quantity {
	return Quantity{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewQuantityFromInt(value int, unit Unit) Quantity {
	return Quantity{Value: decimal.NewFromInt(int64(value)), Unit: unit}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (q Quantity) Zero() Quantity                 { return Quantity{Value: decimal.Zero, Unit: q.Unit} }
func (q Quantity) Add(b Quantity) Quantity        { return Quantity{Value: q.Value.Add(b.Value), Unit: q.Unit} }
func (q Quantity) Sub(b Quantity) Quantity        { return Quantity{Value: q.Value.Sub(b.Value), Unit: q.Unit} }
func (q Quantity) Neg() Quantity                  { return Quantity{Value: q.Value.Neg(), Unit: q.Unit} }
func (q Quantity) IsNegative() bool               { return q.Value.IsNegative() }
func (q Quantity) IsZero() bool                   { return q.Value.IsZero() }
func (q Quantity) IsPositive() bool               { return q.Value.IsPositive() }
func (q Quantity) GreaterThan(b Quantity) bool    { return q.Value.GreaterThan(b.Value) }
func (q Quantity) LessThan(b Quantity) bool       { return q.Value.LessThan(b.Value) }
func (q Quantity) Equal(b Quantity) bool          { return q.Value.Equal(b.Value) }
func (q Quantity) Min(b Quantity) Quantity {
	if q.LessThan(b) {
		return q
	}
	return b
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LotID string
type MaterialID string
type LocationID string

// BatchID groups every genealogy edge written by one allocation call.
type BatchID string

// =============================================================================
// LOT - A traceable quantity of one material
// =============================================================================

type LotStatus string

const (
	StatusAvailable LotStatus = "available"
	StatusOnHold    LotStatus = "on_hold"
	StatusConsumed  LotStatus = "consumed"
	StatusDisposed  LotStatus = "disposed"

	// StatusExpired is a derived, read-time classification: a lot whose
	// expiry has passed while quantity remains. It is reported, never
	// required to be stored.
	StatusExpired LotStatus = "expired"
)

type LotKind string

const (
	KindReceived LotKind = "received"
	KindProduced LotKind = "produced"
)

// Lot is a quantity of a single material received or produced at one time.
// Identity, material, unit, timestamps and original quantity are immutable;
// only quantity_remaining and status change, and only via LotStore.ApplyDelta
// and LotStore.SetStatus. A lot is never deleted.
type Lot struct {
	ID         LotID
	MaterialID MaterialID
	LocationID LocationID
	Unit       Unit
	Kind       LotKind

	ReceivedAt time.Time  // produced-or-received timestamp
	ExpiryAt   *time.Time // nil means never expires

	QuantityOriginal  decimal.Decimal
	QuantityRemaining decimal.Decimal
	Status            LotStatus
}

// Expired reports whether the lot's expiry has passed as of the given time.
// Lots without an expiry never expire.
func (l Lot) Expired(asOf time.Time) bool {
	return l.ExpiryAt != nil && !l.ExpiryAt.After(asOf)
}

// EffectiveStatus returns the status as a reader should see it: an available
// or held lot past its expiry with quantity remaining classifies as expired.
func (l Lot) EffectiveStatus(asOf time.Time) LotStatus {
	if (l.Status == StatusAvailable || l.Status == StatusOnHold) &&
		l.QuantityRemaining.IsPositive() && l.Expired(asOf) {
		return StatusExpired
	}
	return l.Status
}

// Remaining returns the remaining quantity with its unit attached.
func (l Lot) Remaining() Quantity {
	return Quantity{Value: l.QuantityRemaining, Unit: l.Unit}
}

// =============================================================================
// GENEALOGY EDGE - Immutable consumption record between two lots
// =============================================================================

// EdgeKind distinguishes material incorporated into a derived lot from
// material moved between locations. Trace consumers need the distinction
// when scoping a recall.
type EdgeKind string

const (
	EdgeConsumption EdgeKind = "consumption"
	EdgeTransfer    EdgeKind = "transfer"
)

// GenealogyEdge records that Quantity of SourceLot was consumed into
// DerivedLot. Immutable once written. Corrections are expressed as new
// compensating edges, never as mutations of history.
type GenealogyEdge struct {
	SourceLot  LotID
	DerivedLot LotID
	Quantity   decimal.Decimal
	Unit       Unit
	Kind       EdgeKind
	RecordedAt time.Time
	Batch      BatchID
}

// =============================================================================
// ALLOCATION REQUEST / RESULT
// =============================================================================

// AllocationRequest is the input to the FEFO engine. Not persisted.
type AllocationRequest struct {
	MaterialID MaterialID
	Quantity   decimal.Decimal
	Unit       Unit
	AsOf       time.Time
	LocationID LocationID // empty means any location

	// AllowExpired opts in to drawing from expired stock. Default FEFO
	// never selects an expired lot.
	AllowExpired bool

	// Partial switches from all-or-nothing to partial fulfillment: the
	// result carries the committed lines plus the shortfall amount.
	Partial bool

	// Transfer marks the resulting edges as location moves rather than
	// material transformations.
	Transfer bool
}

// AllocationLine is one (lot, quantity taken) pair of an allocation.
type AllocationLine struct {
	LotID    LotID
	Taken    decimal.Decimal
}

// AllocationResult is the committed outcome of one allocation call. Lines
// are in FEFO order and their quantities sum to the requested quantity
// (or to requested-minus-Shortfall in partial mode).
type AllocationResult struct {
	Batch     BatchID
	Lines     []AllocationLine
	Allocated decimal.Decimal
	Shortfall decimal.Decimal // zero unless Partial
}

// =============================================================================
// AUDIT - One entry per committed mutation
// =============================================================================

type AuditAction string

const (
	AuditReceive    AuditAction = "receive"
	AuditAllocate   AuditAction = "allocate"
	AuditHold       AuditAction = "hold"
	AuditRelease    AuditAction = "release"
	AuditDispose    AuditAction = "dispose"
	AuditAdjust     AuditAction = "adjust"
	AuditProduction AuditAction = "production_complete"
	AuditExpired    AuditAction = "expired_detected"
)

// AuditEntry records who did what to which lot. The ledger emits exactly one
// entry per committed mutation - never zero, never two for the same mutation.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Actor     string
	Action    AuditAction
	LotID     LotID
	Delta     decimal.Decimal
	Batch     BatchID
	Reason    string
}

type AuditFilter struct {
	LotID   *LotID
	Actor   *string
	Actions []AuditAction
	From    *time.Time
	To      *time.Time
}
