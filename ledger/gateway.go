/*
gateway.go - Disposition and adjustment entry points

PURPOSE:
  The Gateway is the sole write path for lot mutations outside of FEFO
  allocation: receiving, holds, releases, disposals, cycle-count
  adjustments, and production completion. Every quantity change funnels
  through the same LotStore.ApplyDelta the allocation engine uses, so the
  conservation invariant is enforced uniformly regardless of entry point.

STATE MACHINE:
  available <-> on_hold      (hold/release, reversible)
  available  -> consumed     (quantity exhausted, via ApplyDelta)
  available|on_hold -> disposed  (terminal)

  Expired is a derived read-time classification, not a stored transition.

AUDIT:
  Every committed mutation emits exactly one audit entry with actor,
  action, lot, delta, timestamp and reason.

SEE ALSO:
  - allocation.go: The only other write path
  - store.go: ApplyDelta and SetStatus contracts
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway is the disposition/adjustment entry point.
type Gateway struct {
	Lots      LotStore
	Allocator *Allocator
	Audit     AuditLog
	Clock     func() time.Time
}

func NewGateway(lots LotStore, allocator *Allocator, audit AuditLog) *Gateway {
	return &Gateway{Lots: lots, Allocator: allocator, Audit: audit, Clock: time.Now}
}

// =============================================================================
// RECEIVING
// =============================================================================

// ReceiveInput describes an inbound material lot from receiving inspection.
type ReceiveInput struct {
	LotID      LotID // empty means generate one
	MaterialID MaterialID
	LocationID LocationID
	Unit       Unit
	Quantity   decimal.Decimal
	ReceivedAt time.Time
	ExpiryAt   *time.Time
}

// Receive creates a lot with kind=received, status=available and
// quantity_original = quantity_remaining = the received quantity.
func (g *Gateway) Receive(ctx context.Context, in ReceiveInput, actor string) (Lot, error) {
	if !in.Quantity.IsPositive() {
		return Lot{}, fmt.Errorf("receive %s: %w", in.MaterialID, ErrInvalidQuantity)
	}
	if in.MaterialID == "" {
		return Lot{}, errors.New("receive: material id required")
	}

	id := in.LotID
	if id == "" {
		id = LotID(uuid.NewString())
	}
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = g.Clock()
	}

	lot := Lot{
		ID:                id,
		MaterialID:        in.MaterialID,
		LocationID:        in.LocationID,
		Unit:              in.Unit,
		Kind:              KindReceived,
		ReceivedAt:        receivedAt,
		ExpiryAt:          in.ExpiryAt,
		QuantityOriginal:  in.Quantity,
		QuantityRemaining: in.Quantity,
		Status:            StatusAvailable,
	}
	if err := g.Lots.CreateLot(ctx, lot); err != nil {
		return Lot{}, err
	}

	g.audit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: g.Clock(),
		Actor:     actor,
		Action:    AuditReceive,
		LotID:     id,
		Delta:     in.Quantity,
	})
	return lot, nil
}

// =============================================================================
// HOLD / RELEASE
// =============================================================================

// Hold moves an available lot to on_hold. Rejects consumed/disposed lots
// with InvalidTransitionError.
func (g *Gateway) Hold(ctx context.Context, id LotID, actor, reason string) (Lot, error) {
	lot, err := g.transition(ctx, id, StatusAvailable, StatusOnHold)
	if err != nil {
		return Lot{}, err
	}
	g.audit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: g.Clock(),
		Actor:     actor,
		Action:    AuditHold,
		LotID:     id,
		Reason:    reason,
	})
	return lot, nil
}

// Release moves an on_hold lot back to available.
func (g *Gateway) Release(ctx context.Context, id LotID, actor string) (Lot, error) {
	lot, err := g.transition(ctx, id, StatusOnHold, StatusAvailable)
	if err != nil {
		return Lot{}, err
	}
	g.audit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: g.Clock(),
		Actor:     actor,
		Action:    AuditRelease,
		LotID:     id,
	})
	return lot, nil
}

// transition runs a SetStatus CAS, converting a conflict on a terminal lot
// into the state-machine error the caller should see.
func (g *Gateway) transition(ctx context.Context, id LotID, from, to LotStatus) (Lot, error) {
	lot, err := g.Lots.SetStatus(ctx, id, from, to)
	if err == nil {
		return lot, nil
	}
	if errors.Is(err, ErrConflict) {
		current, getErr := g.Lots.GetLot(ctx, id)
		if getErr != nil {
			return Lot{}, getErr
		}
		return Lot{}, &InvalidTransitionError{LotID: id, From: current.Status, To: to}
	}
	return Lot{}, err
}

// =============================================================================
// DISPOSAL
// =============================================================================

// Dispose removes quantity from a lot permanently. A nil quantity disposes
// everything remaining. Partial disposal keeps the current status if
// quantity remains; full disposal moves the lot to disposed.
func (g *Gateway) Dispose(ctx context.Context, id LotID, quantity *decimal.Decimal, actor, reason string) (Lot, error) {
	lot, err := g.Lots.GetLot(ctx, id)
	if err != nil {
		return Lot{}, err
	}
	if lot.Status != StatusAvailable && lot.Status != StatusOnHold {
		return Lot{}, &InvalidTransitionError{LotID: id, From: lot.Status, To: StatusDisposed}
	}

	qty := lot.QuantityRemaining
	if quantity != nil {
		qty = *quantity
	}
	if !qty.IsPositive() {
		return Lot{}, fmt.Errorf("dispose %s: %w", id, ErrInvalidQuantity)
	}
	if qty.GreaterThan(lot.QuantityRemaining) {
		return Lot{}, fmt.Errorf("dispose %s: %w", id, ErrInsufficientQuantity)
	}

	var updated Lot
	if qty.Equal(lot.QuantityRemaining) {
		// Full disposal goes terminal first. Once disposed, no other
		// writer touches the lot, and no reader ever sees it pass
		// through consumed on the way out.
		updated, err = g.transition(ctx, id, lot.Status, StatusDisposed)
		if err != nil {
			return Lot{}, err
		}
		qty = updated.QuantityRemaining
		updated, err = g.Lots.ApplyDelta(ctx, id, qty.Neg(), StatusDisposed)
		if err != nil {
			return Lot{}, err
		}
	} else {
		updated, err = g.Lots.ApplyDelta(ctx, id, qty.Neg(), lot.Status)
		if err != nil {
			return Lot{}, err
		}
	}

	g.audit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: g.Clock(),
		Actor:     actor,
		Action:    AuditDispose,
		LotID:     id,
		Delta:     qty.Neg(),
		Reason:    reason,
	})
	return updated, nil
}

// =============================================================================
// CYCLE-COUNT ADJUSTMENT
// =============================================================================

// Adjust applies a signed cycle-count correction through ApplyDelta, so the
// [0, quantity_original] bound holds for manual corrections exactly as it
// does for allocations.
func (g *Gateway) Adjust(ctx context.Context, id LotID, delta decimal.Decimal, actor, reason string) (Lot, error) {
	if delta.IsZero() {
		return Lot{}, fmt.Errorf("adjust %s: %w", id, ErrInvalidQuantity)
	}
	lot, err := g.Lots.GetLot(ctx, id)
	if err != nil {
		return Lot{}, err
	}
	if lot.Status == StatusDisposed {
		return Lot{}, &InvalidTransitionError{LotID: id, From: lot.Status, To: lot.Status}
	}

	updated, err := g.Lots.ApplyDelta(ctx, id, delta, lot.Status)
	if err != nil {
		return Lot{}, err
	}

	g.audit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: g.Clock(),
		Actor:     actor,
		Action:    AuditAdjust,
		LotID:     id,
		Delta:     delta,
		Reason:    reason,
	})
	return updated, nil
}

// =============================================================================
// PRODUCTION COMPLETION
// =============================================================================

// RecipeInput is one raw-material requirement of a production run.
type RecipeInput struct {
	MaterialID   MaterialID
	Quantity     decimal.Decimal
	Unit         Unit
	LocationID   LocationID
	AllowExpired bool
}

// ProductionInput describes a finished production run: the produced lot
// plus the recipe inputs consumed into it.
type ProductionInput struct {
	MaterialID MaterialID
	LocationID LocationID
	Unit       Unit
	Quantity   decimal.Decimal
	ExpiryAt   *time.Time
	Inputs     []RecipeInput
}

// CompleteProduction records a finished production run: raw material is
// deducted via FEFO for every recipe input as one atomic unit, genealogy
// edges are written against a provisional produced-lot id, and the produced
// lot is finalized with that id. Consumption is recorded at finalization
// time, not at weighing time.
//
// If any input cannot be satisfied, no deduction survives and no lot is
// created.
func (g *Gateway) CompleteProduction(ctx context.Context, in ProductionInput, actor string) (Lot, AllocationResult, error) {
	if !in.Quantity.IsPositive() {
		return Lot{}, AllocationResult{}, fmt.Errorf("production %s: %w", in.MaterialID, ErrInvalidQuantity)
	}
	if len(in.Inputs) == 0 {
		return Lot{}, AllocationResult{}, errors.New("production: at least one recipe input required")
	}

	producedID := LotID(uuid.NewString())
	now := g.Clock()

	reqs := make([]AllocationRequest, 0, len(in.Inputs))
	for _, input := range in.Inputs {
		reqs = append(reqs, AllocationRequest{
			MaterialID:   input.MaterialID,
			Quantity:     input.Quantity,
			Unit:         input.Unit,
			AsOf:         now,
			LocationID:   input.LocationID,
			AllowExpired: input.AllowExpired,
		})
	}

	lot := Lot{
		ID:                producedID,
		MaterialID:        in.MaterialID,
		LocationID:        in.LocationID,
		Unit:              in.Unit,
		Kind:              KindProduced,
		ReceivedAt:        now,
		ExpiryAt:          in.ExpiryAt,
		QuantityOriginal:  in.Quantity,
		QuantityRemaining: in.Quantity,
		Status:            StatusAvailable,
	}

	// The lot is created inside the allocation's atomic unit: after the
	// input deductions commit and before any genealogy edge is written.
	// If creation fails, the deductions are unwound, so neither a deducted
	// input nor an edge pointing at a nonexistent lot can survive.
	result, err := g.Allocator.allocateAll(ctx, reqs, producedID, actor, func(ctx context.Context) error {
		if err := g.Lots.CreateLot(ctx, lot); err != nil {
			return fmt.Errorf("finalize produced lot %s: %w", producedID, err)
		}
		return nil
	})
	if err != nil {
		return Lot{}, AllocationResult{}, err
	}

	g.audit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: now,
		Actor:     actor,
		Action:    AuditProduction,
		LotID:     producedID,
		Delta:     in.Quantity,
		Batch:     result.Batch,
	})
	return lot, result, nil
}

func (g *Gateway) audit(ctx context.Context, entry AuditEntry) {
	if g.Audit == nil {
		return
	}
	_ = g.Audit.Append(ctx, entry)
}
