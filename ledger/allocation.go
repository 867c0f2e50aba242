/*
allocation.go - FEFO allocation engine

PURPOSE:
  Satisfies allocation requests by selecting source lots in first-expired-
  first-out order and executing all deductions as a single atomic unit:
  all succeed or none do.

ALGORITHM:
  1. Snapshot candidate lots (available, quantity remaining, not expired
     unless the caller opted in) in FEFO order.
  2. Plan greedily: take = min(remaining need, lot remaining).
  3. Execute each planned deduction via ApplyDelta with expected status
     available. A Conflict (status changed) or InsufficientQuantity
     (quantity drained below the plan) means another writer raced us:
     every delta applied so far is unwound and the whole walk restarts
     from a fresh snapshot. After the retry budget, ErrContention
     surfaces to the caller.
  4. Shortfall (plan total < need) fails before any delta is applied -
     all-or-nothing unless the request asks for partial fulfillment.
  5. On success, one genealogy edge per deduction is recorded under a
     single fresh allocation batch id, and one audit entry is emitted per
     deduction.

MULTI-REQUIREMENT ALLOCATIONS:
  Production completion consumes several recipe inputs at once. AllocateAll
  treats the whole requirement set as one atomic unit under one batch id:
  a shortfall or conflict on the last input unwinds deductions already
  applied for the first.

ORDERING GUARANTEE:
  FEFO is computed from a snapshot at the start of each attempt. Racing
  allocations may change which specific lot satisfies a request across
  retries, but a later-expiring lot is never chosen while an earlier-
  expiring one remains available.

SEE ALSO:
  - store.go: ApplyDelta contract
  - graph.go: Edge batch recording
  - gateway.go: Production completion built on AllocateAll
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

// DefaultMaxRetries bounds the conflict-retry loop before ErrContention.
const DefaultMaxRetries = 3

// Allocator is the FEFO allocation engine.
type Allocator struct {
	Lots       LotStore
	Graph      *Graph
	Audit      AuditLog
	MaxRetries int
	Clock      func() time.Time
}

func NewAllocator(lots LotStore, graph *Graph, audit AuditLog) *Allocator {
	return &Allocator{
		Lots:       lots,
		Graph:      graph,
		Audit:      audit,
		MaxRetries: DefaultMaxRetries,
		Clock:      time.Now,
	}
}

// planLine is an AllocationLine plus the request metadata needed to write
// its genealogy edge.
type planLine struct {
	AllocationLine
	unit Unit
	kind EdgeKind
}

// Allocate satisfies a single request by deducting from source lots in
// FEFO order and recording one genealogy edge per deduction against the
// derived lot.
//
// The caller supplies the derived lot id (the production lot or transfer
// destination being created or filled). For production flows where the
// produced lot does not exist yet, this is the provisional id finalized
// by Gateway.CompleteProduction.
func (a *Allocator) Allocate(ctx context.Context, req AllocationRequest, derived LotID, actor string) (AllocationResult, error) {
	return a.AllocateAll(ctx, []AllocationRequest{req}, derived, actor)
}

// AllocateAll satisfies every request as one atomic unit under one
// allocation batch id. Used directly by production completion, where a
// recipe has several inputs.
func (a *Allocator) AllocateAll(ctx context.Context, reqs []AllocationRequest, derived LotID, actor string) (AllocationResult, error) {
	return a.allocateAll(ctx, reqs, derived, actor, nil)
}

// allocateAll is the shared engine behind Allocate and production
// completion. finalize, when non-nil, runs after every deduction has
// committed and before any genealogy edge is written; a finalize failure
// unwinds the deductions, so the caller's side effect (creating the
// produced lot) commits atomically with the allocation or not at all.
func (a *Allocator) allocateAll(ctx context.Context, reqs []AllocationRequest, derived LotID, actor string, finalize func(context.Context) error) (AllocationResult, error) {
	if len(reqs) == 0 {
		return AllocationResult{}, fmt.Errorf("allocate: no requirements: %w", ErrInvalidQuantity)
	}
	if derived == "" {
		return AllocationResult{}, errors.New("allocate: derived lot id required")
	}
	for _, req := range reqs {
		if !req.Quantity.IsPositive() {
			return AllocationResult{}, fmt.Errorf("allocate %s: %w", req.MaterialID, ErrInvalidQuantity)
		}
	}

	retries := a.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}

	for attempt := 1; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return AllocationResult{}, err
		}

		plan, shortfall, err := a.planAll(ctx, reqs)
		if err != nil {
			return AllocationResult{}, err
		}

		result, conflicted, err := a.execute(ctx, plan, derived, actor, finalize)
		if err != nil {
			return AllocationResult{}, err
		}
		if conflicted {
			continue
		}
		result.Shortfall = shortfall
		return result, nil
	}

	return AllocationResult{}, &ContentionError{MaterialID: reqs[0].MaterialID, Attempts: retries}
}

// planAll plans every requirement against a fresh snapshot. All-or-nothing
// requirements that cannot be met fail here, before any delta is applied.
// Partial-mode requirements contribute their shortfall to the returned sum.
func (a *Allocator) planAll(ctx context.Context, reqs []AllocationRequest) ([]planLine, decimal.Decimal, error) {
	var plan []planLine
	totalShortfall := decimal.Zero

	for _, req := range reqs {
		lines, available, err := a.planOne(ctx, req)
		if err != nil {
			return nil, decimal.Zero, err
		}
		shortfall := req.Quantity.Sub(available)
		if shortfall.IsPositive() {
			if !req.Partial {
				return nil, decimal.Zero, &ShortfallError{
					MaterialID: req.MaterialID,
					Requested:  Quantity{Value: req.Quantity, Unit: req.Unit},
					Available:  Quantity{Value: available, Unit: req.Unit},
				}
			}
			totalShortfall = totalShortfall.Add(shortfall)
		}
		plan = append(plan, lines...)
	}
	return plan, totalShortfall, nil
}

// planOne walks the FEFO-ordered candidate snapshot for one requirement and
// returns the planned lines plus the total available. Pure: no deltas are
// applied here.
func (a *Allocator) planOne(ctx context.Context, req AllocationRequest) ([]planLine, decimal.Decimal, error) {
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = a.Clock()
	}

	candidates, err := a.Lots.ListAvailable(ctx, req.MaterialID, req.LocationID)
	if err != nil {
		return nil, decimal.Zero, err
	}

	kind := EdgeConsumption
	if req.Transfer {
		kind = EdgeTransfer
	}

	var plan []planLine
	need := req.Quantity
	available := decimal.Zero

	for _, lot := range candidates {
		// A lot in a different unit is not allocatable against this
		// request; mixing units would record false edge quantities.
		if lot.Unit != req.Unit {
			continue
		}
		if !req.AllowExpired && lot.Expired(asOf) {
			continue
		}
		available = available.Add(lot.QuantityRemaining)
		if !need.IsPositive() {
			continue
		}
		take := need
		if lot.QuantityRemaining.LessThan(take) {
			take = lot.QuantityRemaining
		}
		plan = append(plan, planLine{
			AllocationLine: AllocationLine{LotID: lot.ID, Taken: take},
			unit:           req.Unit,
			kind:           kind,
		})
		need = need.Sub(take)
	}
	return plan, available, nil
}

// execute applies the planned deductions, then runs finalize (if any),
// then records edges and audit entries. A racing writer surfaces here in
// one of two ways: the lot's status changed (Conflict) or its quantity
// shrank below what the plan needs (InsufficientQuantity). Both mean the
// snapshot is stale, so both unwind and report conflicted=true for a
// retry against a fresh snapshot; per-lot errors never leak to the
// caller. Any other failure also unwinds, so a partially-deducted state
// is never observable after return.
func (a *Allocator) execute(ctx context.Context, plan []planLine, derived LotID, actor string, finalize func(context.Context) error) (AllocationResult, bool, error) {
	var applied []planLine
	for _, line := range plan {
		_, err := a.Lots.ApplyDelta(ctx, line.LotID, line.Taken.Neg(), StatusAvailable)
		if err != nil {
			if unwindErr := a.unwind(ctx, applied); unwindErr != nil {
				return AllocationResult{}, false, unwindErr
			}
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrInsufficientQuantity) {
				return AllocationResult{}, true, nil
			}
			return AllocationResult{}, false, err
		}
		applied = append(applied, line)
	}

	if finalize != nil {
		if err := finalize(ctx); err != nil {
			if unwindErr := a.unwind(ctx, applied); unwindErr != nil {
				return AllocationResult{}, false, unwindErr
			}
			return AllocationResult{}, false, err
		}
	}

	batch := BatchID(uuid.NewString())
	now := a.Clock()

	if len(applied) > 0 {
		edges := make([]GenealogyEdge, 0, len(applied))
		for _, line := range applied {
			edges = append(edges, GenealogyEdge{
				SourceLot:  line.LotID,
				DerivedLot: derived,
				Quantity:   line.Taken,
				Unit:       line.unit,
				Kind:       line.kind,
				RecordedAt: now,
				Batch:      batch,
			})
		}
		if err := a.Graph.RecordEdges(ctx, edges); err != nil {
			if unwindErr := a.unwind(ctx, applied); unwindErr != nil {
				return AllocationResult{}, false, unwindErr
			}
			return AllocationResult{}, false, err
		}
	}

	result := AllocationResult{Batch: batch, Allocated: decimal.Zero}
	for _, line := range applied {
		result.Lines = append(result.Lines, line.AllocationLine)
		result.Allocated = result.Allocated.Add(line.Taken)
		a.audit(ctx, AuditEntry{
			ID:        uuid.NewString(),
			Timestamp: now,
			Actor:     actor,
			Action:    AuditAllocate,
			LotID:     line.LotID,
			Delta:     line.Taken.Neg(),
			Batch:     batch,
			Reason:    fmt.Sprintf("allocated to %s", derived),
		})
	}
	return result, false, nil
}

// unwind reverses already-applied deductions so a failed allocation leaves
// no partial state. Each reversal targets the lot's current status, since
// a fully-taken lot has already flipped to consumed.
func (a *Allocator) unwind(ctx context.Context, applied []planLine) error {
	for i := len(applied) - 1; i >= 0; i-- {
		line := applied[i]
		for {
			lot, err := a.Lots.GetLot(ctx, line.LotID)
			if err != nil {
				return fmt.Errorf("unwind lot %s: %w", line.LotID, err)
			}
			_, err = a.Lots.ApplyDelta(ctx, line.LotID, line.Taken, lot.Status)
			if err == nil {
				break
			}
			if !errors.Is(err, ErrConflict) {
				return fmt.Errorf("unwind lot %s: %w", line.LotID, err)
			}
		}
	}
	return nil
}

func (a *Allocator) audit(ctx context.Context, entry AuditEntry) {
	if a.Audit == nil {
		return
	}
	// The entry records a mutation that already committed; an audit store
	// failure cannot retroactively fail the allocation.
	_ = a.Audit.Append(ctx, entry)
}
