// Package store provides in-memory implementations of the ledger
// persistence interfaces, for testing and dev servers.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/lot-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - LotStore + EdgeStore + AuditLog behind one lock
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	lots    map[ledger.LotID]ledger.Lot
	edges   []ledger.GenealogyEdge
	batches map[ledger.BatchID]bool
	audit   []ledger.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		lots:    make(map[ledger.LotID]ledger.Lot),
		batches: make(map[ledger.BatchID]bool),
	}
}

// =============================================================================
// LOT STORE
// =============================================================================

func (m *Memory) CreateLot(_ context.Context, lot ledger.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.lots[lot.ID]; exists {
		return fmt.Errorf("lot %s already exists", lot.ID)
	}
	m.lots[lot.ID] = lot
	return nil
}

func (m *Memory) GetLot(_ context.Context, id ledger.LotID) (ledger.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lot, ok := m.lots[id]
	if !ok {
		return ledger.Lot{}, ledger.ErrLotNotFound
	}
	return lot, nil
}

// ListAvailable returns available lots of the material in FEFO order:
// expiry ascending with nil expiries last, ties broken by received-at
// ascending then id ascending for deterministic audit replay.
func (m *Memory) ListAvailable(_ context.Context, material ledger.MaterialID, location ledger.LocationID) ([]ledger.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Lot
	for _, lot := range m.lots {
		if lot.MaterialID != material || lot.Status != ledger.StatusAvailable {
			continue
		}
		if !lot.QuantityRemaining.IsPositive() {
			continue
		}
		if location != "" && lot.LocationID != location {
			continue
		}
		result = append(result, lot)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		switch {
		case a.ExpiryAt == nil && b.ExpiryAt != nil:
			return false
		case a.ExpiryAt != nil && b.ExpiryAt == nil:
			return true
		case a.ExpiryAt != nil && b.ExpiryAt != nil && !a.ExpiryAt.Equal(*b.ExpiryAt):
			return a.ExpiryAt.Before(*b.ExpiryAt)
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ID < b.ID
	})
	return result, nil
}

// ApplyDelta is the single compare-and-set mutation entry point.
func (m *Memory) ApplyDelta(_ context.Context, id ledger.LotID, delta decimal.Decimal, expected ledger.LotStatus) (ledger.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lot, ok := m.lots[id]
	if !ok {
		return ledger.Lot{}, ledger.ErrLotNotFound
	}
	if lot.Status != expected {
		return ledger.Lot{}, ledger.ErrConflict
	}

	next := lot.QuantityRemaining.Add(delta)
	if next.IsNegative() || next.GreaterThan(lot.QuantityOriginal) {
		return ledger.Lot{}, ledger.ErrInsufficientQuantity
	}

	lot.QuantityRemaining = next
	switch {
	case next.IsZero() && lot.Status == ledger.StatusAvailable:
		lot.Status = ledger.StatusConsumed
	case next.IsPositive() && lot.Status == ledger.StatusConsumed:
		lot.Status = ledger.StatusAvailable
	}
	m.lots[id] = lot
	return lot, nil
}

func (m *Memory) SetStatus(_ context.Context, id ledger.LotID, from, to ledger.LotStatus) (ledger.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lot, ok := m.lots[id]
	if !ok {
		return ledger.Lot{}, ledger.ErrLotNotFound
	}
	if lot.Status != from {
		return ledger.Lot{}, ledger.ErrConflict
	}
	lot.Status = to
	m.lots[id] = lot
	return lot, nil
}

// AllLots returns a snapshot of every lot, ordered by id. Used by the
// expiry sweeper and list endpoints.
func (m *Memory) AllLots(_ context.Context) ([]ledger.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Lot, 0, len(m.lots))
	for _, lot := range m.lots {
		result = append(result, lot)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// EDGE STORE - Append-only
// =============================================================================

func (m *Memory) AppendEdges(_ context.Context, edges []ledger.GenealogyEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check batch ids first so the append is all-or-nothing.
	for _, e := range edges {
		if e.Batch != "" && m.batches[e.Batch] {
			return ledger.ErrDuplicateBatch
		}
	}
	for _, e := range edges {
		m.edges = append(m.edges, e)
		if e.Batch != "" {
			m.batches[e.Batch] = true
		}
	}
	return nil
}

func (m *Memory) Outgoing(_ context.Context, id ledger.LotID) ([]ledger.GenealogyEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.GenealogyEdge
	for _, e := range m.edges {
		if e.SourceLot == id {
			result = append(result, e)
		}
	}
	sortEdges(result, func(e ledger.GenealogyEdge) ledger.LotID { return e.DerivedLot })
	return result, nil
}

func (m *Memory) Incoming(_ context.Context, id ledger.LotID) ([]ledger.GenealogyEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.GenealogyEdge
	for _, e := range m.edges {
		if e.DerivedLot == id {
			result = append(result, e)
		}
	}
	sortEdges(result, func(e ledger.GenealogyEdge) ledger.LotID { return e.SourceLot })
	return result, nil
}

func sortEdges(edges []ledger.GenealogyEdge, far func(ledger.GenealogyEdge) ledger.LotID) {
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].RecordedAt.Equal(edges[j].RecordedAt) {
			return edges[i].RecordedAt.Before(edges[j].RecordedAt)
		}
		return far(edges[i]) < far(edges[j])
	})
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, entry ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) Query(_ context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.AuditEntry
	for _, e := range m.audit {
		if filter.LotID != nil && e.LotID != *filter.LotID {
			continue
		}
		if filter.Actor != nil && e.Actor != *filter.Actor {
			continue
		}
		if filter.From != nil && e.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.Timestamp.After(*filter.To) {
			continue
		}
		if len(filter.Actions) > 0 && !containsAction(filter.Actions, e.Action) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func containsAction(actions []ledger.AuditAction, a ledger.AuditAction) bool {
	for _, action := range actions {
		if action == a {
			return true
		}
	}
	return false
}
