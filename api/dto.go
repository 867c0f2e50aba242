/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/lot-ledger/ledger"
)

// =============================================================================
// LOT TYPES
// =============================================================================

// LotDTO represents a lot in API responses. Status is the effective status
// as of the request time, so expired lots report as expired.
type LotDTO struct {
	ID                string `json:"id"`
	MaterialID        string `json:"material_id"`
	LocationID        string `json:"location_id,omitempty"`
	Unit              string `json:"unit"`
	Kind              string `json:"kind"`
	ReceivedAt        string `json:"received_at"`
	ExpiryAt          string `json:"expiry_at,omitempty"`
	QuantityOriginal  string `json:"quantity_original"`
	QuantityRemaining string `json:"quantity_remaining"`
	Status            string `json:"status"`
}

func toLotDTO(lot ledger.Lot, asOf time.Time) LotDTO {
	dto := LotDTO{
		ID:                string(lot.ID),
		MaterialID:        string(lot.MaterialID),
		LocationID:        string(lot.LocationID),
		Unit:              string(lot.Unit),
		Kind:              string(lot.Kind),
		ReceivedAt:        lot.ReceivedAt.UTC().Format(time.RFC3339),
		QuantityOriginal:  lot.QuantityOriginal.String(),
		QuantityRemaining: lot.QuantityRemaining.String(),
		Status:            string(lot.EffectiveStatus(asOf)),
	}
	if lot.ExpiryAt != nil {
		dto.ExpiryAt = lot.ExpiryAt.UTC().Format(time.RFC3339)
	}
	return dto
}

// ReceiveLotRequest creates a received lot.
type ReceiveLotRequest struct {
	LotID      string `json:"lot_id,omitempty"`
	MaterialID string `json:"material_id"`
	LocationID string `json:"location_id,omitempty"`
	Unit       string `json:"unit"`
	Quantity   string `json:"quantity"`
	ReceivedAt string `json:"received_at,omitempty"` // RFC3339; empty = now
	ExpiryAt   string `json:"expiry_at,omitempty"`   // RFC3339; empty = never
	Actor      string `json:"actor"`
}

// =============================================================================
// ALLOCATION TYPES
// =============================================================================

// AllocateRequest issues material to a destination lot (transfer or
// issue-to-production).
type AllocateRequest struct {
	MaterialID   string `json:"material_id"`
	Quantity     string `json:"quantity"`
	Unit         string `json:"unit"`
	LocationID   string `json:"location_id,omitempty"`
	DerivedLotID string `json:"derived_lot_id"`
	AllowExpired bool   `json:"allow_expired,omitempty"`
	Partial      bool   `json:"partial,omitempty"`
	Transfer     bool   `json:"transfer,omitempty"`
	Actor        string `json:"actor"`
}

// AllocationLineDTO is one (lot, quantity taken) pair, in FEFO order.
type AllocationLineDTO struct {
	LotID string `json:"lot_id"`
	Taken string `json:"taken"`
}

type AllocationResultDTO struct {
	Batch     string              `json:"batch_id"`
	Lines     []AllocationLineDTO `json:"lines"`
	Allocated string              `json:"allocated"`
	Shortfall string              `json:"shortfall,omitempty"`
}

func toAllocationResultDTO(result ledger.AllocationResult) AllocationResultDTO {
	dto := AllocationResultDTO{
		Batch:     string(result.Batch),
		Lines:     []AllocationLineDTO{},
		Allocated: result.Allocated.String(),
	}
	for _, line := range result.Lines {
		dto.Lines = append(dto.Lines, AllocationLineDTO{
			LotID: string(line.LotID),
			Taken: line.Taken.String(),
		})
	}
	if result.Shortfall.IsPositive() {
		dto.Shortfall = result.Shortfall.String()
	}
	return dto
}

// =============================================================================
// DISPOSITION TYPES
// =============================================================================

type HoldRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type ReleaseRequest struct {
	Actor string `json:"actor"`
}

type DisposeRequest struct {
	Actor    string `json:"actor"`
	Reason   string `json:"reason"`
	Quantity string `json:"quantity,omitempty"` // empty = all remaining
}

type AdjustRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
	Delta  string `json:"delta"`
}

// =============================================================================
// PRODUCTION TYPES
// =============================================================================

type RecipeInputDTO struct {
	MaterialID   string `json:"material_id"`
	Quantity     string `json:"quantity"`
	Unit         string `json:"unit"`
	LocationID   string `json:"location_id,omitempty"`
	AllowExpired bool   `json:"allow_expired,omitempty"`
}

type CompleteProductionRequest struct {
	MaterialID string           `json:"material_id"`
	LocationID string           `json:"location_id,omitempty"`
	Unit       string           `json:"unit"`
	Quantity   string           `json:"quantity"`
	ExpiryAt   string           `json:"expiry_at,omitempty"`
	Inputs     []RecipeInputDTO `json:"inputs"`
	Actor      string           `json:"actor"`
}

type ProductionResultDTO struct {
	Lot        LotDTO              `json:"lot"`
	Allocation AllocationResultDTO `json:"allocation"`
}

// =============================================================================
// TRACE TYPES
// =============================================================================

type TraceNodeDTO struct {
	LotID      string         `json:"lot_id"`
	Quantity   string         `json:"quantity"`
	Unit       string         `json:"unit"`
	Kind       string         `json:"kind"`
	Depth      int            `json:"depth"`
	RecordedAt string         `json:"recorded_at"`
	Batch      string         `json:"batch_id"`
	Children   []TraceNodeDTO `json:"children,omitempty"`
}

type TraceTreeDTO struct {
	Root      string         `json:"root"`
	Direction string         `json:"direction"`
	Depth     int            `json:"depth"`
	Truncated bool           `json:"truncated"`
	Nodes     []TraceNodeDTO `json:"nodes"`
}

func toTraceTreeDTO(tree *ledger.TraceTree) TraceTreeDTO {
	return TraceTreeDTO{
		Root:      string(tree.Root),
		Direction: string(tree.Direction),
		Depth:     tree.Depth,
		Truncated: tree.Truncated,
		Nodes:     toTraceNodeDTOs(tree.Nodes),
	}
}

func toTraceNodeDTOs(nodes []*ledger.TraceNode) []TraceNodeDTO {
	dtos := make([]TraceNodeDTO, 0, len(nodes))
	for _, n := range nodes {
		dtos = append(dtos, TraceNodeDTO{
			LotID:      string(n.LotID),
			Quantity:   n.Quantity.String(),
			Unit:       string(n.Unit),
			Kind:       string(n.Kind),
			Depth:      n.Depth,
			RecordedAt: n.RecordedAt.UTC().Format(time.RFC3339),
			Batch:      string(n.Batch),
			Children:   toTraceNodeDTOs(n.Children),
		})
	}
	return dtos
}

// =============================================================================
// AUDIT TYPES
// =============================================================================

type AuditEntryDTO struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	LotID     string `json:"lot_id"`
	Delta     string `json:"delta"`
	Batch     string `json:"batch_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func toAuditEntryDTO(e ledger.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Actor:     e.Actor,
		Action:    string(e.Action),
		LotID:     string(e.LotID),
		Delta:     e.Delta.String(),
		Batch:     string(e.Batch),
		Reason:    e.Reason,
	}
}

// ErrorResponse is the JSON body for error statuses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
