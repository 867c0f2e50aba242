/*
handlers.go - HTTP API handlers for the lot ledger

PURPOSE:
  Exposes the lot ledger via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the domain logic in the ledger package.

ENDPOINTS:
  Lots:
    POST   /api/lots                    Receive a material lot
    GET    /api/lots                    List lots (all, or FEFO preview)
    GET    /api/lots/{id}               Get lot details
    POST   /api/lots/{id}/hold          QA hold
    POST   /api/lots/{id}/release       Release from hold
    POST   /api/lots/{id}/dispose       Dispose (full or partial)
    POST   /api/lots/{id}/adjust        Cycle-count adjustment

  Allocation & production:
    POST   /api/allocations             FEFO allocation (transfer/issue)
    POST   /api/production/complete     Finish a production run

  Tracing:
    GET    /api/lots/{id}/trace/forward   Where did this lot end up
    GET    /api/lots/{id}/trace/backward  What did this lot contain

  Audit:
    GET    /api/audit                   Query the audit log

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Lot not found
  - 409: Concurrency conflict, contention, duplicate batch
  - 422: Shortfall, invalid transition, insufficient quantity
  - 500: Internal errors, corrupt genealogy graph

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/lot-ledger/ledger"
)

// Backend bundles the storage interfaces a handler needs. Both the SQLite
// store and the in-memory store satisfy it.
type Backend interface {
	ledger.LotStore
	ledger.EdgeStore
	ledger.AuditLog

	// AllLots returns every lot, for list views and the expiry sweeper.
	AllLots(ctx context.Context) ([]ledger.Lot, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend   Backend
	Graph     *ledger.Graph
	Allocator *ledger.Allocator
	Gateway   *ledger.Gateway
	Tracer    *ledger.Tracer
}

// NewHandler wires the domain engine over the given backend.
func NewHandler(backend Backend) *Handler {
	graph := ledger.NewGraph(backend)
	allocator := ledger.NewAllocator(backend, graph, backend)
	return &Handler{
		Backend:   backend,
		Graph:     graph,
		Allocator: allocator,
		Gateway:   ledger.NewGateway(backend, allocator, backend),
		Tracer:    ledger.NewTracer(backend, graph),
	}
}

// =============================================================================
// LOT HANDLERS
// =============================================================================

// ReceiveLot creates a lot from receiving inspection.
// POST /api/lots
func (h *Handler) ReceiveLot(w http.ResponseWriter, r *http.Request) {
	var req ReceiveLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}

	in := ledger.ReceiveInput{
		LotID:      ledger.LotID(req.LotID),
		MaterialID: ledger.MaterialID(req.MaterialID),
		LocationID: ledger.LocationID(req.LocationID),
		Unit:       ledger.Unit(req.Unit),
		Quantity:   qty,
	}
	if req.ReceivedAt != "" {
		t, err := time.Parse(time.RFC3339, req.ReceivedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid received_at (use RFC3339)", err)
			return
		}
		in.ReceivedAt = t
	}
	if req.ExpiryAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiryAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expiry_at (use RFC3339)", err)
			return
		}
		in.ExpiryAt = &t
	}

	lot, err := h.Gateway.Receive(r.Context(), in, req.Actor)
	if err != nil {
		writeLedgerError(w, "Failed to receive lot", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLotDTO(lot, time.Now()))
}

// GetLot returns one lot.
// GET /api/lots/{id}
func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	id := ledger.LotID(chi.URLParam(r, "id"))
	lot, err := h.Backend.GetLot(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to get lot", err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(lot, time.Now()))
}

// ListLots lists lots. With ?material=X it returns the FEFO-ordered
// available lots of that material (allocation-preview view); without, all
// lots.
// GET /api/lots?material=flour&location=wh-1
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	material := r.URL.Query().Get("material")
	if material == "" {
		lots, err := h.Backend.AllLots(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list lots", err)
			return
		}
		writeJSON(w, http.StatusOK, toLotDTOs(lots, now))
		return
	}

	lots, err := h.Backend.ListAvailable(r.Context(),
		ledger.MaterialID(material), ledger.LocationID(r.URL.Query().Get("location")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list available lots", err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTOs(lots, now))
}

func toLotDTOs(lots []ledger.Lot, asOf time.Time) []LotDTO {
	dtos := make([]LotDTO, 0, len(lots))
	for _, lot := range lots {
		dtos = append(dtos, toLotDTO(lot, asOf))
	}
	return dtos
}

// =============================================================================
// DISPOSITION HANDLERS
// =============================================================================

// HoldLot puts a lot on QA hold.
// POST /api/lots/{id}/hold
func (h *Handler) HoldLot(w http.ResponseWriter, r *http.Request) {
	var req HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	lot, err := h.Gateway.Hold(r.Context(), ledger.LotID(chi.URLParam(r, "id")), req.Actor, req.Reason)
	if err != nil {
		writeLedgerError(w, "Failed to hold lot", err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(lot, time.Now()))
}

// ReleaseLot releases a lot from hold.
// POST /api/lots/{id}/release
func (h *Handler) ReleaseLot(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	lot, err := h.Gateway.Release(r.Context(), ledger.LotID(chi.URLParam(r, "id")), req.Actor)
	if err != nil {
		writeLedgerError(w, "Failed to release lot", err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(lot, time.Now()))
}

// DisposeLot disposes all or part of a lot.
// POST /api/lots/{id}/dispose
func (h *Handler) DisposeLot(w http.ResponseWriter, r *http.Request) {
	var req DisposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var qty *decimal.Decimal
	if req.Quantity != "" {
		q, err := decimal.NewFromString(req.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid quantity", err)
			return
		}
		qty = &q
	}

	lot, err := h.Gateway.Dispose(r.Context(), ledger.LotID(chi.URLParam(r, "id")), qty, req.Actor, req.Reason)
	if err != nil {
		writeLedgerError(w, "Failed to dispose lot", err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(lot, time.Now()))
}

// AdjustLot applies a signed cycle-count correction.
// POST /api/lots/{id}/adjust
func (h *Handler) AdjustLot(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	delta, err := decimal.NewFromString(req.Delta)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid delta", err)
		return
	}

	lot, err := h.Gateway.Adjust(r.Context(), ledger.LotID(chi.URLParam(r, "id")), delta, req.Actor, req.Reason)
	if err != nil {
		writeLedgerError(w, "Failed to adjust lot", err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(lot, time.Now()))
}

// =============================================================================
// ALLOCATION & PRODUCTION HANDLERS
// =============================================================================

// Allocate runs a FEFO allocation against a destination lot.
// POST /api/allocations
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}

	result, err := h.Allocator.Allocate(r.Context(), ledger.AllocationRequest{
		MaterialID:   ledger.MaterialID(req.MaterialID),
		Quantity:     qty,
		Unit:         ledger.Unit(req.Unit),
		LocationID:   ledger.LocationID(req.LocationID),
		AllowExpired: req.AllowExpired,
		Partial:      req.Partial,
		Transfer:     req.Transfer,
	}, ledger.LotID(req.DerivedLotID), req.Actor)
	if err != nil {
		writeLedgerError(w, "Allocation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationResultDTO(result))
}

// CompleteProduction finishes a production run: consumes recipe inputs via
// FEFO and creates the produced lot.
// POST /api/production/complete
func (h *Handler) CompleteProduction(w http.ResponseWriter, r *http.Request) {
	var req CompleteProductionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}

	in := ledger.ProductionInput{
		MaterialID: ledger.MaterialID(req.MaterialID),
		LocationID: ledger.LocationID(req.LocationID),
		Unit:       ledger.Unit(req.Unit),
		Quantity:   qty,
	}
	if req.ExpiryAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiryAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expiry_at (use RFC3339)", err)
			return
		}
		in.ExpiryAt = &t
	}
	for _, input := range req.Inputs {
		q, err := decimal.NewFromString(input.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid input quantity", err)
			return
		}
		in.Inputs = append(in.Inputs, ledger.RecipeInput{
			MaterialID:   ledger.MaterialID(input.MaterialID),
			Quantity:     q,
			Unit:         ledger.Unit(input.Unit),
			LocationID:   ledger.LocationID(input.LocationID),
			AllowExpired: input.AllowExpired,
		})
	}

	lot, result, err := h.Gateway.CompleteProduction(r.Context(), in, req.Actor)
	if err != nil {
		writeLedgerError(w, "Production completion failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, ProductionResultDTO{
		Lot:        toLotDTO(lot, time.Now()),
		Allocation: toAllocationResultDTO(result),
	})
}

// =============================================================================
// TRACE HANDLERS
// =============================================================================

// TraceForward answers "where did this lot end up".
// GET /api/lots/{id}/trace/forward?max_depth=10&time_bound=2024-03-01T00:00:00Z
func (h *Handler) TraceForward(w http.ResponseWriter, r *http.Request) {
	h.trace(w, r, h.Tracer.Forward)
}

// TraceBackward answers "what did this lot contain".
// GET /api/lots/{id}/trace/backward
func (h *Handler) TraceBackward(w http.ResponseWriter, r *http.Request) {
	h.trace(w, r, h.Tracer.Backward)
}

func (h *Handler) trace(w http.ResponseWriter, r *http.Request,
	run func(context.Context, ledger.LotID, ledger.TraceOptions) (*ledger.TraceTree, error)) {

	opts := ledger.TraceOptions{}
	if raw := r.URL.Query().Get("max_depth"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid max_depth", err)
			return
		}
		opts.MaxDepth = depth
	}
	if raw := r.URL.Query().Get("time_bound"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid time_bound (use RFC3339)", err)
			return
		}
		opts.TimeBound = &t
	}

	tree, err := run(r.Context(), ledger.LotID(chi.URLParam(r, "id")), opts)
	if err != nil {
		writeLedgerError(w, "Trace failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toTraceTreeDTO(tree))
}

// =============================================================================
// AUDIT HANDLER
// =============================================================================

// QueryAudit returns audit entries, optionally filtered.
// GET /api/audit?lot=lot-1&actor=qa-1
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	filter := ledger.AuditFilter{}
	if lot := r.URL.Query().Get("lot"); lot != "" {
		id := ledger.LotID(lot)
		filter.LotID = &id
	}
	if actor := r.URL.Query().Get("actor"); actor != "" {
		filter.Actor = &actor
	}

	entries, err := h.Backend.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toAuditEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps the domain error taxonomy to HTTP statuses.
func writeLedgerError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, ledger.ErrContention),
		errors.Is(err, ledger.ErrDuplicateBatch):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrShortfall),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrInsufficientQuantity):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidQuantity):
		status = http.StatusBadRequest
	}
	writeError(w, status, message, err)
}
