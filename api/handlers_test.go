/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Receive / get / list flows
- Disposition endpoints and error status mapping
- Allocation, production completion and traces over HTTP
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/warp/lot-ledger/ledger"
	"github.com/warp/lot-ledger/store/sqlite"
)

func newTestServer(t *testing.T) (*httptest.Server, *Handler) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := NewHandler(store)
	server := httptest.NewServer(NewRouter(handler))
	t.Cleanup(server.Close)
	return server, handler
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func receiveLot(t *testing.T, server *httptest.Server, req ReceiveLotRequest) LotDTO {
	t.Helper()
	resp := postJSON(t, server.URL+"/api/lots", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 receiving lot, got %d", resp.StatusCode)
	}
	return decodeBody[LotDTO](t, resp)
}

func TestReceiveAndGetLot(t *testing.T) {
	// GIVEN: A lot received over the API
	server, _ := newTestServer(t)

	lot := receiveLot(t, server, ReceiveLotRequest{
		MaterialID: "flour",
		Unit:       "kg",
		Quantity:   "25.5",
		ExpiryAt:   "2040-06-01T00:00:00Z",
		Actor:      "receiver-1",
	})
	if lot.ID == "" {
		t.Fatal("Expected a generated lot id")
	}
	if lot.QuantityRemaining != "25.5" {
		t.Errorf("Expected remaining 25.5, got %s", lot.QuantityRemaining)
	}
	if lot.Status != "available" {
		t.Errorf("Expected status available, got %s", lot.Status)
	}

	// WHEN: Fetching it back
	resp, err := http.Get(server.URL + "/api/lots/" + lot.ID)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	got := decodeBody[LotDTO](t, resp)
	if got.MaterialID != "flour" {
		t.Errorf("Expected material flour, got %s", got.MaterialID)
	}
}

func TestGetLot_NotFound(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/lots/no-such-lot")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestListLots_FEFOPreview(t *testing.T) {
	// GIVEN: Two lots with different expiries
	server, _ := newTestServer(t)

	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-late", MaterialID: "flour", Unit: "kg", Quantity: "10",
		ExpiryAt: "2040-06-01T00:00:00Z", Actor: "receiver-1",
	})
	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-early", MaterialID: "flour", Unit: "kg", Quantity: "10",
		ExpiryAt: "2040-03-01T00:00:00Z", Actor: "receiver-1",
	})

	// WHEN: Listing by material
	resp, err := http.Get(server.URL + "/api/lots?material=flour")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	lots := decodeBody[[]LotDTO](t, resp)

	// THEN: FEFO order
	if len(lots) != 2 {
		t.Fatalf("Expected 2 lots, got %d", len(lots))
	}
	if lots[0].ID != "lot-early" {
		t.Errorf("Expected lot-early first, got %s", lots[0].ID)
	}
}

func TestHoldReleaseFlow(t *testing.T) {
	server, _ := newTestServer(t)
	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-1", MaterialID: "flour", Unit: "kg", Quantity: "10", Actor: "receiver-1",
	})

	resp := postJSON(t, server.URL+"/api/lots/lot-1/hold", HoldRequest{Actor: "qa-1", Reason: "complaint"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 holding lot, got %d", resp.StatusCode)
	}
	held := decodeBody[LotDTO](t, resp)
	if held.Status != "on_hold" {
		t.Errorf("Expected on_hold, got %s", held.Status)
	}

	// Double hold is an invalid transition.
	resp = postJSON(t, server.URL+"/api/lots/lot-1/hold", HoldRequest{Actor: "qa-1", Reason: "again"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for double hold, got %d", resp.StatusCode)
	}

	resp = postJSON(t, server.URL+"/api/lots/lot-1/release", ReleaseRequest{Actor: "qa-1"})
	released := decodeBody[LotDTO](t, resp)
	if released.Status != "available" {
		t.Errorf("Expected available after release, got %s", released.Status)
	}
}

func TestDisposeLot(t *testing.T) {
	server, _ := newTestServer(t)
	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-1", MaterialID: "flour", Unit: "kg", Quantity: "10", Actor: "receiver-1",
	})

	// Partial disposal keeps the lot available.
	resp := postJSON(t, server.URL+"/api/lots/lot-1/dispose", DisposeRequest{
		Actor: "qa-1", Reason: "spillage", Quantity: "4",
	})
	lot := decodeBody[LotDTO](t, resp)
	if lot.QuantityRemaining != "6" {
		t.Errorf("Expected remaining 6, got %s", lot.QuantityRemaining)
	}
	if lot.Status != "available" {
		t.Errorf("Expected available, got %s", lot.Status)
	}

	// Full disposal (no quantity) terminates the lot.
	resp = postJSON(t, server.URL+"/api/lots/lot-1/dispose", DisposeRequest{
		Actor: "qa-1", Reason: "failed inspection",
	})
	lot = decodeBody[LotDTO](t, resp)
	if lot.Status != "disposed" {
		t.Errorf("Expected disposed, got %s", lot.Status)
	}

	// Disposing a disposed lot is rejected.
	resp = postJSON(t, server.URL+"/api/lots/lot-1/dispose", DisposeRequest{Actor: "qa-1", Reason: "again"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", resp.StatusCode)
	}
}

func TestAdjustLot(t *testing.T) {
	server, _ := newTestServer(t)
	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-1", MaterialID: "flour", Unit: "kg", Quantity: "10", Actor: "receiver-1",
	})

	resp := postJSON(t, server.URL+"/api/lots/lot-1/adjust", AdjustRequest{
		Actor: "counter-1", Reason: "cycle count", Delta: "-1.5",
	})
	lot := decodeBody[LotDTO](t, resp)
	if lot.QuantityRemaining != "8.5" {
		t.Errorf("Expected remaining 8.5, got %s", lot.QuantityRemaining)
	}

	// Out-of-bounds adjustment.
	resp = postJSON(t, server.URL+"/api/lots/lot-1/adjust", AdjustRequest{
		Actor: "counter-1", Reason: "impossible", Delta: "-100",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", resp.StatusCode)
	}
}

func TestAllocate_Success(t *testing.T) {
	// GIVEN: Two flour lots, earliest expiry first
	server, _ := newTestServer(t)
	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-a", MaterialID: "flour", Unit: "kg", Quantity: "10",
		ExpiryAt: "2040-03-01T00:00:00Z", Actor: "receiver-1",
	})
	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-b", MaterialID: "flour", Unit: "kg", Quantity: "10",
		ExpiryAt: "2040-04-01T00:00:00Z", Actor: "receiver-1",
	})

	// WHEN: Allocating 12 kg
	resp := postJSON(t, server.URL+"/api/allocations", AllocateRequest{
		MaterialID: "flour", Quantity: "12", Unit: "kg",
		DerivedLotID: "lot-dest", Actor: "operator-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	result := decodeBody[AllocationResultDTO](t, resp)

	// THEN: FEFO split across both lots under one batch
	if len(result.Lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(result.Lines))
	}
	if result.Lines[0].LotID != "lot-a" || result.Lines[0].Taken != "10" {
		t.Errorf("Expected lot-a/10 first, got %s/%s", result.Lines[0].LotID, result.Lines[0].Taken)
	}
	if result.Lines[1].LotID != "lot-b" || result.Lines[1].Taken != "2" {
		t.Errorf("Expected lot-b/2 second, got %s/%s", result.Lines[1].LotID, result.Lines[1].Taken)
	}
	if result.Batch == "" {
		t.Error("Expected a batch id")
	}
}

func TestAllocate_ShortfallStatus(t *testing.T) {
	server, _ := newTestServer(t)
	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-a", MaterialID: "flour", Unit: "kg", Quantity: "5", Actor: "receiver-1",
	})

	resp := postJSON(t, server.URL+"/api/allocations", AllocateRequest{
		MaterialID: "flour", Quantity: "50", Unit: "kg",
		DerivedLotID: "lot-dest", Actor: "operator-1",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422 for shortfall, got %d", resp.StatusCode)
	}
	body := decodeBody[ErrorResponse](t, resp)
	if body.Details == "" {
		t.Error("Expected shortfall details in the error body")
	}
}

func TestCompleteProductionAndTrace(t *testing.T) {
	// GIVEN: Raw material lots
	server, _ := newTestServer(t)
	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-flour", MaterialID: "flour", Unit: "kg", Quantity: "20",
		ExpiryAt: "2040-06-01T00:00:00Z", Actor: "receiver-1",
	})
	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-butter", MaterialID: "butter", Unit: "kg", Quantity: "5",
		ExpiryAt: "2040-02-01T00:00:00Z", Actor: "receiver-1",
	})

	// WHEN: Completing a production run
	resp := postJSON(t, server.URL+"/api/production/complete", CompleteProductionRequest{
		MaterialID: "croissant-dough", Unit: "kg", Quantity: "12",
		Inputs: []RecipeInputDTO{
			{MaterialID: "flour", Quantity: "10", Unit: "kg"},
			{MaterialID: "butter", Quantity: "2.5", Unit: "kg"},
		},
		Actor: "operator-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	production := decodeBody[ProductionResultDTO](t, resp)
	if production.Lot.Kind != "produced" {
		t.Errorf("Expected produced kind, got %s", production.Lot.Kind)
	}
	if len(production.Allocation.Lines) != 2 {
		t.Fatalf("Expected 2 allocation lines, got %d", len(production.Allocation.Lines))
	}

	// THEN: Backward trace from the produced lot finds both inputs
	resp, err := http.Get(server.URL + "/api/lots/" + production.Lot.ID + "/trace/backward")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	backward := decodeBody[TraceTreeDTO](t, resp)
	if len(backward.Nodes) != 2 {
		t.Fatalf("Expected 2 backward nodes, got %d", len(backward.Nodes))
	}

	// And forward trace from an input finds the produced lot.
	resp, err = http.Get(server.URL + "/api/lots/lot-flour/trace/forward")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	forward := decodeBody[TraceTreeDTO](t, resp)
	if len(forward.Nodes) != 1 || forward.Nodes[0].LotID != production.Lot.ID {
		t.Errorf("Expected forward trace to reach %s, got %+v", production.Lot.ID, forward.Nodes)
	}
}

func TestTrace_InvalidMaxDepth(t *testing.T) {
	server, _ := newTestServer(t)
	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-1", MaterialID: "flour", Unit: "kg", Quantity: "10", Actor: "receiver-1",
	})

	resp, err := http.Get(server.URL + "/api/lots/lot-1/trace/forward?max_depth=abc")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestQueryAudit(t *testing.T) {
	server, _ := newTestServer(t)
	receiveLot(t, server, ReceiveLotRequest{
		LotID: "lot-1", MaterialID: "flour", Unit: "kg", Quantity: "10", Actor: "receiver-1",
	})
	resp := postJSON(t, server.URL+"/api/lots/lot-1/hold", HoldRequest{Actor: "qa-1", Reason: "check"})
	resp.Body.Close()

	resp, err := http.Get(server.URL + "/api/audit?lot=lot-1")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	entries := decodeBody[[]AuditEntryDTO](t, resp)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 audit entries (receive + hold), got %d", len(entries))
	}
	if entries[0].Action != "receive" || entries[1].Action != "hold" {
		t.Errorf("Unexpected actions: %s, %s", entries[0].Action, entries[1].Action)
	}

	// Actor filter.
	resp, err = http.Get(server.URL + "/api/audit?actor=qa-1")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	entries = decodeBody[[]AuditEntryDTO](t, resp)
	if len(entries) != 1 {
		t.Errorf("Expected 1 entry for qa-1, got %d", len(entries))
	}
}

func TestReceive_InvalidQuantity(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/lots", ReceiveLotRequest{
		MaterialID: "flour", Unit: "kg", Quantity: "not-a-number", Actor: "receiver-1",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestExpiredLotReportsEffectiveStatus(t *testing.T) {
	// An available lot past its expiry reads back as expired.
	server, handler := newTestServer(t)

	expiry := time.Now().Add(-24 * time.Hour)
	err := handler.Backend.CreateLot(context.Background(), ledger.Lot{
		ID:                "lot-old",
		MaterialID:        "milk",
		Unit:              ledger.UnitLiters,
		Kind:              ledger.KindReceived,
		ReceivedAt:        time.Now().Add(-48 * time.Hour),
		ExpiryAt:          &expiry,
		QuantityOriginal:  ledger.MustParseDecimal("10"),
		QuantityRemaining: ledger.MustParseDecimal("10"),
		Status:            ledger.StatusAvailable,
	})
	if err != nil {
		t.Fatalf("Failed to create lot: %v", err)
	}

	resp, err := http.Get(server.URL + "/api/lots/lot-old")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	lot := decodeBody[LotDTO](t, resp)
	if lot.Status != "expired" {
		t.Errorf("Expected expired, got %s", lot.Status)
	}
}
