/*
scenarios.go - Demo scenarios for development and allocation-preview UIs

PURPOSE:
  Seeds the ledger with small, recognizable datasets so a frontend can
  exercise FEFO previews, holds, production runs and traces without
  hand-entering lots.

SCENARIOS:
  bakery:  Raw flour/butter lots with staggered expiries, one production
           run, one lot on hold. Demonstrates FEFO order and genealogy.
  recall:  A three-level genealogy (raw -> intermediate -> finished) for
           exercising forward/backward traces.

SEE ALSO:
  - handlers.go: Handler dependencies
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/warp/lot-ledger/ledger"
)

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ID string `json:"id"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "bakery",
		Name:        "Bakery receiving and production",
		Description: "Flour and butter lots with staggered expiries, one sourdough production run, one lot on QA hold.",
	},
	{
		ID:          "recall",
		Name:        "Recall trace",
		Description: "Three-level genealogy for exercising forward and backward traces.",
	},
}

// ListScenarios returns the available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds the ledger with the selected scenario. Loading into a
// non-empty store is allowed; lot ids are scenario-prefixed to avoid
// collisions on a first load.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var err error
	switch req.ID {
	case "bakery":
		err = h.loadBakery(r.Context())
	case "recall":
		err = h.loadRecall(r.Context())
	default:
		writeError(w, http.StatusNotFound, "Unknown scenario", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"loaded": req.ID})
}

func (h *Handler) loadBakery(ctx context.Context) error {
	now := time.Now()
	in7 := now.AddDate(0, 0, 7)
	in30 := now.AddDate(0, 0, 30)
	in90 := now.AddDate(0, 0, 90)

	receipts := []ledger.ReceiveInput{
		{LotID: "bakery-flour-1", MaterialID: "flour", LocationID: "wh-1", Unit: ledger.UnitKilograms,
			Quantity: ledger.MustParseDecimal("50"), ExpiryAt: &in7},
		{LotID: "bakery-flour-2", MaterialID: "flour", LocationID: "wh-1", Unit: ledger.UnitKilograms,
			Quantity: ledger.MustParseDecimal("100"), ExpiryAt: &in30},
		{LotID: "bakery-butter-1", MaterialID: "butter", LocationID: "wh-1", Unit: ledger.UnitKilograms,
			Quantity: ledger.MustParseDecimal("20"), ExpiryAt: &in30},
		{LotID: "bakery-salt-1", MaterialID: "salt", LocationID: "wh-1", Unit: ledger.UnitKilograms,
			Quantity: ledger.MustParseDecimal("10")}, // never expires
		{LotID: "bakery-butter-2", MaterialID: "butter", LocationID: "wh-1", Unit: ledger.UnitKilograms,
			Quantity: ledger.MustParseDecimal("20"), ExpiryAt: &in90},
	}
	for _, in := range receipts {
		if _, err := h.Gateway.Receive(ctx, in, "demo"); err != nil {
			return err
		}
	}

	// One production run consuming flour and butter via FEFO.
	_, _, err := h.Gateway.CompleteProduction(ctx, ledger.ProductionInput{
		MaterialID: "sourdough-batch",
		LocationID: "bakery",
		Unit:       ledger.UnitKilograms,
		Quantity:   ledger.MustParseDecimal("60"),
		Inputs: []ledger.RecipeInput{
			{MaterialID: "flour", Quantity: ledger.MustParseDecimal("55"), Unit: ledger.UnitKilograms},
			{MaterialID: "butter", Quantity: ledger.MustParseDecimal("5"), Unit: ledger.UnitKilograms},
		},
	}, "demo")
	if err != nil {
		return err
	}

	// A lot on QA hold for the disposition UI.
	_, err = h.Gateway.Hold(ctx, "bakery-butter-2", "demo", "awaiting micro results")
	return err
}

func (h *Handler) loadRecall(ctx context.Context) error {
	in60 := time.Now().AddDate(0, 0, 60)

	if _, err := h.Gateway.Receive(ctx, ledger.ReceiveInput{
		LotID: "recall-milk-1", MaterialID: "milk", LocationID: "wh-1",
		Unit: ledger.UnitLiters, Quantity: ledger.MustParseDecimal("200"), ExpiryAt: &in60,
	}, "demo"); err != nil {
		return err
	}

	// milk -> cream (intermediate)
	_, _, err := h.Gateway.CompleteProduction(ctx, ledger.ProductionInput{
		MaterialID: "cream",
		LocationID: "dairy",
		Unit:       ledger.UnitLiters,
		Quantity:   ledger.MustParseDecimal("40"),
		Inputs: []ledger.RecipeInput{
			{MaterialID: "milk", Quantity: ledger.MustParseDecimal("120"), Unit: ledger.UnitLiters},
		},
	}, "demo")
	if err != nil {
		return err
	}

	// cream -> ice cream (finished)
	_, _, err = h.Gateway.CompleteProduction(ctx, ledger.ProductionInput{
		MaterialID: "ice-cream",
		LocationID: "dairy",
		Unit:       ledger.UnitLiters,
		Quantity:   ledger.MustParseDecimal("35"),
		Inputs: []ledger.RecipeInput{
			{MaterialID: "cream", Quantity: ledger.MustParseDecimal("30"), Unit: ledger.UnitLiters},
		},
	}, "demo")
	return err
}
