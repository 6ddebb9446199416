/*
scenarios.go - Demo ledger data for trying the engine end to end

PURPOSE:
  Seeds ledger entries so an invoice can be built without an external
  work-tracking system. Entry ids are fixed per scenario, so loading the
  same scenario twice replaces rather than duplicates.

AVAILABLE SCENARIOS:
  electrician-january:  weekday hours plus one Saturday callout
  night-plumbing:       plumbing work crossing the night window
  multi-site:           several workers and sites for one client

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "electrician-january"}

  then build:
  POST /api/invoices
  {"client": "acme", "period_start": "2025-01-01", "period_end": "2025-01-31", "currency": "EUR"}

SEE ALSO:
  - rules.yaml: rate codes used here
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/invoice-engine/invoice"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "electrician-january",
		Name:        "Electrician, January",
		Description: "Weekday panel work plus a weekend callout (weekend surcharge)",
		Client:      "acme",
	},
	{
		ID:          "night-plumbing",
		Name:        "Night Plumbing",
		Description: "Emergency plumbing late at night (night surcharge, weekend + night stacking)",
		Client:      "harbor-hotel",
	},
	{
		ID:          "multi-site",
		Name:        "Multi-Site Crew",
		Description: "Three workers on two sites with helpers and mileage",
		Client:      "northwind",
	},
}

type entrySeed struct {
	task, worker, site, code, unit string
	qty                            string
	at                             time.Time
}

func at(month time.Month, day, hour int) time.Time {
	return time.Date(2025, month, day, hour, 0, 0, 0, time.UTC)
}

var scenarioEntries = map[string][]entrySeed{
	"electrician-january": {
		{"Panel wiring", "ana", "north", "hour_electric", "h", "2", at(time.January, 15, 10)},
		{"Socket replacement", "ana", "north", "hour_electric", "h", "1.5", at(time.January, 16, 9)},
		{"Emergency callout", "ana", "north", "callout", "visit", "1", at(time.January, 18, 14)}, // Saturday
		{"Travel", "ana", "north", "km", "km", "42", at(time.January, 18, 13)},
	},
	"night-plumbing": {
		{"Burst pipe", "ben", "lobby", "hour_plumbing", "h", "3", at(time.January, 7, 23)},
		{"Boiler restart", "ben", "basement", "hour_plumbing", "h", "1", at(time.January, 11, 2)}, // Saturday night
		{"Inspection", "ben", "lobby", "hour_plumbing", "h", "2", at(time.January, 9, 11)},
	},
	"multi-site": {
		{"Cable trays", "ana", "warehouse", "hour_electric", "h", "6", at(time.January, 13, 8)},
		{"Cable trays", "cai", "warehouse", "hour_helper", "h", "6", at(time.January, 13, 8)},
		{"Drainage", "ben", "office", "hour_plumbing", "h", "4", at(time.January, 14, 9)},
		{"Fixtures", "ana", "office", "hour_electric", "h", "3.25", at(time.January, 20, 10)},
		{"Travel", "cai", "office", "km", "km", "18", at(time.January, 20, 8)},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario writes a scenario's ledger entries.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "Ledger is read-only in this deployment", nil)
		return
	}
	var req LoadScenarioRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	var scenario *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			scenario = &scenarios[i]
		}
	}
	if scenario == nil {
		writeErrorCode(w, http.StatusNotFound, "not_found", "Unknown scenario", nil)
		return
	}

	n, err := h.loadScenario(r.Context(), *scenario)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.Logger.Info().Str("scenario", scenario.ID).Int("entries", n).Msg("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]any{
		"scenario": scenario,
		"entries":  n,
	})
}

func (h *Handler) loadScenario(ctx context.Context, s ScenarioDTO) (int, error) {
	seeds := scenarioEntries[s.ID]
	for i, seed := range seeds {
		entry := invoice.LedgerEntry{
			ID:       scenarioEntryID(s.ID, i),
			Client:   s.Client,
			Task:     seed.task,
			Worker:   seed.worker,
			Site:     seed.site,
			RateCode: seed.code,
			Qty:      decimal.RequireFromString(seed.qty),
			Unit:     seed.unit,
			At:       seed.at,
		}
		if err := h.Ledger.SaveLedgerEntry(ctx, entry); err != nil {
			return i, err
		}
	}
	return len(seeds), nil
}

func scenarioEntryID(scenarioID string, i int) string {
	return scenarioID + "-" + string(rune('a'+i))
}
