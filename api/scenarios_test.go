package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ThenBuild(t *testing.T) {
	// GIVEN: The electrician scenario loaded twice
	s := newTestServer(t)
	for i := 0; i < 2; i++ {
		rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "electrician-january"}, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// WHEN: Building January for its client
	var resp InvoiceResponse
	rec := s.do(http.MethodPost, "/api/invoices", BuildInvoiceRequest{
		Client: "acme", PeriodStart: "2025-01-01", PeriodEnd: "2025-01-31", Currency: "EUR",
	}, nil, &resp)

	// THEN: Entries were upserted, not duplicated
	// 2h*800 + 1.5h*800 + callout 1500*1.5 (Saturday) + 42km*12.50*1.5 (Saturday)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, resp.Version.Snapshot.Items, 4)
	assert.Equal(t, "5837.50", resp.Version.Snapshot.Total)
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var list []ScenarioDTO
	rec = s.do(http.MethodGet, "/api/scenarios", nil, nil, &list)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, list, len(scenarios))
}

func TestScenarioEntries_UseKnownRates(t *testing.T) {
	rates := map[string]bool{"hour_electric": true, "hour_plumbing": true, "hour_helper": true, "callout": true, "km": true}
	for id, seeds := range scenarioEntries {
		for _, seed := range seeds {
			assert.True(t, rates[seed.code], "%s uses unknown rate %s", id, seed.code)
		}
	}
}
