package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invoice-engine/invoice"
	"github.com/warp/invoice-engine/invoice/store"
)

func TestTokenJanitor_PurgesOnlyPastRetention(t *testing.T) {
	// GIVEN: One token long expired and one expired yesterday
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveToken(ctx, invoice.PreviewToken{
		Token: "old", InvoiceID: "inv-1", CreatedAt: now.AddDate(0, -3, 0), TTLSeconds: 3600,
	}))
	require.NoError(t, mem.SaveToken(ctx, invoice.PreviewToken{
		Token: "recent", InvoiceID: "inv-1", CreatedAt: now.AddDate(0, 0, -2), TTLSeconds: 3600,
	}))

	engine := invoice.NewEngine(mem, nil, nil)
	engine.Clock = func() time.Time { return now }
	j := NewTokenJanitor(engine, zerolog.Nop())

	// WHEN: Running once
	n := j.RunNow(ctx)

	// THEN: Only the old token is gone
	assert.EqualValues(t, 1, n)
	old, err := mem.GetToken(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, old)
	recent, err := mem.GetToken(ctx, "recent")
	require.NoError(t, err)
	assert.NotNil(t, recent)

	_, purged := j.Stats()
	assert.EqualValues(t, 1, purged)
}

func TestTokenJanitor_StartStop(t *testing.T) {
	engine := invoice.NewEngine(store.NewMemory(), nil, nil)
	j := NewTokenJanitor(engine, zerolog.Nop())
	j.CheckInterval = 10 * time.Millisecond

	j.Start()
	require.Eventually(t, func() bool {
		last, _ := j.Stats()
		return !last.IsZero()
	}, time.Second, 5*time.Millisecond)
	j.Stop()
	j.Stop() // second stop is a no-op
}

func TestTokenJanitor_Disabled(t *testing.T) {
	j := NewTokenJanitor(invoice.NewEngine(store.NewMemory(), nil, nil), zerolog.Nop())
	j.Enabled = false

	j.Start()
	j.Stop()

	last, _ := j.Stats()
	assert.True(t, last.IsZero())
}

func TestTokenJanitor_NonPositiveIntervalDisables(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		// GIVEN: A janitor configured with a zero or negative interval
		j := NewTokenJanitor(invoice.NewEngine(store.NewMemory(), nil, nil), zerolog.Nop())
		j.CheckInterval = interval

		// WHEN: Starting it
		assert.NotPanics(t, j.Start)
		j.Stop()

		// THEN: It never ran
		last, _ := j.Stats()
		assert.True(t, last.IsZero(), "interval %s", interval)
	}
}
