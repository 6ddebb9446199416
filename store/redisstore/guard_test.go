package redisstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invoice-engine/invoice"
)

func setupGuard(t *testing.T, ttl time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	g, err := NewGuard("redis://"+s.Addr(), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g, s
}

func TestGuard_FirstClaimWins(t *testing.T) {
	g, s := setupGuard(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, g.EnsureIdempotent(ctx, "bulk-1", "hashA"))

	err := g.EnsureIdempotent(ctx, "bulk-1", "hashA")
	assert.ErrorIs(t, err, invoice.ErrIdempotencyConflict)
	err = g.EnsureIdempotent(ctx, "bulk-1", "hashB")
	assert.ErrorIs(t, err, invoice.ErrIdempotencyConflict)

	scope, err := s.Get("idem:bulk-1")
	require.NoError(t, err)
	assert.Equal(t, "hashA", scope)
}

func TestGuard_RejectsMalformedKeys(t *testing.T) {
	g, s := setupGuard(t, time.Hour)
	ctx := context.Background()

	for _, key := range []string{"", "   ", strings.Repeat("k", 201)} {
		err := g.EnsureIdempotent(ctx, key, "h")
		assert.ErrorIs(t, err, invoice.ErrValidation)
	}
	assert.Empty(t, s.Keys())
}

func TestGuard_KeyExpires(t *testing.T) {
	g, s := setupGuard(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, g.EnsureIdempotent(ctx, "k", "h"))
	s.FastForward(2 * time.Minute)

	assert.NoError(t, g.EnsureIdempotent(ctx, "k", "h"))
}

func TestGuard_DefaultTTL(t *testing.T) {
	g, s := setupGuard(t, 0)
	ctx := context.Background()

	require.NoError(t, g.EnsureIdempotent(ctx, "k", "h"))
	assert.Equal(t, DefaultTTL, s.TTL("idem:k"))
}

func TestNewGuard_BadURL(t *testing.T) {
	_, err := NewGuard("not a url", time.Minute)
	assert.Error(t, err)
}
