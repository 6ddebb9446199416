// Package redisstore provides a Redis-backed idempotency guard for
// deployments that run more than one engine process in front of one
// database.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/invoice-engine/invoice"
)

// DefaultTTL is how long a claimed key stays burned.
const DefaultTTL = 7 * 24 * time.Hour

// Guard implements invoice.Guard with SET NX. The first caller claims the
// key; every later caller, whatever its scope hash, gets a conflict until
// the key expires. After the TTL a key can be claimed again; retention is
// bounded so Redis memory stays bounded.
type Guard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ invoice.Guard = (*Guard)(nil)

// NewGuard connects to redisURL (redis://host:port/db).
func NewGuard(redisURL string, ttl time.Duration) (*Guard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewGuardWithClient(client, ttl), nil
}

// NewGuardWithClient wraps an existing client.
func NewGuardWithClient(client *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{client: client, prefix: "idem:", ttl: ttl}
}

func (g *Guard) key(k string) string {
	return g.prefix + k
}

// EnsureIdempotent claims key for scopeHash.
func (g *Guard) EnsureIdempotent(ctx context.Context, key, scopeHash string) error {
	if err := invoice.CheckIdempotencyKey(key); err != nil {
		return err
	}
	ok, err := g.client.SetNX(ctx, g.key(key), scopeHash, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim idempotency key: %w", err)
	}
	if !ok {
		return invoice.KeyConflict(key)
	}
	return nil
}

// Close closes the Redis connection.
func (g *Guard) Close() error {
	return g.client.Close()
}

// Ping checks if Redis is reachable.
func (g *Guard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
