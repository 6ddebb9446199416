/*
idempotency.go - Idempotency keys and scope hashes

TWO SEMANTICS:
  Build (replay):
    same key + same scope hash      -> cached result, nothing recomputed
    same key + different scope hash -> ErrIdempotencyConflict

  Guard (reject duplicate), used by Apply and BulkApprove:
    any reuse of a key              -> ErrIdempotencyConflict
    The guard claims the key before any row is touched, and a claimed key
    stays claimed even if the operation then fails.

ATOMICITY:
  Keys are claimed with an insert-or-fail on the primary key (SQL) or
  SET NX (Redis), never read-then-write.

SEE ALSO:
  - builder.go: replay
  - store/redisstore: Redis Guard
*/
package invoice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdempotencyKeyLen = 200

// Guard claims idempotency keys for reject-duplicate operations.
type Guard interface {
	EnsureIdempotent(ctx context.Context, key, scopeHash string) error
}

// StoreGuard claims keys in the relational idempotency table.
type StoreGuard struct {
	Store IdempotencyStore
	Clock func() time.Time
}

func (g StoreGuard) EnsureIdempotent(ctx context.Context, key, scopeHash string) error {
	if err := CheckIdempotencyKey(key); err != nil {
		return err
	}
	now := time.Now().UTC()
	if g.Clock != nil {
		now = g.Clock()
	}
	err := g.Store.InsertIdempotencyRecord(ctx, IdempotencyRecord{
		Key:       key,
		ScopeHash: scopeHash,
		Status:    "claimed",
		CreatedAt: now,
	})
	if errors.Is(err, ErrDuplicateKey) {
		return KeyConflict(key)
	}
	return err
}

// KeyConflict is the error every Guard returns for a reused key.
func KeyConflict(key string) error {
	return fmt.Errorf("%w: %q", ErrIdempotencyConflict, key)
}

// CheckIdempotencyKey rejects blank and oversized keys. Every Guard calls it
// before claiming.
func CheckIdempotencyKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return invalid("idempotency_key", "required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return invalid("idempotency_key", "longer than %d characters", maxIdempotencyKeyLen)
	}
	return nil
}

// ScopeHash is the sha256 of v's JSON encoding. encoding/json writes struct
// fields in declaration order and map keys sorted, so equal values hash equal.
func ScopeHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("scope hash: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
