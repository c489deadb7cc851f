package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/estatehub/portal/common/cache"
	"github.com/google/uuid"
)

// IdempotencyGuard maps (actor, Idempotency-Key) to the change id the first request created
type IdempotencyGuard struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewIdempotencyGuard returns nil when no cache is configured
func NewIdempotencyGuard(c cache.Cache, ttl time.Duration) *IdempotencyGuard {
	if c == nil {
		return nil
	}
	return &IdempotencyGuard{cache: c, ttl: ttl}
}

func idempotencyCacheKey(actorID, key string) string {
	return fmt.Sprintf("idempotency:changes:%s:%s", actorID, key)
}

const completedSuffix = ":done"

// Reservation is the state of an idempotency key
type Reservation struct {
	ChangeID  uuid.UUID
	// Reserved is true when this call claimed the key
	Reserved  bool
	// Completed is true once the claiming request committed its change
	Completed bool
}

func parseReservation(k string, value []byte) (Reservation, error) {
	raw := strings.TrimSuffix(string(value), completedSuffix)
	id, err := uuid.Parse(raw)
	if err != nil {
		return Reservation{}, fmt.Errorf("corrupt idempotency entry %s: %w", k, err)
	}
	return Reservation{ChangeID: id, Completed: len(raw) != len(value)}, nil
}

// Reserve claims key for id. When another request already holds the key it
// returns that request's reservation with Reserved false.
func (g *IdempotencyGuard) Reserve(ctx context.Context, actorID, key string, id uuid.UUID) (Reservation, error) {
	k := idempotencyCacheKey(actorID, key)

	for attempt := 0; attempt < 2; attempt++ {
		stored, err := g.cache.SetIfAbsent(ctx, k, []byte(id.String()), g.ttl)
		if err != nil {
			return Reservation{}, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if stored {
			return Reservation{ChangeID: id, Reserved: true}, nil
		}

		value, found, err := g.cache.Get(ctx, k)
		if err != nil {
			return Reservation{}, fmt.Errorf("failed to read idempotency key: %w", err)
		}
		if !found {
			// expired between the two calls
			continue
		}
		return parseReservation(k, value)
	}

	return Reservation{}, fmt.Errorf("failed to reserve idempotency key %s", k)
}

// Complete marks the key's change as committed
func (g *IdempotencyGuard) Complete(ctx context.Context, actorID, key string, id uuid.UUID) error {
	return g.cache.Set(ctx, idempotencyCacheKey(actorID, key), []byte(id.String()+completedSuffix), g.ttl)
}

// Release frees a key whose request failed
func (g *IdempotencyGuard) Release(ctx context.Context, actorID, key string) error {
	return g.cache.Delete(ctx, idempotencyCacheKey(actorID, key))
}
