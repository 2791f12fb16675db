package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wagateway/internal/infrastructure/lock"
)

// IdempotencyGuard serializes submissions that share a (tenant, key) pair.
// Without Redis it is a no-op and the unique index alone rejects duplicates.
type IdempotencyGuard struct {
	client   redis.Cmdable
	ttl      time.Duration
	interval time.Duration
	retries  int
	logger   zerolog.Logger
}

func NewIdempotencyGuard(client redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &IdempotencyGuard{
		client:   client,
		ttl:      ttl,
		interval: 50 * time.Millisecond,
		retries:  int(ttl / (50 * time.Millisecond)),
		logger:   logger,
	}
}

// Acquire blocks until the caller holds the lock for (tenantID, key). The
// returned release func is always non-nil.
func (g *IdempotencyGuard) Acquire(ctx context.Context, tenantID, key string) (func(), error) {
	if g == nil || g.client == nil {
		return func() {}, nil
	}

	l := lock.NewIdempotencyLock(g.client, tenantID, key, uuid.NewString(), g.ttl)
	if err := l.Lock(ctx, g.interval, g.retries); err != nil {
		if ctx.Err() != nil {
			return func() {}, ctx.Err()
		}
		// The unique index still rejects a duplicate, so a busy lock or a
		// Redis outage degrades to index-only protection.
		ev := g.logger.Warn().Str("lock", l.Key())
		if !errors.Is(err, lock.ErrLockFailed) {
			ev = ev.Err(err)
		}
		ev.Msg("idempotency lock not acquired, continuing unlocked")
		return func() {}, nil
	}

	return func() {
		// release on a fresh context so a cancelled request still unlocks
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.Unlock(ctx); err != nil {
			g.logger.Warn().Err(err).Str("lock", l.Key()).Msg("idempotency unlock failed")
		}
	}, nil
}
