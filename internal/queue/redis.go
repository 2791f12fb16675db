package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RedisQueue keeps jobs in Redis lists:
//
//	<name>:wait     pending envelopes (LPUSH in, BRPOPLPUSH out)
//	<name>:active   envelopes being processed
//	<name>:delayed  zset of retries scored by due time (unix ms)
//	<name>:dead     envelopes that used every attempt
//
// TODO: reclaim :active entries left behind by a crashed consumer; needs a
// per-envelope lease with a heartbeat.
type RedisQueue struct {
	client      redis.UniversalClient
	name        string
	policy      RetryPolicy
	concurrency int
	logger      zerolog.Logger

	pollTimeout  time.Duration
	promoteEvery time.Duration
}

// promoteScript moves due entries from the delayed zset onto the wait list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, v in ipairs(due) do
	redis.call("ZREM", KEYS[1], v)
	redis.call("LPUSH", KEYS[2], v)
end
return #due
`)

func NewRedisQueue(client redis.UniversalClient, name string, concurrency int, policy RetryPolicy, logger zerolog.Logger) *RedisQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &RedisQueue{
		client:       client,
		name:         name,
		policy:       policy.withDefaults(),
		concurrency:  concurrency,
		logger:       logger,
		pollTimeout:  time.Second,
		promoteEvery: 250 * time.Millisecond,
	}
}

func (q *RedisQueue) waitKey() string    { return q.name + ":wait" }
func (q *RedisQueue) activeKey() string  { return q.name + ":active" }
func (q *RedisQueue) delayedKey() string { return q.name + ":delayed" }
func (q *RedisQueue) deadKey() string    { return q.name + ":dead" }

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	raw, err := encodeEnvelope(envelope{
		ID:         uuid.NewString(),
		Job:        job,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.waitKey(), raw).Err()
}

func (q *RedisQueue) Consume(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.promoteLoop(ctx)
	}()

	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.workLoop(ctx, h)
		}()
	}

	wg.Wait()
	return nil
}

func (q *RedisQueue) workLoop(ctx context.Context, h Handler) {
	for ctx.Err() == nil {
		raw, err := q.client.BRPopLPush(ctx, q.waitKey(), q.activeKey(), q.pollTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Error().Err(err).Msg("redis dequeue failed")
			sleepCtx(ctx, q.pollTimeout)
			continue
		}
		q.handle(ctx, raw, h)
	}
}

func (q *RedisQueue) handle(ctx context.Context, raw string, h Handler) {
	env, err := decodeEnvelope([]byte(raw))
	if err != nil {
		q.logger.Error().Err(err).Str("raw", raw).Msg("dropping undecodable job")
		q.settle(raw, func(ctx context.Context, pipe redis.Pipeliner) { pipe.LPush(ctx, q.deadKey(), raw) })
		return
	}

	herr := h(ctx, env.delivery())
	switch {
	case herr == nil:
		q.settle(raw, nil)

	case q.policy.Exhausted(env.Attempt):
		env.LastError = herr.Error()
		deadRaw, _ := encodeEnvelope(env)
		q.logger.Error().Err(herr).Str("message_id", env.Job.MessageID).Int("attempt", env.Attempt).Msg("job dead-lettered")
		q.settle(raw, func(ctx context.Context, pipe redis.Pipeliner) { pipe.LPush(ctx, q.deadKey(), deadRaw) })

	default:
		delay := q.policy.Backoff(env.Attempt)
		next, _ := encodeEnvelope(env.next(herr))
		due := float64(time.Now().Add(delay).UnixMilli())
		q.logger.Warn().Err(herr).Str("message_id", env.Job.MessageID).Int("attempt", env.Attempt).Dur("retry_in", delay).Msg("job failed, retry scheduled")
		q.settle(raw, func(ctx context.Context, pipe redis.Pipeliner) {
			pipe.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: due, Member: next})
		})
	}
}

// settle removes raw from the active list and applies then in one MULTI.
// It runs on its own context so a shutdown does not strand the entry.
func (q *RedisQueue) settle(raw string, then func(context.Context, redis.Pipeliner)) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if then != nil {
			then(ctx, pipe)
		}
		pipe.LRem(ctx, q.activeKey(), 1, raw)
		return nil
	})
	if err != nil {
		q.logger.Error().Err(err).Msg("redis settle failed")
	}
}

func (q *RedisQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.promoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Promote(ctx, time.Now()); err != nil && ctx.Err() == nil {
				q.logger.Error().Err(err).Msg("redis promote failed")
			}
		}
	}
}

// Promote moves retries due at or before now onto the wait list.
func (q *RedisQueue) Promote(ctx context.Context, now time.Time) (int64, error) {
	return promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.waitKey()},
		strconv.FormatInt(now.UnixMilli(), 10), 100,
	).Int64()
}

// Stats reports list sizes; used by the readiness probe and tests.
func (q *RedisQueue) Stats(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.waitKey())
	active := pipe.LLen(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return map[string]int64{
		"wait":    wait.Val(),
		"active":  active.Val(),
		"delayed": delayed.Val(),
		"dead":    dead.Val(),
	}, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
