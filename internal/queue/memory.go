package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MemoryQueue is an in-process queue for single-binary deployments and tests.
// Jobs, including scheduled retries, are lost on restart or Close.
type MemoryQueue struct {
	jobs        chan envelope
	policy      RetryPolicy
	concurrency int
	logger      zerolog.Logger

	mu     sync.Mutex
	dead   []DeadJob
	closed bool
	done   chan struct{}
}

// DeadJob is a job that used all its attempts.
type DeadJob struct {
	Job       Job
	Attempts  int
	LastError string
}

func NewMemoryQueue(buffer, concurrency int, policy RetryPolicy, logger zerolog.Logger) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &MemoryQueue{
		jobs:        make(chan envelope, buffer),
		policy:      policy.withDefaults(),
		concurrency: concurrency,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	return q.push(ctx, envelope{
		ID:         uuid.NewString(),
		Job:        job,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	})
}

func (q *MemoryQueue) push(ctx context.Context, env envelope) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case q.jobs <- env:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case env := <-q.jobs:
					q.process(ctx, env, h)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *MemoryQueue) process(ctx context.Context, env envelope, h Handler) {
	err := h(ctx, env.delivery())
	if err == nil {
		return
	}

	if q.policy.Exhausted(env.Attempt) {
		q.mu.Lock()
		q.dead = append(q.dead, DeadJob{Job: env.Job, Attempts: env.Attempt, LastError: err.Error()})
		q.mu.Unlock()
		q.logger.Error().Err(err).Str("message_id", env.Job.MessageID).Int("attempt", env.Attempt).Msg("job dead-lettered")
		return
	}

	delay := q.policy.Backoff(env.Attempt)
	next := env.next(err)
	q.logger.Warn().Err(err).Str("message_id", env.Job.MessageID).Int("attempt", env.Attempt).Dur("retry_in", delay).Msg("job failed, retry scheduled")

	time.AfterFunc(delay, func() {
		if err := q.push(context.Background(), next); err != nil {
			q.logger.Error().Err(err).Str("message_id", next.Job.MessageID).Msg("retry dropped")
		}
	})
}

// DeadLetters returns a copy of the dead-lettered jobs.
func (q *MemoryQueue) DeadLetters() []DeadJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadJob, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()
	return nil
}
