// Package queue dispatches send jobs between the API and the send workers with
// at-least-once delivery, retry with exponential backoff and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var ErrClosed = errors.New("queue: closed")

// Job is the only data crossing the asynchronous boundary; the worker re-reads
// everything else from the store.
type Job struct {
	MessageID    string `json:"messageId"`
	CredentialID string `json:"credentialId"`
}

// Delivery is one attempt at a job. Attempt starts at 1.
type Delivery struct {
	Job     Job
	Attempt int
}

// Handler processes a delivery. A non-nil error schedules a retry until the
// policy's attempts are exhausted, after which the job is dead-lettered.
type Handler func(ctx context.Context, d Delivery) error

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume blocks, dispatching deliveries to h until ctx is done.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = time.Minute
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	return p
}

// Exhausted reports whether attempt was the last one allowed.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.withDefaults().MaxAttempts
}

// Backoff is the delay before attempt+1: BaseBackoff jittered, capped at
// MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := applyJitter(p.BaseBackoff(attempt), p.JitterFactor)
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// BaseBackoff is InitialBackoff doubled per failed attempt, capped at
// MaxBackoff, without jitter.
func (p RetryPolicy) BaseBackoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialBackoff
	for i := 1; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

func applyJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := int64(float64(d) * factor)
	if delta <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*delta)-delta)
}

// envelope is the wire form shared by the broker-backed drivers.
type envelope struct {
	ID         string    `json:"id"`
	Job        Job       `json:"job"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	LastError  string    `json:"lastError,omitempty"`
}

func (e envelope) delivery() Delivery {
	return Delivery{Job: e.Job, Attempt: e.Attempt}
}

func (e envelope) next(err error) envelope {
	e.Attempt++
	if err != nil {
		e.LastError = err.Error()
	}
	return e
}

func encodeEnvelope(e envelope) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return envelope{}, fmt.Errorf("queue: decode envelope: %w", err)
	}
	if e.Attempt < 1 {
		e.Attempt = 1
	}
	return e, nil
}

// runInline retries h in place with backoff until it succeeds, attempts run
// out or ctx ends. It returns the envelope of the last attempt and its error.
func runInline(ctx context.Context, p RetryPolicy, env envelope, h Handler) (envelope, error) {
	for {
		err := h(ctx, env.delivery())
		if err == nil {
			return env, nil
		}
		if p.Exhausted(env.Attempt) {
			env.LastError = err.Error()
			return env, err
		}
		timer := time.NewTimer(p.Backoff(env.Attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return env, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		env = env.next(err)
	}
}
