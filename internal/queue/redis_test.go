package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

func newRedisQueue(t *testing.T, policy RetryPolicy) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedisQueue(client, "send-messages", 1, policy, zerolog.Nop())
	q.pollTimeout = 100 * time.Millisecond
	q.promoteEvery = 10 * time.Millisecond
	return q, client
}

func TestRedisQueueDeliversJob(t *testing.T) {
	q, _ := newRedisQueue(t, RetryPolicy{MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, Job{MessageID: "msg_1", CredentialID: "cred_1"}); err != nil {
		t.Fatal(err)
	}

	got := make(chan Delivery, 1)
	go q.Consume(ctx, func(_ context.Context, d Delivery) error {
		got <- d
		return nil
	})

	select {
	case d := <-got:
		if d.Job.MessageID != "msg_1" || d.Attempt != 1 {
			t.Fatalf("unexpected delivery %+v", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job not delivered")
	}

	waitFor(t, func() bool {
		stats, _ := q.Stats(context.Background())
		return stats["active"] == 0 && stats["wait"] == 0
	})
}

func TestRedisQueueRetryAndDeadLetter(t *testing.T) {
	q, _ := newRedisQueue(t, RetryPolicy{MaxAttempts: 2, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := make(chan int, 4)
	go q.Consume(ctx, func(_ context.Context, d Delivery) error {
		attempts <- d.Attempt
		return errors.New("gateway down")
	})
	_ = q.Enqueue(ctx, Job{MessageID: "msg_1"})

	for want := 1; want <= 2; want++ {
		select {
		case got := <-attempts:
			if got != want {
				t.Fatalf("attempt = %d, want %d", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("attempt %d never ran", want)
		}
	}

	waitFor(t, func() bool {
		stats, _ := q.Stats(context.Background())
		return stats["dead"] == 1 && stats["active"] == 0 && stats["delayed"] == 0
	})
}

func TestRedisQueuePromoteOnlyDue(t *testing.T) {
	q, client := newRedisQueue(t, RetryPolicy{})
	ctx := context.Background()

	now := time.Now()
	client.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: float64(now.Add(-time.Second).UnixMilli()), Member: "due"})
	client.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: float64(now.Add(time.Hour).UnixMilli()), Member: "later"})

	n, err := q.Promote(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("Promote = %d, %v", n, err)
	}
	wait, _ := client.LRange(ctx, q.waitKey(), 0, -1).Result()
	if len(wait) != 1 || wait[0] != "due" {
		t.Fatalf("wait = %v", wait)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
