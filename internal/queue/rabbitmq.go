package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// publisher is the part of *amqp.Channel the driver publishes through.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQQueue uses durable queues on the default exchange:
//
//	<queue>             work queue
//	<queue>.retry.<ms>  one per backoff step, queue-level TTL of <ms>;
//	                    expired entries dead-letter back to <queue>
//	<deadLetter>        jobs that used every attempt
//
// Every entry in a retry queue shares its TTL, so entries expire in order and
// none waits behind a longer delay. Retry delays are the policy's unjittered
// backoff.
type RabbitMQQueue struct {
	conn        *amqp.Connection
	queue       string
	deadLetter  string
	prefetch    int
	concurrency int
	policy      RetryPolicy
	retryQueues map[time.Duration]string
	logger      zerolog.Logger

	pubMu sync.Mutex
	pub   publisher
}

func NewRabbitMQQueue(conn *amqp.Connection, queue, deadLetter string, prefetch, concurrency int, policy RetryPolicy, logger zerolog.Logger) (*RabbitMQQueue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	q := newRabbitMQQueue(conn, ch, queue, deadLetter, prefetch, concurrency, policy, logger)
	if err := q.setupQueues(ch); err != nil {
		ch.Close()
		return nil, fmt.Errorf("rabbitmq: queue setup failed: %w", err)
	}
	return q, nil
}

func newRabbitMQQueue(conn *amqp.Connection, pub publisher, queue, deadLetter string, prefetch, concurrency int, policy RetryPolicy, logger zerolog.Logger) *RabbitMQQueue {
	if prefetch <= 0 {
		prefetch = 20
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	policy = policy.withDefaults()
	q := &RabbitMQQueue{
		conn:        conn,
		queue:       queue,
		deadLetter:  deadLetter,
		prefetch:    prefetch,
		concurrency: concurrency,
		policy:      policy,
		retryQueues: make(map[time.Duration]string),
		logger:      logger,
		pub:         pub,
	}
	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		d := policy.BaseBackoff(attempt)
		q.retryQueues[d] = fmt.Sprintf("%s.retry.%d", queue, d.Milliseconds())
	}
	return q
}

func (q *RabbitMQQueue) setupQueues(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		return err
	}
	for ttl, name := range q.retryQueues {
		args := amqp.Table{
			"x-message-ttl":             ttl.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.queue,
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return err
		}
	}
	if _, err := ch.QueueDeclare(q.deadLetter, true, false, false, false, nil); err != nil {
		return err
	}
	return nil
}

// retryQueue is the queue holding a job that failed attempt.
func (q *RabbitMQQueue) retryQueue(attempt int) string {
	return q.retryQueues[q.policy.BaseBackoff(attempt)]
}

func (q *RabbitMQQueue) Enqueue(_ context.Context, job Job) error {
	return q.publish(q.queue, envelope{
		ID:         uuid.NewString(),
		Job:        job,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	})
}

func (q *RabbitMQQueue) publish(routingKey string, env envelope) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    time.Now().UTC(),
		Body:         raw,
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pub.Publish("", routingKey, false, false, msg)
}

func (q *RabbitMQQueue) Consume(ctx context.Context, h Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("qos configuration failed: %w", err)
	}

	deliveries, err := ch.Consume(
		q.queue,
		"",
		false, // autoAck
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.handle(ctx, d, h)
				}
			}
		}()
	}

	wg.Wait()
	return nil
}

func (q *RabbitMQQueue) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	env, err := decodeEnvelope(d.Body)
	if err != nil {
		q.logger.Error().Err(err).Msg("rejecting undecodable job")
		_ = d.Reject(false)
		return
	}

	herr := h(ctx, env.delivery())
	if herr == nil {
		_ = d.Ack(false)
		return
	}

	if q.policy.Exhausted(env.Attempt) {
		env.LastError = herr.Error()
		q.logger.Error().Err(herr).Str("message_id", env.Job.MessageID).Int("attempt", env.Attempt).Msg("job dead-lettered")
		err = q.publish(q.deadLetter, env)
	} else {
		q.logger.Warn().Err(herr).Str("message_id", env.Job.MessageID).Int("attempt", env.Attempt).Dur("retry_in", q.policy.BaseBackoff(env.Attempt)).Msg("job failed, retry scheduled")
		err = q.publish(q.retryQueue(env.Attempt), env.next(herr))
	}
	if err != nil {
		q.logger.Error().Err(err).Str("message_id", env.Job.MessageID).Msg("requeue publish failed")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (q *RabbitMQQueue) Close() error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	var errs []error
	if q.pub != nil {
		errs = append(errs, q.pub.Close())
	}
	if q.conn != nil && !q.conn.IsClosed() {
		errs = append(errs, q.conn.Close())
	}
	return errors.Join(errs...)
}
