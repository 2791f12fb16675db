package queue

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// KafkaQueue publishes jobs to a topic keyed by message id and consumes them
// through a consumer group. Retries run in place on the claiming consumer, so
// a message is never handled by two members at once; exhausted jobs go to the
// dead-letter topic.
type KafkaQueue struct {
	producer   sarama.SyncProducer
	group      sarama.ConsumerGroup
	topic      string
	deadLetter string
	policy     RetryPolicy
	logger     zerolog.Logger
}

// NewKafkaQueue takes ownership of producer and group. group may be nil for a
// publish-only queue.
func NewKafkaQueue(producer sarama.SyncProducer, group sarama.ConsumerGroup, topic, deadLetter string, policy RetryPolicy, logger zerolog.Logger) *KafkaQueue {
	return &KafkaQueue{
		producer:   producer,
		group:      group,
		topic:      topic,
		deadLetter: deadLetter,
		policy:     policy.withDefaults(),
		logger:     logger,
	}
}

func (q *KafkaQueue) Enqueue(_ context.Context, job Job) error {
	return q.publish(q.topic, envelope{
		ID:         uuid.NewString(),
		Job:        job,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	})
}

func (q *KafkaQueue) publish(topic string, env envelope) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	_, _, err = q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(env.Job.MessageID),
		Value: sarama.ByteEncoder(raw),
	})
	return err
}

func (q *KafkaQueue) Consume(ctx context.Context, h Handler) error {
	if q.group == nil {
		return errors.New("queue: kafka consumer group not configured")
	}

	go func() {
		for err := range q.group.Errors() {
			q.logger.Error().Err(err).Msg("kafka consumer group error")
		}
	}()

	handler := &claimHandler{queue: q, handle: h}
	for ctx.Err() == nil {
		// Consume returns on every rebalance.
		if err := q.group.Consume(ctx, []string{q.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			q.logger.Error().Err(err).Msg("kafka consume failed")
			sleepCtx(ctx, time.Second)
		}
	}
	return nil
}

func (q *KafkaQueue) Close() error {
	var errs []error
	if q.group != nil {
		errs = append(errs, q.group.Close())
	}
	if q.producer != nil {
		errs = append(errs, q.producer.Close())
	}
	return errors.Join(errs...)
}

type claimHandler struct {
	queue  *KafkaQueue
	handle Handler
}

func (c *claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !c.process(ctx, msg) {
				// not marked; the next owner of the partition redelivers it
				return nil
			}
			session.MarkMessage(msg, "")
		}
	}
}

// process reports whether msg is settled and its offset may be committed.
func (c *claimHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	q := c.queue
	env, err := decodeEnvelope(msg.Value)
	if err != nil {
		q.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("skipping undecodable job")
		return true
	}

	last, herr := runInline(ctx, q.policy, env, c.handle)
	if herr == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	q.logger.Error().Err(herr).Str("message_id", last.Job.MessageID).Int("attempt", last.Attempt).Msg("job dead-lettered")
	if err := q.publish(q.deadLetter, last); err != nil {
		q.logger.Error().Err(err).Str("message_id", last.Job.MessageID).Msg("dead-letter publish failed")
		return false
	}
	return true
}
