package job

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"wagateway/internal/model"
	"wagateway/internal/queue"
	"wagateway/internal/repository"
)

const expiredClaimReason = "send attempt abandoned: claim lease expired"

type StaleMessageStore interface {
	ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]*model.Message, error)
	Requeue(ctx context.Context, id string, before time.Time, job *model.OutboxMessage) error
	ListExpiredClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]*model.Message, error)
	ReleaseExpiredClaim(ctx context.Context, id string, claimedBefore time.Time, reason string, job *model.OutboxMessage) error
}

// StaleRequeueJob compensates for jobs lost between the queue and a worker.
// A message still QUEUED long after its outbox row was relayed gets a new job;
// a message held in SENDING past its claim lease (the worker died mid-send or
// could not record the result) is released to FAILED and gets a new job.
// Run it in one process only, next to the outbox relay.
type StaleRequeueJob struct {
	messages  StaleMessageStore
	topic     string
	logger    zerolog.Logger
	stopCh    chan struct{}
	interval  time.Duration
	after     time.Duration
	lease     time.Duration
	batchSize int
	now       func() time.Time
}

func NewStaleRequeueJob(messages StaleMessageStore, topic string, interval, after, lease time.Duration, logger zerolog.Logger) *StaleRequeueJob {
	if interval <= 0 {
		interval = time.Minute
	}
	if after <= 0 {
		after = 10 * time.Minute
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &StaleRequeueJob{
		messages:  messages,
		topic:     topic,
		logger:    logger.With().Str("component", "StaleRequeueJob").Logger(),
		stopCh:    make(chan struct{}),
		interval:  interval,
		after:     after,
		lease:     lease,
		batchSize: 50,
		now:       time.Now,
	}
}

func (j *StaleRequeueJob) Start(ctx context.Context) {
	j.logger.Info().Dur("after", j.after).Dur("lease", j.lease).Msg("stale requeue job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("context done, job exiting")
			return
		case <-j.stopCh:
			j.logger.Info().Msg("job stopped")
			return
		case <-ticker.C:
			j.RequeueStale(ctx)
			j.ReleaseExpiredClaims(ctx)
		}
	}
}

func (j *StaleRequeueJob) Stop() {
	close(j.stopCh)
}

// RequeueStale runs one pass and returns how many messages got a new job.
func (j *StaleRequeueJob) RequeueStale(ctx context.Context) int {
	before := j.now().Add(-j.after)
	msgs, err := j.messages.ListStaleQueued(ctx, before, j.batchSize)
	if err != nil {
		j.logger.Error().Err(err).Msg("list stale messages")
		return 0
	}
	if len(msgs) == 0 {
		return 0
	}

	j.logger.Warn().Int("count", len(msgs)).Msg("found stale queued messages")

	requeued := 0
	for _, msg := range msgs {
		row, err := NewOutboxJob(j.topic, queue.Job{MessageID: msg.ID, CredentialID: msg.CredentialID})
		if err != nil {
			j.logger.Error().Err(err).Str("message_id", msg.ID).Msg("build outbox job")
			continue
		}
		if err := j.messages.Requeue(ctx, msg.ID, before, row); err != nil {
			if errors.Is(err, repository.ErrMessageStatusInvalid) {
				// picked up, cancelled or requeued by another scan
				continue
			}
			j.logger.Error().Err(err).Str("message_id", msg.ID).Msg("requeue message")
			continue
		}
		requeued++
	}
	return requeued
}

// ReleaseExpiredClaims runs one lease sweep and returns how many messages were
// handed back to the queue.
func (j *StaleRequeueJob) ReleaseExpiredClaims(ctx context.Context) int {
	claimedBefore := j.now().Add(-j.lease)
	msgs, err := j.messages.ListExpiredClaims(ctx, claimedBefore, j.batchSize)
	if err != nil {
		j.logger.Error().Err(err).Msg("list expired claims")
		return 0
	}

	released := 0
	for _, msg := range msgs {
		log := j.logger.With().Str("message_id", msg.ID).Logger()
		row, err := NewOutboxJob(j.topic, queue.Job{MessageID: msg.ID, CredentialID: msg.CredentialID})
		if err != nil {
			log.Error().Err(err).Msg("build outbox job")
			continue
		}
		err = j.messages.ReleaseExpiredClaim(ctx, msg.ID, claimedBefore, expiredClaimReason, row)
		if errors.Is(err, repository.ErrMessageStatusInvalid) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("release expired claim")
			continue
		}
		log.Warn().Interface("claimed_at", msg.ClaimedAt).Msg("claim lease expired, message requeued")
		released++
	}
	return released
}
