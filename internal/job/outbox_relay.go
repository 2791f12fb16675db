package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"wagateway/internal/metrics"
	"wagateway/internal/model"
	"wagateway/internal/queue"
)

type OutboxStore interface {
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkAsSent(ctx context.Context, id int64) error
	RecordRetry(ctx context.Context, id int64, reason string) error
	MarkAsFailed(ctx context.Context, id int64, reason string) error
}

// OutboxRelay moves jobs written next to their messages onto the send queue.
type OutboxRelay struct {
	outbox     OutboxStore
	queue      queue.Queue
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetries int
}

func NewOutboxRelay(outbox OutboxStore, q queue.Queue, interval time.Duration, batchSize, maxRetries int, m *metrics.Metrics, logger zerolog.Logger) *OutboxRelay {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &OutboxRelay{
		outbox:     outbox,
		queue:      q,
		metrics:    m,
		logger:     logger.With().Str("component", "OutboxRelay").Logger(),
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
	}
}

func (r *OutboxRelay) Start(ctx context.Context) {
	r.logger.Info().Dur("interval", r.interval).Msg("relay started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("context done, relay exiting")
			return
		case <-r.stopCh:
			r.logger.Info().Msg("relay stopped")
			return
		case <-ticker.C:
			r.RelayPending(ctx)
		}
	}
}

func (r *OutboxRelay) Stop() {
	close(r.stopCh)
}

// RelayPending processes one batch and returns how many rows were enqueued.
func (r *OutboxRelay) RelayPending(ctx context.Context) int {
	rows, err := r.outbox.GetPendingMessages(ctx, r.batchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("load pending outbox rows")
		return 0
	}

	sent := 0
	for _, row := range rows {
		if r.relay(ctx, row) {
			sent++
		}
	}
	return sent
}

func (r *OutboxRelay) relay(ctx context.Context, row *model.OutboxMessage) bool {
	log := r.logger.With().Int64("outbox_id", row.ID).Str("message_id", row.MessageKey).Logger()

	var job queue.Job
	if err := row.Payload.Decode(&job); err != nil || job.MessageID == "" {
		log.Error().Err(err).Msg("undecodable outbox payload, marking failed")
		if err := r.outbox.MarkAsFailed(ctx, row.ID, "undecodable job payload"); err != nil {
			log.Error().Err(err).Msg("mark outbox row failed")
		}
		r.metrics.IncRelay("failed")
		return false
	}

	err := r.queue.Enqueue(ctx, job)
	if err == nil {
		if err := r.outbox.MarkAsSent(ctx, row.ID); err != nil {
			log.Error().Err(err).Msg("mark outbox row sent")
		}
		r.metrics.IncRelay("enqueued")
		return true
	}

	log.Warn().Err(err).Int("retry_count", row.RetryCount).Msg("enqueue failed")
	if row.RetryCount+1 >= r.maxRetries {
		if err := r.outbox.MarkAsFailed(ctx, row.ID, err.Error()); err != nil {
			log.Error().Err(err).Msg("mark outbox row failed")
		} else {
			log.Error().Int("max_retries", r.maxRetries).Msg("outbox row exceeded max retries, marked failed")
		}
		r.metrics.IncRelay("failed")
		return false
	}
	if err := r.outbox.RecordRetry(ctx, row.ID, err.Error()); err != nil {
		log.Error().Err(err).Msg("record outbox retry")
	}
	r.metrics.IncRelay("retry")
	return false
}

// NewOutboxJob builds the outbox row that carries job for topic.
func NewOutboxJob(topic string, job queue.Job) (*model.OutboxMessage, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return &model.OutboxMessage{
		MessageKey: job.MessageID,
		Topic:      topic,
		Payload:    model.JSONText(raw),
		Status:     model.OutboxStatusPending,
	}, nil
}
