// Package worker turns queued send jobs into Exotel API calls.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"wagateway/internal/gateway"
	"wagateway/internal/metrics"
	"wagateway/internal/model"
	"wagateway/internal/queue"
	"wagateway/internal/repository"
)

type MessageStore interface {
	GetByID(ctx context.Context, id string) (*model.Message, error)
	MarkSending(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string, externalID *string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
}

type CredentialStore interface {
	GetByTenantAndID(ctx context.Context, tenantID, id string) (*model.Credential, error)
}

type Sender interface {
	SendMessage(ctx context.Context, cred *model.Credential, body any) (gateway.Response, error)
}

type SendWorker struct {
	messages    MessageStore
	credentials CredentialStore
	sender      Sender
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

func NewSendWorker(messages MessageStore, credentials CredentialStore, sender Sender, m *metrics.Metrics, logger zerolog.Logger) *SendWorker {
	return &SendWorker{
		messages:    messages,
		credentials: credentials,
		sender:      sender,
		metrics:     m,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes q until ctx is done.
func (w *SendWorker) Run(ctx context.Context, q queue.Queue) error {
	w.logger.Info().Msg("send worker started")
	defer w.logger.Info().Msg("send worker stopped")
	return q.Consume(ctx, w.Handle)
}

// Handle performs one send attempt. A returned error hands the job back to
// the queue for retry; nil means the job is settled.
func (w *SendWorker) Handle(ctx context.Context, d queue.Delivery) error {
	log := w.logger.With().Str("message_id", d.Job.MessageID).Int("attempt", d.Attempt).Logger()

	msg, err := w.messages.GetByID(ctx, d.Job.MessageID)
	if errors.Is(err, repository.ErrMessageNotFound) {
		log.Warn().Msg("message gone, dropping job")
		w.metrics.IncSend("skipped")
		return nil
	}
	if err != nil {
		w.metrics.IncSend("error")
		return fmt.Errorf("load message: %w", err)
	}
	if settled(msg.Status) {
		log.Info().Str("status", msg.Status).Msg("message already settled, skipping")
		w.metrics.IncSend("skipped")
		return nil
	}

	if err := w.messages.MarkSending(ctx, msg.ID); err != nil {
		if !errors.Is(err, repository.ErrMessageStatusInvalid) {
			w.metrics.IncSend("error")
			return fmt.Errorf("mark sending: %w", err)
		}
		// lost the claim, to a cancel or to another delivery of the same job
		current, gerr := w.messages.GetByID(ctx, msg.ID)
		if gerr == nil && (settled(current.Status) || current.Status == model.MessageStatusSending) {
			log.Info().Str("status", current.Status).Msg("message claimed or settled concurrently, skipping")
			w.metrics.IncSend("skipped")
			return nil
		}
		w.metrics.IncSend("error")
		return fmt.Errorf("mark sending: %w", err)
	}

	cred, err := w.credentials.GetByTenantAndID(ctx, msg.TenantID, msg.CredentialID)
	if err != nil {
		w.fail(ctx, log, msg.ID, err)
		return fmt.Errorf("load credential %s: %w", msg.CredentialID, err)
	}

	resp, err := w.sender.SendMessage(ctx, cred, msg.Body)
	if err != nil {
		w.fail(ctx, log, msg.ID, err)
		return err
	}

	var externalID *string
	if id, ok := gateway.Extract(gateway.MessageIDRules, resp); ok {
		externalID = &id
	} else {
		log.Warn().Msg("gateway reply carried no message id")
	}

	// the gateway accepted the message, so the result is recorded even if ctx
	// is already cancelled
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := w.messages.MarkSent(sctx, msg.ID, externalID, w.now()); err != nil {
		// Retrying would send it twice. The row stays SENDING until the claim
		// lease expires; the external id logged here is the reconciliation key.
		log.Error().Err(err).Interface("external_id", externalID).Msg("mark sent failed after successful send")
		w.metrics.IncSend("error")
		return nil
	}

	log.Info().Interface("external_id", externalID).Msg("message sent")
	w.metrics.IncSend("sent")
	return nil
}

func (w *SendWorker) fail(ctx context.Context, log zerolog.Logger, id string, cause error) {
	w.metrics.IncSend("failed")
	log.Warn().Err(cause).Msg("send failed")
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := w.messages.MarkFailed(sctx, id, cause.Error()); err != nil {
		log.Error().Err(err).Msg("mark failed")
	}
}

const settleTimeout = 5 * time.Second

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func settled(status string) bool {
	return status == model.MessageStatusCancelled || status == model.MessageStatusSent
}
