package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"wagateway/internal/apperr"
	"wagateway/internal/job"
	"wagateway/internal/model"
	"wagateway/internal/payload"
	"wagateway/internal/queue"
	"wagateway/internal/repository"
	"wagateway/pkg/idgen"
)

type MessageService struct {
	messages    *repository.MessageRepository
	credentials *repository.CredentialRepository
	guard       *IdempotencyGuard
	topic       string
	listLimit   int
	logger      zerolog.Logger
}

func NewMessageService(messages *repository.MessageRepository, credentials *repository.CredentialRepository, guard *IdempotencyGuard, topic string, listLimit int, logger zerolog.Logger) *MessageService {
	if listLimit <= 0 {
		listLimit = 50
	}
	return &MessageService{
		messages:    messages,
		credentials: credentials,
		guard:       guard,
		topic:       topic,
		listLimit:   listLimit,
		logger:      logger,
	}
}

// SubmitResult is the body of both a new submission (202) and a replay (200).
type SubmitResult struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	QueuedMessages int    `json:"queuedMessages,omitempty"`
	Idempotent     bool   `json:"idempotent,omitempty"`
}

// Submit validates raw, checks the credential belongs to tenantID and stores a
// QUEUED message with its send job. A repeated idempotency key returns the
// first submission instead.
func (s *MessageService) Submit(ctx context.Context, tenantID, idempotencyKey string, raw []byte) (*SubmitResult, error) {
	p, err := payload.Normalize(raw)
	if err != nil {
		return nil, err
	}

	if _, err := s.credentials.GetByTenantAndID(ctx, tenantID, p.CredentialID); err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return nil, apperr.Authorization("invalid credentialId for this tenant")
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}

	key := strings.TrimSpace(idempotencyKey)
	if key != "" {
		release, err := s.guard.Acquire(ctx, tenantID, key)
		if err != nil {
			return nil, err
		}
		defer release()

		if existing, err := s.messages.GetByIdempotencyKey(ctx, tenantID, key); err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		} else if existing != nil {
			return replay(existing), nil
		}
	}

	msg, err := buildMessage(tenantID, key, p)
	if err != nil {
		return nil, err
	}
	outboxJob, err := job.NewOutboxJob(s.topic, queue.Job{MessageID: msg.ID, CredentialID: msg.CredentialID})
	if err != nil {
		return nil, err
	}

	if err := s.messages.CreateQueued(ctx, msg, outboxJob); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) && key != "" {
			// lost a race the lock did not cover
			existing, gerr := s.messages.GetByIdempotencyKey(ctx, tenantID, key)
			if gerr == nil && existing != nil {
				return replay(existing), nil
			}
		}
		return nil, fmt.Errorf("store message: %w", err)
	}

	s.logger.Info().
		Str("message_id", msg.ID).
		Str("tenant_id", tenantID).
		Int("messages", len(p.WhatsApp.Messages)).
		Msg("message queued")

	return &SubmitResult{
		ID:             msg.ID,
		Status:         msg.Status,
		QueuedMessages: len(p.WhatsApp.Messages),
	}, nil
}

func buildMessage(tenantID, key string, p *payload.Payload) (*model.Message, error) {
	body, err := json.Marshal(p.Body)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	customData, err := model.NewJSONText(p.CustomData)
	if err != nil {
		return nil, fmt.Errorf("encode custom_data: %w", err)
	}

	to, from, typ := p.Summary()
	msg := &model.Message{
		ID:           idgen.NewID(idgen.PrefixMessage),
		TenantID:     tenantID,
		To:           to,
		From:         from,
		Type:         typ,
		Body:         model.JSONText(body),
		CredentialID: p.CredentialID,
		Status:       model.MessageStatusQueued,
		CustomData:   customData,
	}
	if key != "" {
		msg.IdempotencyKey = &key
	}
	return msg, nil
}

func replay(m *model.Message) *SubmitResult {
	return &SubmitResult{ID: m.ID, Status: m.Status, Idempotent: true}
}

// Cancel moves a QUEUED message to CANCELLED. Any other state is a
// ValidationError; a message of another tenant is NotFound.
func (s *MessageService) Cancel(ctx context.Context, tenantID, id string) (*model.Message, error) {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}

	err := s.messages.Cancel(ctx, tenantID, id)
	if errors.Is(err, repository.ErrMessageStatusInvalid) {
		return nil, apperr.Validation("message can only be cancelled while QUEUED", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel message: %w", err)
	}

	s.logger.Info().Str("message_id", id).Str("tenant_id", tenantID).Msg("message cancelled")
	return s.Get(ctx, tenantID, id)
}

func (s *MessageService) Get(ctx context.Context, tenantID, id string) (*model.Message, error) {
	msg, err := s.messages.GetByTenantAndID(ctx, tenantID, id)
	if errors.Is(err, repository.ErrMessageNotFound) {
		return nil, apperr.NotFound("message", id)
	}
	return msg, err
}

// List returns the tenant's newest messages.
func (s *MessageService) List(ctx context.Context, tenantID string) ([]*model.Message, error) {
	return s.messages.ListByTenant(ctx, tenantID, s.listLimit)
}
