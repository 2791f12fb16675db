package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"wagateway/internal/apperr"
	"wagateway/internal/model"
	"wagateway/internal/repository"
	"wagateway/pkg/idgen"
)

type WebhookService struct {
	events    *repository.WebhookRepository
	tenants   *repository.TenantRepository
	secret    []byte
	listLimit int
	logger    zerolog.Logger
}

func NewWebhookService(events *repository.WebhookRepository, tenants *repository.TenantRepository, secret string, listLimit int, logger zerolog.Logger) *WebhookService {
	if listLimit <= 0 {
		listLimit = 100
	}
	return &WebhookService{
		events:    events,
		tenants:   tenants,
		secret:    []byte(secret),
		listLimit: listLimit,
		logger:    logger,
	}
}

// Receive stores an Exotel callback verbatim for tenantID. With a secret
// configured, signature must be the hex HMAC-SHA256 of body.
func (s *WebhookService) Receive(ctx context.Context, tenantID string, body []byte, signature string) (*model.WebhookEvent, error) {
	if tenantID == "" {
		return nil, apperr.Validation("tenantId required", nil)
	}
	// the signature is checked before the tenant lookup so an unsigned caller
	// cannot tell existing tenants from absent ones
	verified := false
	if len(s.secret) > 0 {
		if !s.verify(body, signature) {
			s.logger.Warn().Str("tenant_id", tenantID).Msg("webhook signature mismatch")
			return nil, apperr.Authentication("invalid webhook signature")
		}
		verified = true
	}

	if !json.Valid(body) {
		return nil, apperr.Validation("webhook body must be JSON", nil)
	}

	if _, err := s.tenants.GetByID(ctx, tenantID); err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			return nil, apperr.NotFound("tenant", tenantID)
		}
		return nil, err
	}

	evt := &model.WebhookEvent{
		ID:       idgen.NewID(idgen.PrefixWebhook),
		TenantID: tenantID,
		Source:   model.WebhookSourceExotel,
		Payload:  model.JSONText(body),
		Verified: verified,
	}
	if err := s.events.Create(ctx, evt); err != nil {
		return nil, fmt.Errorf("store webhook event: %w", err)
	}
	return evt, nil
}

func (s *WebhookService) verify(body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Logs returns the tenant's newest webhook events.
func (s *WebhookService) Logs(ctx context.Context, tenantID string) ([]*model.WebhookEvent, error) {
	return s.events.ListByTenant(ctx, tenantID, s.listLimit)
}
