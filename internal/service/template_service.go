package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"wagateway/internal/gateway"
	"wagateway/internal/model"
	"wagateway/internal/repository"
	"wagateway/pkg/idgen"
)

type TemplateService struct {
	templates   *repository.TemplateRepository
	credentials *repository.CredentialRepository
	gateway     Gateway
	logger      zerolog.Logger
}

func NewTemplateService(templates *repository.TemplateRepository, credentials *repository.CredentialRepository, gw Gateway, logger zerolog.Logger) *TemplateService {
	return &TemplateService{
		templates:   templates,
		credentials: credentials,
		gateway:     gw,
		logger:      logger,
	}
}

type CreateTemplateRequest struct {
	Name         string          `json:"name" binding:"required"`
	Category     string          `json:"category" binding:"required"`
	Language     string          `json:"language" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	CredentialID string          `json:"credentialId"`
}

// Create stores the template as PENDING and, when a credential is given,
// submits it to Exotel. An upstream failure leaves it PENDING.
func (s *TemplateService) Create(ctx context.Context, tenantID string, req *CreateTemplateRequest) (*model.Template, error) {
	var cred *model.Credential
	if req.CredentialID != "" {
		c, err := resolveCredential(ctx, s.credentials, tenantID, req.CredentialID)
		if err != nil {
			return nil, err
		}
		cred = c
	}

	raw := model.JSONText(req.Payload)
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		raw = model.JSONText("{}")
	}

	tpl := &model.Template{
		ID:       idgen.NewID(idgen.PrefixTemplate),
		TenantID: tenantID,
		Name:     req.Name,
		Category: req.Category,
		Language: req.Language,
		Payload:  raw,
		Status:   model.TemplateStatusPending,
	}
	if cred != nil {
		tpl.CredentialID = &cred.ID
	}
	if err := s.templates.Create(ctx, tpl); err != nil {
		return nil, fmt.Errorf("store template: %w", err)
	}
	if cred == nil {
		return tpl, nil
	}

	log := s.logger.With().Str("template_id", tpl.ID).Str("credential_id", cred.ID).Logger()
	resp, err := s.gateway.CreateTemplate(ctx, cred, exotelTemplateBody(tpl))
	if err != nil {
		log.Warn().Err(err).Msg("template submission failed, left pending")
		return tpl, nil
	}

	var externalID *string
	if id, ok := gateway.Extract(gateway.TemplateIDRules, resp); ok {
		externalID = &id
	}
	if err := s.templates.MarkSubmitted(ctx, tpl.ID, externalID); err != nil {
		return nil, fmt.Errorf("mark template submitted: %w", err)
	}
	tpl.Status = model.TemplateStatusSubmitted
	tpl.ExternalID = externalID
	log.Info().Interface("external_id", externalID).Msg("template submitted")
	return tpl, nil
}

func exotelTemplateBody(tpl *model.Template) map[string]any {
	var payload map[string]any
	_ = tpl.Payload.Decode(&payload)
	components, ok := payload["components"].([]any)
	if !ok {
		components = []any{}
	}
	return map[string]any{
		"whatsapp": map[string]any{
			"templates": []any{map[string]any{
				"template": map[string]any{
					"name":       tpl.Name,
					"category":   tpl.Category,
					"language":   tpl.Language,
					"components": components,
				},
			}},
		},
	}
}

func (s *TemplateService) List(ctx context.Context, tenantID string) ([]*model.Template, error) {
	return s.templates.ListByTenant(ctx, tenantID)
}

// ListRemote proxies to the Exotel template listing for one of the tenant's
// credentials.
func (s *TemplateService) ListRemote(ctx context.Context, tenantID, credentialID string) (gateway.Response, error) {
	cred, err := resolveCredential(ctx, s.credentials, tenantID, credentialID)
	if err != nil {
		return nil, err
	}
	return s.gateway.ListTemplates(ctx, cred)
}
