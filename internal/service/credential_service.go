package service

import (
	"context"
	"errors"
	"strings"

	"wagateway/internal/apperr"
	"wagateway/internal/model"
	"wagateway/internal/repository"
	"wagateway/pkg/idgen"
)

type CredentialService struct {
	credentials *repository.CredentialRepository
}

func NewCredentialService(credentials *repository.CredentialRepository) *CredentialService {
	return &CredentialService{credentials: credentials}
}

type CreateCredentialRequest struct {
	Label     string  `json:"label" binding:"required"`
	APIKey    string  `json:"apiKey" binding:"required"`
	APIToken  string  `json:"apiToken" binding:"required"`
	Subdomain string  `json:"subdomain" binding:"required"`
	SID       string  `json:"sid" binding:"required"`
	Region    *string `json:"region"`
}

func (s *CredentialService) Create(ctx context.Context, tenantID string, req *CreateCredentialRequest) (*model.Credential, error) {
	cred := &model.Credential{
		ID:        idgen.NewID(idgen.PrefixCredential),
		TenantID:  tenantID,
		Label:     strings.TrimSpace(req.Label),
		APIKey:    strings.TrimSpace(req.APIKey),
		APIToken:  strings.TrimSpace(req.APIToken),
		Subdomain: strings.TrimSpace(req.Subdomain),
		SID:       strings.TrimSpace(req.SID),
	}
	if req.Region != nil && strings.TrimSpace(*req.Region) != "" {
		region := strings.TrimSpace(*req.Region)
		cred.Region = &region
	}
	if err := s.credentials.Create(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *CredentialService) List(ctx context.Context, tenantID string) ([]*model.Credential, error) {
	return s.credentials.ListByTenant(ctx, tenantID)
}

// resolveCredential returns the tenant's credential id, or its oldest one when
// id is empty. A foreign or unknown id is an AuthorizationError.
func resolveCredential(ctx context.Context, repo *repository.CredentialRepository, tenantID, id string) (*model.Credential, error) {
	var (
		cred *model.Credential
		err  error
	)
	if id != "" {
		cred, err = repo.GetByTenantAndID(ctx, tenantID, id)
	} else {
		cred, err = repo.FirstByTenant(ctx, tenantID)
	}
	if errors.Is(err, repository.ErrCredentialNotFound) {
		return nil, apperr.Authorization("credential required")
	}
	return cred, err
}
