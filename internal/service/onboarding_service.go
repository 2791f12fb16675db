package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wagateway/internal/apperr"
	"wagateway/internal/gateway"
	"wagateway/internal/model"
	"wagateway/internal/repository"
	"wagateway/pkg/idgen"
)

const maxOnboardingLinks = 50

type OnboardingService struct {
	links       *repository.OnboardingRepository
	credentials *repository.CredentialRepository
	gateway     Gateway
	ttl         time.Duration
	uses        int
	logger      zerolog.Logger
}

func NewOnboardingService(links *repository.OnboardingRepository, credentials *repository.CredentialRepository, gw Gateway, ttl time.Duration, uses int, logger zerolog.Logger) *OnboardingService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if uses <= 0 {
		uses = 5
	}
	return &OnboardingService{
		links:       links,
		credentials: credentials,
		gateway:     gw,
		ttl:         ttl,
		uses:        uses,
		logger:      logger,
	}
}

type CreateOnboardingRequest struct {
	Count        *int   `json:"count"`
	CredentialID string `json:"credentialId"`
}

// Create issues count ISV onboarding links. Links created before an upstream
// failure are kept.
func (s *OnboardingService) Create(ctx context.Context, tenantID string, req *CreateOnboardingRequest) ([]*model.OnboardingLink, error) {
	count := 1
	if req.Count != nil {
		count = *req.Count
	}
	if count < 1 || count > maxOnboardingLinks {
		return nil, apperr.Validation(fmt.Sprintf("count must be between 1 and %d", maxOnboardingLinks), nil)
	}

	cred, err := resolveCredential(ctx, s.credentials, tenantID, req.CredentialID)
	if err != nil {
		return nil, err
	}

	links := make([]*model.OnboardingLink, 0, count)
	for i := 0; i < count; i++ {
		resp, err := s.gateway.CreateOnboardingLink(ctx, cred)
		if err != nil {
			return nil, err
		}
		url, okURL := gateway.Extract(gateway.OnboardingURLRules, resp)
		token, okToken := gateway.Extract(gateway.OnboardingTokenRules, resp)
		if !okURL || !okToken {
			return nil, &apperr.UpstreamError{Message: "Exotel onboarding response missing onboarding_url/access_token"}
		}

		link := &model.OnboardingLink{
			ID:            idgen.NewID(idgen.PrefixOnboarding),
			TenantID:      tenantID,
			CredentialID:  cred.ID,
			URL:           url,
			Token:         token,
			ExpiresAt:     time.Now().UTC().Add(s.ttl),
			RemainingUses: s.uses,
		}
		if err := s.links.Create(ctx, link); err != nil {
			return nil, fmt.Errorf("store onboarding link: %w", err)
		}
		links = append(links, link)
	}

	s.logger.Info().Str("tenant_id", tenantID).Int("count", len(links)).Msg("onboarding links issued")
	return links, nil
}

func (s *OnboardingService) List(ctx context.Context, tenantID string) ([]*model.OnboardingLink, error) {
	return s.links.ListByTenant(ctx, tenantID)
}

func (s *OnboardingService) Validate(ctx context.Context, tenantID, credentialID, token string) (gateway.Response, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.Validation("token required", nil)
	}
	cred, err := resolveCredential(ctx, s.credentials, tenantID, credentialID)
	if err != nil {
		return nil, err
	}
	return s.gateway.ValidateOnboardingToken(ctx, cred, token)
}
