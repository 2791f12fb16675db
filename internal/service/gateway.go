package service

import (
	"context"

	"wagateway/internal/gateway"
	"wagateway/internal/model"
)

// Gateway is the part of the Exotel client the synchronous endpoints proxy to.
type Gateway interface {
	ListTemplates(ctx context.Context, cred *model.Credential) (gateway.Response, error)
	CreateTemplate(ctx context.Context, cred *model.Credential, body any) (gateway.Response, error)
	CreateOnboardingLink(ctx context.Context, cred *model.Credential) (gateway.Response, error)
	ValidateOnboardingToken(ctx context.Context, cred *model.Credential, token string) (gateway.Response, error)
}
