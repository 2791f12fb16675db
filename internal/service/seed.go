package service

import (
	"context"
	"errors"

	"wagateway/internal/model"
	"wagateway/internal/repository"
	"wagateway/pkg/idgen"
)

// SeedAdmin ensures a tenant named tenantName exists with an ADMIN user for
// email. An existing user keeps its password. Safe to run repeatedly.
func SeedAdmin(ctx context.Context, tenants *repository.TenantRepository, users *repository.UserRepository, tenantName, email, password string) (*model.Tenant, *model.User, error) {
	tenant, err := tenants.GetByName(ctx, tenantName)
	if err != nil {
		return nil, nil, err
	}
	if tenant == nil {
		tenant = &model.Tenant{ID: idgen.NewID(idgen.PrefixTenant), Name: tenantName}
		if err := tenants.Create(ctx, tenant); err != nil {
			return nil, nil, err
		}
	}

	user, err := users.GetByEmail(ctx, email)
	if err == nil {
		return tenant, user, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, nil, err
	}
	user = &model.User{
		ID:           idgen.NewID(idgen.PrefixUser),
		TenantID:     tenant.ID,
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleAdmin,
	}
	if err := users.Create(ctx, user); err != nil {
		return nil, nil, err
	}
	return tenant, user, nil
}
