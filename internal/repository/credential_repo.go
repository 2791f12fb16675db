package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"wagateway/internal/model"
)

var ErrCredentialNotFound = errors.New("credential not found")

type CredentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

func (r *CredentialRepository) Create(ctx context.Context, cred *model.Credential) error {
	return r.db.WithContext(ctx).Create(cred).Error
}

// GetByTenantAndID never returns another tenant's credential.
func (r *CredentialRepository) GetByTenantAndID(ctx context.Context, tenantID, id string) (*model.Credential, error) {
	var cred model.Credential
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &cred, nil
}

// FirstByTenant returns the tenant's oldest credential.
func (r *CredentialRepository) FirstByTenant(ctx context.Context, tenantID string) (*model.Credential, error) {
	var cred model.Credential
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at ASC").First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &cred, nil
}

func (r *CredentialRepository) ListByTenant(ctx context.Context, tenantID string) ([]*model.Credential, error) {
	var creds []*model.Credential
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Find(&creds).Error
	return creds, err
}
