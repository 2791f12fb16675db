package repository

import (
	"context"

	"gorm.io/gorm"

	"wagateway/internal/model"
)

type OnboardingRepository struct {
	db *gorm.DB
}

func NewOnboardingRepository(db *gorm.DB) *OnboardingRepository {
	return &OnboardingRepository{db: db}
}

func (r *OnboardingRepository) Create(ctx context.Context, link *model.OnboardingLink) error {
	return r.db.WithContext(ctx).Create(link).Error
}

func (r *OnboardingRepository) ListByTenant(ctx context.Context, tenantID string) ([]*model.OnboardingLink, error) {
	var links []*model.OnboardingLink
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Find(&links).Error
	return links, err
}
