package repository

import (
	"context"

	"gorm.io/gorm"

	"wagateway/internal/model"
)

type WebhookRepository struct {
	db *gorm.DB
}

func NewWebhookRepository(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func (r *WebhookRepository) Create(ctx context.Context, evt *model.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(evt).Error
}

func (r *WebhookRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*model.WebhookEvent, error) {
	var events []*model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
