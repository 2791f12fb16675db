package repository

import (
	"context"

	"gorm.io/gorm"

	"wagateway/internal/model"
)

type TemplateRepository struct {
	db *gorm.DB
}

func NewTemplateRepository(db *gorm.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

func (r *TemplateRepository) Create(ctx context.Context, tpl *model.Template) error {
	return r.db.WithContext(ctx).Create(tpl).Error
}

// MarkSubmitted records the gateway's template id.
func (r *TemplateRepository) MarkSubmitted(ctx context.Context, id string, externalID *string) error {
	return r.db.WithContext(ctx).
		Model(&model.Template{}).
		Where("id = ? AND status = ?", id, model.TemplateStatusPending).
		Updates(map[string]interface{}{
			"status":      model.TemplateStatusSubmitted,
			"external_id": externalID,
		}).Error
}

func (r *TemplateRepository) ListByTenant(ctx context.Context, tenantID string) ([]*model.Template, error) {
	var tpls []*model.Template
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Find(&tpls).Error
	return tpls, err
}
