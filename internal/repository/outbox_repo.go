package repository

import (
	"context"

	"gorm.io/gorm"

	"wagateway/internal/model"
)

const maxOutboxErrorLen = 512

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create inserts job inside tx when one is given.
func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, job *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	if job.Status == "" {
		job.Status = model.OutboxStatusPending
	}
	return tx.WithContext(ctx).Create(job).Error
}

// GetPendingMessages returns the oldest PENDING jobs first.
func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var jobs []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// MarkAsSent only flips PENDING rows, so two relays racing on one row publish
// it at most twice and record it once.
func (r *OutboxRepository) MarkAsSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":     model.OutboxStatusSent,
			"last_error": "",
		}).Error
}

// RecordRetry counts a failed enqueue and keeps its reason.
func (r *OutboxRepository) RecordRetry(ctx context.Context, id int64, reason string) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  truncate(reason, maxOutboxErrorLen),
		}).Error
}

// MarkAsFailed gives up on a job; the stale requeue job may later write a new
// one for the same message.
func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64, reason string) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  truncate(reason, maxOutboxErrorLen),
		}).Error
}

func (r *OutboxRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
