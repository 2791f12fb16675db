package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"wagateway/internal/model"
)

var (
	ErrMessageNotFound         = errors.New("message not found")
	ErrMessageStatusInvalid    = errors.New("message status does not allow this transition")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.Message) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(msg).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

// CreateQueued stores msg and its outbox job atomically.
func (r *MessageRepository) CreateQueued(ctx context.Context, msg *model.Message, job *model.OutboxMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.Create(ctx, tx, msg); err != nil {
			return err
		}
		return tx.WithContext(ctx).Create(job).Error
	})
}

// GetByID is unscoped; only the worker uses it, with an id taken from a job.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

func (r *MessageRepository) GetByTenantAndID(ctx context.Context, tenantID, id string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// GetByIdempotencyKey returns nil, nil when no message carries the key.
func (r *MessageRepository) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

func (r *MessageRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*model.Message, error) {
	var msgs []*model.Message
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// MarkSending claims the message for one send attempt and starts its lease.
// Only QUEUED and FAILED rows can be claimed, so a second delivery of a
// message that is mid-send gets ErrMessageStatusInvalid.
func (r *MessageRepository) MarkSending(ctx context.Context, id string) error {
	return r.transition(ctx, model.SendableStatuses(), model.MessageStatusSending, map[string]interface{}{
		"claimed_at": r.now(),
	}, "id = ?", id)
}

func (r *MessageRepository) MarkSent(ctx context.Context, id string, externalID *string, sentAt time.Time) error {
	return r.transition(ctx, []string{model.MessageStatusSending}, model.MessageStatusSent, map[string]interface{}{
		"external_id":   externalID,
		"failed_reason": nil,
		"claimed_at":    nil,
		"sent_at":       &sentAt,
	}, "id = ?", id)
}

func (r *MessageRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.transition(ctx, []string{model.MessageStatusSending}, model.MessageStatusFailed, map[string]interface{}{
		"failed_reason": reason,
		"claimed_at":    nil,
	}, "id = ?", id)
}

// Cancel moves a QUEUED message of tenantID to CANCELLED. The WHERE clause
// carries the status, so a worker that already claimed the row wins.
func (r *MessageRepository) Cancel(ctx context.Context, tenantID, id string) error {
	return r.transition(ctx, []string{model.MessageStatusQueued}, model.MessageStatusCancelled, nil,
		"id = ? AND tenant_id = ?", id, tenantID)
}

// transition is a conditional UPDATE: rows matching where whose status is in
// from move to `to`. Zero rows affected means another writer got there first.
func (r *MessageRepository) transition(ctx context.Context, from []string, to string, extra map[string]interface{}, where string, args ...interface{}) error {
	for _, f := range from {
		if !model.CanTransitionTo(f, to) {
			return ErrMessageStatusInvalid
		}
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	result := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where(where, args...).
		Where("status IN ?", from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMessageStatusInvalid
	}
	return nil
}

// ListStaleQueued returns QUEUED messages untouched since before that have no
// pending outbox row, i.e. whose job was relayed but never picked up.
func (r *MessageRepository) ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]*model.Message, error) {
	var msgs []*model.Message
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.MessageStatusQueued, before).
		Where("NOT EXISTS (SELECT 1 FROM outbox_message o WHERE o.message_key = message.id AND o.status = ?)", model.OutboxStatusPending).
		Order("updated_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// Requeue writes a fresh outbox job for a message that is still QUEUED and
// untouched since before, and bumps updated_at. Two scans racing on the same
// row both pass before, so only the first one matches.
func (r *MessageRepository) Requeue(ctx context.Context, id string, before time.Time, job *model.OutboxMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Message{}).
			Where("id = ? AND status = ? AND updated_at < ?", id, model.MessageStatusQueued, before).
			Update("updated_at", r.now())
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrMessageStatusInvalid
		}
		return tx.Create(job).Error
	})
}

// ListExpiredClaims returns SENDING messages claimed before the cutoff: their
// attempt outlived the lease, so the worker holding it is gone or stuck.
func (r *MessageRepository) ListExpiredClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]*model.Message, error) {
	var msgs []*model.Message
	err := r.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", model.MessageStatusSending, claimedBefore).
		Order("claimed_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// ReleaseExpiredClaim moves a message whose lease ran out to FAILED and writes
// a new outbox job for it in the same transaction. The claim is matched on
// claimed_at, so a row re-claimed or settled meanwhile is left alone.
func (r *MessageRepository) ReleaseExpiredClaim(ctx context.Context, id string, claimedBefore time.Time, reason string, job *model.OutboxMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Message{}).
			Where("id = ? AND status = ? AND claimed_at < ?", id, model.MessageStatusSending, claimedBefore).
			Updates(map[string]interface{}{
				"status":        model.MessageStatusFailed,
				"failed_reason": reason,
				"claimed_at":    nil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrMessageStatusInvalid
		}
		return tx.Create(job).Error
	})
}

// now follows gorm's clock so lease and staleness comparisons match the
// timestamps gorm writes itself.
func (r *MessageRepository) now() time.Time {
	return r.db.NowFunc()
}
