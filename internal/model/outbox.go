package model

import "time"

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage is a send job stored in the same transaction as its Message
// and handed to the queue by the relay. MessageKey is the message id, Topic
// the queue name.
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(32);not null;index:idx_outbox_key_status,priority:1" json:"messageKey"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    JSONText  `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(16);not null;default:PENDING;index;index:idx_outbox_key_status,priority:2" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retryCount"`
	LastError  string    `gorm:"type:varchar(512)" json:"lastError,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
