package model

import (
	"time"
)

const (
	MessageStatusQueued    = "QUEUED"
	MessageStatusSending   = "SENDING"
	MessageStatusSent      = "SENT"
	MessageStatusFailed    = "FAILED"
	MessageStatusCancelled = "CANCELLED"
)

// BulkSummary fills to/type when a submission carries more than one message.
const BulkSummary = "bulk"

// ValidMessageTransitions lists the allowed next states. SENDING is held by
// exactly one attempt; a claim whose worker died is released to FAILED by the
// lease sweep, never re-claimed in place.
var ValidMessageTransitions = map[string][]string{
	MessageStatusQueued:  {MessageStatusSending, MessageStatusCancelled},
	MessageStatusSending: {MessageStatusSent, MessageStatusFailed},
	MessageStatusFailed:  {MessageStatusSending},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidMessageTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// SendableStatuses are the states a worker may move to SENDING from.
func SendableStatuses() []string {
	var out []string
	for from, tos := range ValidMessageTransitions {
		for _, to := range tos {
			if to == MessageStatusSending {
				out = append(out, from)
			}
		}
	}
	return out
}

// Message is one submission. Body is the canonical payload snapshot and is
// never rewritten after creation.
type Message struct {
	ID             string     `gorm:"type:varchar(32);primaryKey" json:"id"`
	TenantID       string     `gorm:"type:varchar(32);not null;uniqueIndex:uk_message_tenant_idem,priority:1;index:idx_message_tenant_created,priority:1" json:"tenantId"`
	IdempotencyKey *string    `gorm:"type:varchar(255);uniqueIndex:uk_message_tenant_idem,priority:2" json:"idempotencyKey,omitempty"`
	To             string     `gorm:"column:to_number;type:varchar(32);not null" json:"to"`
	From           string     `gorm:"column:from_number;type:varchar(32);not null" json:"from"`
	Type           string     `gorm:"type:varchar(32);not null" json:"type"`
	Body           JSONText   `gorm:"type:text;not null" json:"body"`
	CredentialID   string     `gorm:"type:varchar(32);not null;index" json:"credentialId"`
	Status         string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ExternalID     *string    `gorm:"type:varchar(128)" json:"externalId"`
	FailedReason   *string    `gorm:"type:text" json:"failedReason"`
	CustomData     JSONText   `gorm:"type:text" json:"customData,omitempty"`
	ClaimedAt      *time.Time `gorm:"index" json:"-"`
	SentAt         *time.Time `json:"sentAt"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index:idx_message_tenant_created,priority:2" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Message) TableName() string {
	return "message"
}
