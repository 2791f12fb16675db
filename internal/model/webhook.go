package model

import "time"

const WebhookSourceExotel = "exotel"

// WebhookEvent is a provider callback stored exactly as received.
type WebhookEvent struct {
	ID        string    `gorm:"type:varchar(32);primaryKey" json:"id"`
	TenantID  string    `gorm:"type:varchar(32);not null;index:idx_webhook_tenant_created,priority:1" json:"tenantId"`
	Source    string    `gorm:"type:varchar(32);not null" json:"source"`
	Payload   JSONText  `gorm:"type:text;not null" json:"payload"`
	Verified  bool      `gorm:"not null;default:false" json:"verified"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_webhook_tenant_created,priority:2" json:"createdAt"`
}

func (WebhookEvent) TableName() string {
	return "webhook_event"
}
