package model

import "time"

const (
	TemplateStatusPending   = "PENDING"
	TemplateStatusSubmitted = "SUBMITTED"
)

type Template struct {
	ID           string    `gorm:"type:varchar(32);primaryKey" json:"id"`
	TenantID     string    `gorm:"type:varchar(32);not null;index" json:"tenantId"`
	CredentialID *string   `gorm:"type:varchar(32)" json:"credentialId"`
	Name         string    `gorm:"type:varchar(255);not null" json:"name"`
	Category     string    `gorm:"type:varchar(64);not null" json:"category"`
	Language     string    `gorm:"type:varchar(32);not null" json:"language"`
	Payload      JSONText  `gorm:"type:text;not null" json:"payload"`
	Status       string    `gorm:"type:varchar(20);not null" json:"status"`
	ExternalID   *string   `gorm:"type:varchar(128)" json:"externalId"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Template) TableName() string {
	return "template"
}
