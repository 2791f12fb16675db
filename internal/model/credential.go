package model

import "time"

// Credential is a tenant's Exotel account. The send pipeline only reads it.
type Credential struct {
	ID        string    `gorm:"type:varchar(32);primaryKey" json:"id"`
	TenantID  string    `gorm:"type:varchar(32);not null;index" json:"tenantId"`
	Label     string    `gorm:"type:varchar(128);not null" json:"label"`
	APIKey    string    `gorm:"column:api_key;type:varchar(255);not null" json:"apiKey"`
	APIToken  string    `gorm:"column:api_token;type:varchar(255);not null" json:"-"`
	Subdomain string    `gorm:"type:varchar(128);not null" json:"subdomain"`
	SID       string    `gorm:"column:sid;type:varchar(128);not null" json:"sid"`
	Region    *string   `gorm:"type:varchar(128)" json:"region"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Credential) TableName() string {
	return "credential"
}
