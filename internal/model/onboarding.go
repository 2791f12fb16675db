package model

import "time"

type OnboardingLink struct {
	ID            string    `gorm:"type:varchar(32);primaryKey" json:"id"`
	TenantID      string    `gorm:"type:varchar(32);not null;index" json:"tenantId"`
	CredentialID  string    `gorm:"type:varchar(32);not null" json:"credentialId"`
	URL           string    `gorm:"type:text;not null" json:"url"`
	Token         string    `gorm:"type:varchar(512);not null" json:"token"`
	ExpiresAt     time.Time `gorm:"not null" json:"expiresAt"`
	RemainingUses int       `gorm:"not null" json:"remainingUses"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
}

func (OnboardingLink) TableName() string {
	return "onboarding_link"
}
