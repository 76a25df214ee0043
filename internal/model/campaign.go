package model

import (
	"time"

	"LeadFlow/pkg/pricing"
)

// CampaignStatus 活动状态枚举
type CampaignStatus string

const (
	CampaignStatusProcessing          CampaignStatus = "PROCESSING"
	CampaignStatusExtractionCompleted CampaignStatus = "EXTRACTION_COMPLETED" // FULL 档：等待富化
	CampaignStatusCompleted           CampaignStatus = "COMPLETED"
	CampaignStatusFailed              CampaignStatus = "FAILED"
	CampaignStatusPaused              CampaignStatus = "PAUSED"
)

// Campaign 一次获客任务，创建时已按 RequestedCount 预扣积分
type Campaign struct {
	BaseModel
	PublicID        int64          `gorm:"uniqueIndex;not null" json:"public_id"`
	UserID          int64          `gorm:"not null;index:idx_campaigns_user" json:"user_id"`
	Name            string         `gorm:"type:varchar(128);not null;default:''" json:"name"`
	SearchQuery     string         `gorm:"type:varchar(255);not null;default:''" json:"search_query"`
	RequestedCount  int            `gorm:"not null" json:"requested_count"`
	Tier            pricing.Tier   `gorm:"type:varchar(16);not null" json:"tier"`
	CadenceType     CadenceType    `gorm:"type:varchar(16);not null;default:'EMAIL_ONLY'" json:"cadence_type"`
	Status          CampaignStatus `gorm:"type:varchar(32);not null;index:idx_campaigns_status" json:"status"`
	CreditsCharged  int            `gorm:"not null;default:0" json:"credits_charged"`
	CreditsRefunded int            `gorm:"not null;default:0" json:"credits_refunded"`
	LeadsCreated    int            `gorm:"not null;default:0" json:"leads_created"`
	LeadsDuplicated int            `gorm:"not null;default:0" json:"leads_duplicated"`
	LeadsInvalid    int            `gorm:"not null;default:0" json:"leads_invalid"`
	TimeoutAt       *time.Time     `gorm:"index:idx_campaigns_status" json:"timeout_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// TableName 指定表名
func (Campaign) TableName() string {
	return "campaigns"
}

// IsProcessing 只有 PROCESSING 的活动可以被对账
func (c *Campaign) IsProcessing() bool {
	return c.Status == CampaignStatusProcessing
}

// RefundableCredits 还能退回的积分
func (c *Campaign) RefundableCredits() int {
	remaining := c.CreditsCharged - c.CreditsRefunded
	if remaining < 0 {
		return 0
	}
	return remaining
}
