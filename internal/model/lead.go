package model

import (
	"fmt"
	"strings"
	"time"
)

// LeadStatus 线索生命周期
type LeadStatus string

const (
	LeadStatusExtracted LeadStatus = "EXTRACTED"
	LeadStatusEnriched  LeadStatus = "ENRICHED"
	LeadStatusReplied   LeadStatus = "REPLIED"
	LeadStatusOptedOut  LeadStatus = "OPTED_OUT"
	LeadStatusBounced   LeadStatus = "BOUNCED"
)

// TerminalLeadStatuses 进入后不再外联
var TerminalLeadStatuses = []LeadStatus{LeadStatusReplied, LeadStatusOptedOut, LeadStatusBounced}

// SentLeadStatus 例如 EMAIL_2_SENT
func SentLeadStatus(channel Channel, sequence int) LeadStatus {
	return LeadStatus(fmt.Sprintf("%s_%d_SENT", strings.ToUpper(string(channel)), sequence))
}

// IsTerminal 回复、退订、退信
func (s LeadStatus) IsTerminal() bool {
	for _, t := range TerminalLeadStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// HasContent 富化完成（或已经开始发送）
func (s LeadStatus) HasContent() bool {
	if s == LeadStatusEnriched {
		return true
	}
	return strings.HasSuffix(string(s), "_SENT")
}

// Lead 一条线索，ExternalID 在全库唯一
type Lead struct {
	BaseModel
	PublicID    int64       `gorm:"uniqueIndex;not null" json:"public_id"`
	CampaignID  int64       `gorm:"not null;index:idx_leads_campaign" json:"campaign_id"`
	UserID      int64       `gorm:"not null;index:idx_leads_user" json:"user_id"`
	ExternalID  string      `gorm:"type:varchar(255);not null;uniqueIndex" json:"external_id"`
	PlaceID     string      `gorm:"type:varchar(255);not null;default:''" json:"place_id,omitempty"`
	CompanyName string      `gorm:"type:varchar(255);not null;default:''" json:"company_name"`
	Email       *string     `gorm:"type:varchar(255)" json:"email,omitempty"`
	Phone       *string     `gorm:"type:varchar(32)" json:"phone,omitempty"`
	Website     string      `gorm:"type:varchar(512);not null;default:''" json:"website,omitempty"`
	Instagram   string      `gorm:"type:varchar(255);not null;default:''" json:"instagram,omitempty"`
	Facebook    string      `gorm:"type:varchar(255);not null;default:''" json:"facebook,omitempty"`
	LinkedIn    string      `gorm:"type:varchar(255);not null;default:''" json:"linkedin,omitempty"`
	Address     string      `gorm:"type:varchar(512);not null;default:''" json:"address,omitempty"`
	City        string      `gorm:"type:varchar(128);not null;default:''" json:"city,omitempty"`
	Category    string      `gorm:"type:varchar(128);not null;default:''" json:"category,omitempty"`
	Rating      *float64    `json:"rating,omitempty"`
	CadenceType CadenceType `gorm:"type:varchar(16);not null" json:"cadence_type"`
	Status      LeadStatus  `gorm:"type:varchar(32);not null;index:idx_leads_status" json:"status"`
	OptOutToken string      `gorm:"type:varchar(64);not null" json:"-"` // 签名 token 的 nonce
	OptedOutAt  *time.Time  `json:"opted_out_at,omitempty"`
	RepliedAt   *time.Time  `json:"replied_at,omitempty"`
	RawPayload  JSONB       `gorm:"type:jsonb" json:"-"`
}

// TableName 指定表名
func (Lead) TableName() string {
	return "leads"
}

// Contact 渠道对应的联系方式，没有时返回空串
func (l *Lead) Contact(channel Channel) string {
	var v *string
	switch channel {
	case ChannelEmail:
		v = l.Email
	case ChannelWhatsApp:
		v = l.Phone
	}
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}
