package model

import "time"

// Channel 外联渠道
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// Channels 调度顺序：邮件先于 WhatsApp
var Channels = []Channel{ChannelEmail, ChannelWhatsApp}

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelWhatsApp
}

// MessageStatus 渠道消息状态
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "PENDING"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
	MessageStatusReplied   MessageStatus = "REPLIED"
	MessageStatusFailed    MessageStatus = "FAILED"
	MessageStatusBounced   MessageStatus = "BOUNCED"
)

// SentOrLaterStatuses 已经离开本系统的状态
var SentOrLaterStatuses = []MessageStatus{
	MessageStatusSent, MessageStatusDelivered, MessageStatusRead, MessageStatusReplied,
}

// IsSentOrLater SENT 及之后（不含失败与退信）
func (s MessageStatus) IsSentOrLater() bool {
	for _, st := range SentOrLaterStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// statusRank 回执只能把状态往前推
var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusFailed:    1,
	MessageStatusSent:      2,
	MessageStatusDelivered: 3,
	MessageStatusRead:      4,
	MessageStatusBounced:   5,
	MessageStatusReplied:   6,
}

// Advances 从 s 变为 next 是否是前进
func (s MessageStatus) Advances(next MessageStatus) bool {
	return statusRank[next] > statusRank[s]
}

// OutboundMessage 邮件与 WhatsApp 共用一张表，按 Channel 区分
type OutboundMessage struct {
	BaseModel
	PublicID          int64         `gorm:"uniqueIndex;not null" json:"public_id"`
	LeadID            int64         `gorm:"not null;uniqueIndex:idx_outbound_lead_channel_seq" json:"lead_id"`
	UserID            int64         `gorm:"not null;index:idx_outbound_dispatch" json:"user_id"`
	Channel           Channel       `gorm:"type:varchar(16);not null;uniqueIndex:idx_outbound_lead_channel_seq;index:idx_outbound_dispatch" json:"channel"`
	Sequence          int           `gorm:"not null;uniqueIndex:idx_outbound_lead_channel_seq;index:idx_outbound_dispatch" json:"sequence"`
	OverallStep       int           `gorm:"not null;default:0" json:"overall_step,omitempty"` // 混合节奏里的总步数
	Subject           string        `gorm:"type:varchar(255);not null;default:''" json:"subject,omitempty"`
	Body              string        `gorm:"type:text;not null" json:"body"`
	Status            MessageStatus `gorm:"type:varchar(16);not null;index:idx_outbound_dispatch" json:"status"`
	ProviderMessageID *string       `gorm:"type:varchar(128);uniqueIndex" json:"provider_message_id,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `json:"read_at,omitempty"`
	RepliedAt         *time.Time    `json:"replied_at,omitempty"`
	ErrorMessage      string        `gorm:"type:text;not null;default:''" json:"error_message,omitempty"`
}

// TableName 指定表名
func (OutboundMessage) TableName() string {
	return "outbound_messages"
}

// HasBeenSent 状态已到 SENT 之后且有发送时间
func (m *OutboundMessage) HasBeenSent() bool {
	return m.Status.IsSentOrLater() && m.SentAt != nil
}
