// Package repository 持久化边界：调度与对账只依赖这里的接口
package repository

import (
	"context"
	stderrors "errors"
	"time"

	"LeadFlow/internal/model"
)

var (
	ErrNotFound = stderrors.New("record not found")
	// ErrCampaignNotProcessing 条件更新没有命中：活动已被其他投递对账
	ErrCampaignNotProcessing = stderrors.New("campaign is no longer processing")
	// ErrMessageNotPending 消息已被其他 tick 处理
	ErrMessageNotPending = stderrors.New("message is no longer pending")
)

// PendingQuery 结构上可发送的待发消息：线索未终止、有联系方式、内容就绪、前一步已发送
type PendingQuery struct {
	// PrevSentBefore 非空时要求前一步的 sent_at 早于该时间（日偏移预过滤）
	PrevSentBefore *time.Time
	Channel        model.Channel
	UserID         int64
	Sequence       int
}

// SentUpdate 发送成功后在一个事务里写入的内容
type SentUpdate struct {
	SentAt            time.Time
	NextAllowedAt     time.Time
	Channel           model.Channel
	ProviderMessageID string
	LeadStatus        model.LeadStatus
	MessageID         int64
	LeadID            int64
	UserID            int64
}

// Reconciliation 对账结果的原子提交
type Reconciliation struct {
	CompletedAt     time.Time
	Status          model.CampaignStatus
	Reason          model.CreditReason
	CampaignID      int64
	UserID          int64
	LeadsCreated    int
	LeadsDuplicated int
	LeadsInvalid    int
	Refund          int
}

// StatusUpdate 服务商回执
type StatusUpdate struct {
	At                time.Time
	ProviderMessageID string
	Status            model.MessageStatus
}

// Repository 调度、对账与回调用到的全部存储操作
type Repository interface {
	// 租户与节奏
	ListTenantIDs(ctx context.Context) ([]int64, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	GetCadenceConfig(ctx context.Context, userID int64, channel model.Channel) (*model.CadenceConfig, error)
	GetCheckpoint(ctx context.Context, userID int64, channel model.Channel) (*model.SendCheckpoint, error)

	// 分发
	CountSentBetween(ctx context.Context, userID int64, channel model.Channel, from, to time.Time) (map[int]int, error)
	CountPending(ctx context.Context, q PendingQuery) (int64, error)
	NextPending(ctx context.Context, q PendingQuery) (*model.OutboundMessage, error)
	GetLead(ctx context.Context, leadID int64) (*model.Lead, error)
	GetLeadByPublicID(ctx context.Context, publicID int64) (*model.Lead, error)
	ListLeadMessages(ctx context.Context, leadID int64) ([]model.OutboundMessage, error)
	MarkMessageSent(ctx context.Context, u SentUpdate) error
	MarkMessageFailed(ctx context.Context, messageID int64, reason string) error

	// 富化、回执、退订
	CreateMessages(ctx context.Context, leadID int64, msgs []*model.OutboundMessage) (int64, error)
	// ApplyProviderStatus 返回更新后的消息以及这次回执是否真正推进了状态
	ApplyProviderStatus(ctx context.Context, u StatusUpdate) (*model.OutboundMessage, bool, error)
	OptOutLead(ctx context.Context, leadID int64, at time.Time) (bool, error)

	// 对账
	GetCampaignByPublicID(ctx context.Context, publicID int64) (*model.Campaign, error)
	ListTimedOutCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error)
	// FindLeadOwners 返回已存在的 external id 及其所属活动 id
	FindLeadOwners(ctx context.Context, externalIDs []string) (map[string]int64, error)
	// InsertLeads 冲突的行直接跳过，返回实际插入的行数
	InsertLeads(ctx context.Context, leads []*model.Lead) (int64, error)
	CommitReconciliation(ctx context.Context, r Reconciliation) error
}
