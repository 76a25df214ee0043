// Package events 业务事件，发往 RabbitMQ topic exchange，失败只记日志
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"LeadFlow/internal/model"
	"LeadFlow/pkg/logger"
	"LeadFlow/storage/mq"
)

// 事件类型同时作为 routing key
const (
	MessageSent       = "message.sent"
	MessageFailed     = "message.failed"
	CampaignCompleted = "campaign.completed"
	CampaignFailed    = "campaign.failed"
	CreditsRefunded   = "credits.refunded"
	LeadOptedOut      = "lead.opted_out"
	LeadReplied       = "lead.replied"
	LeadBounced       = "lead.bounced"
)

// Publisher 事件出口
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event model.EventMessage) error
}

// MQPublisher 使用 storage/mq 的共享 channel
type MQPublisher struct{}

func (MQPublisher) Publish(ctx context.Context, routingKey string, event model.EventMessage) error {
	return mq.PublishMessage(ctx, mq.EventsExchange, routingKey, event)
}

// Emitter 零值与 nil 都可用（什么都不做）
type Emitter struct {
	publisher Publisher
	now       func() time.Time
}

func NewEmitter(p Publisher) *Emitter {
	return &Emitter{publisher: p, now: time.Now}
}

// Emit 尽力而为：业务状态已经提交，事件丢失不回滚
func (e *Emitter) Emit(ctx context.Context, eventType, eventKey string, userID int64, payload map[string]interface{}) {
	if e == nil || e.publisher == nil {
		return
	}
	now := time.Now
	if e.now != nil {
		now = e.now
	}

	event := model.EventMessage{
		Payload:    payload,
		EventID:    uuid.NewString(),
		EventKey:   eventKey,
		EventType:  eventType,
		OccurredAt: now().UTC().Format(time.RFC3339),
		UserID:     userID,
	}
	if err := e.publisher.Publish(ctx, eventType, event); err != nil {
		logger.Logger.Warn("Failed to publish event",
			zap.String("event_id", event.EventID),
			zap.String("event_type", eventType),
			zap.String("event_key", eventKey),
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}
}

// Recorder 测试用，记录所有事件
type Recorder struct {
	Events []model.EventMessage
	mu     sync.Mutex
}

func (r *Recorder) Publish(_ context.Context, _ string, event model.EventMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, event)
	return nil
}

// Types 按顺序返回事件类型
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		types = append(types, e.EventType)
	}
	return types
}
