package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"LeadFlow/internal/cache"
	"LeadFlow/internal/model"
	"LeadFlow/internal/service"
	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
	"LeadFlow/storage/mq"
)

const (
	processingTTL = 30 * time.Minute
	processedTTL  = 48 * time.Hour

	consumerRestartDelay = 5 * time.Second
)

// Reconciler 对账入口，worker 里是 service.Reconcile()
type Reconciler interface {
	Reconcile(ctx context.Context, ev service.ExtractionEvent) (*service.ReconcileResult, error)
}

// StartExtractionConsumer 启动抓取回调消费者，阻塞直到 ctx 结束
func StartExtractionConsumer(ctx context.Context, reconciler Reconciler) error {
	return mq.Consume(ctx, mq.ConsumeOptions{
		Queue:         mq.ExtractionQueue,
		ConsumerTag:   "extraction_reconcile_consumer",
		PrefetchCount: 5,
		Handler:       ExtractionHandler(reconciler),
	})
}

// StartEventAuditConsumer 把业务事件写入审计日志
func StartEventAuditConsumer(ctx context.Context) error {
	return mq.Consume(ctx, mq.ConsumeOptions{
		Queue:         mq.EventsAuditQueue,
		ConsumerTag:   "events_audit_consumer",
		PrefetchCount: 50,
		Handler:       EventAuditHandler(),
	})
}

// StartAllConsumers 阻塞直到 ctx 结束；消费者异常退出后隔一段时间重连
func StartAllConsumers(ctx context.Context, reconciler Reconciler) {
	var wg sync.WaitGroup

	consumers := []struct {
		name     string
		consumer func(context.Context) error
	}{
		{"extraction_reconcile", func(ctx context.Context) error { return StartExtractionConsumer(ctx, reconciler) }},
		{"events_audit", StartEventAuditConsumer},
	}

	for _, c := range consumers {
		wg.Add(1)
		go func(name string, consumer func(context.Context) error) {
			defer wg.Done()

			for {
				logger.Logger.Info("Starting consumer",
					zap.String("consumer_name", name),
				)

				err := consumer(ctx)
				if ctx.Err() != nil {
					return
				}
				logger.Logger.Error("Consumer exited with error",
					zap.String("consumer_name", name),
					zap.Error(err),
				)

				select {
				case <-ctx.Done():
					return
				case <-time.After(consumerRestartDelay):
				}
			}
		}(c.name, c.consumer)
	}

	wg.Wait()

	logger.Logger.Info("All consumers stopped")
}

// ExtractionHandler 消息级幂等 + 对账；对账本身也是幂等的，标记只是省掉重复的解析
func ExtractionHandler(reconciler Reconciler) mq.MessageHandler {
	return func(ctx context.Context, body []byte) error {
		log := logger.WithContext(ctx, logger.Named("queue"))

		var msg model.ExtractionMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return errors.NewNonRetryableError(errors.PayloadInvalid.Code,
				"failed to unmarshal extraction message", err.Error())
		}
		if msg.MessageID == "" {
			return errors.NewNonRetryableError(errors.PayloadInvalid.Code,
				"extraction message has no message_id", "")
		}

		acquired, err := cache.TryMarkMessageProcessing(ctx, msg.MessageID, processingTTL)
		if err != nil {
			log.Warn("Failed to check message processed status",
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
			// 检查失败继续处理，对账本身可以承受重复投递
		} else if !acquired {
			log.Info("Message already processed or being processed, skipping",
				zap.String("message_id", msg.MessageID),
				zap.String("campaign_id", msg.CampaignID),
			)
			return &errors.SkipMessageError{Reason: fmt.Sprintf("Message %s already processed", msg.MessageID)}
		}

		result, err := reconciler.Reconcile(ctx, service.ExtractionEvent{
			CampaignID: msg.CampaignID,
			Leads:      msg.Leads,
		})
		if err != nil {
			if isPermanent(err) {
				markProcessed(ctx, msg.MessageID)
				def, _ := errors.As(err)
				return errors.NewNonRetryableError(def.Code, "extraction message rejected", err.Error())
			}

			// 处理失败，取消标记，允许重投
			if uerr := cache.UnmarkMessageProcessing(ctx, msg.MessageID); uerr != nil {
				log.Warn("Failed to unmark message",
					zap.String("message_id", msg.MessageID),
					zap.Error(uerr),
				)
			}
			return fmt.Errorf("failed to reconcile campaign %s: %w", msg.CampaignID, err)
		}

		markProcessed(ctx, msg.MessageID)

		log.Info("Extraction message reconciled",
			zap.String("message_id", msg.MessageID),
			zap.String("campaign_id", msg.CampaignID),
			zap.String("status", string(result.Status)),
			zap.Int("leads_created", result.LeadsCreated),
			zap.Int("credits_refunded", result.CreditsRefunded),
			zap.Bool("already_reconciled", result.AlreadyReconciled),
		)
		return nil
	}
}

// isPermanent 重投也不会成功的错误
func isPermanent(err error) bool {
	def, ok := errors.As(err)
	if !ok {
		return false
	}
	switch def.Code {
	case errors.CampaignNotFound.Code, errors.PayloadInvalid.Code,
		errors.LeadBatchNotFound.Code, errors.PricingTierInvalid.Code:
		return true
	}
	return false
}

func markProcessed(ctx context.Context, messageID string) {
	if err := cache.MarkMessageProcessed(ctx, messageID, processedTTL); err != nil {
		logger.Logger.Warn("Failed to mark message as processed",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}

// EventAuditHandler 审计只记日志，坏消息直接丢弃
func EventAuditHandler() mq.MessageHandler {
	audit := logger.Named("audit")
	return func(ctx context.Context, body []byte) error {
		var event model.EventMessage
		if err := json.Unmarshal(body, &event); err != nil {
			return errors.NewNonRetryableError(errors.PayloadInvalid.Code,
				"failed to unmarshal event message", err.Error())
		}

		audit.Info("Outreach event",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.String("event_key", event.EventKey),
			zap.Int64("user_id", event.UserID),
			zap.String("occurred_at", event.OccurredAt),
			zap.Any("payload", event.Payload),
		)
		return nil
	}
}
