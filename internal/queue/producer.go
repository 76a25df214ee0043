package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"LeadFlow/internal/model"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/snowflake"
	"LeadFlow/storage/mq"
)

// Publisher 便于在 handler 测试里替换
type Publisher func(ctx context.Context, exchange, routingKey string, body interface{}) error

// PublishExtraction 把抓取回调入队，返回消息 ID
func PublishExtraction(ctx context.Context, campaignID string, leads json.RawMessage) (string, error) {
	return publishExtraction(ctx, mq.PublishMessage, campaignID, leads)
}

func publishExtraction(ctx context.Context, publish Publisher, campaignID string, leads json.RawMessage) (string, error) {
	id, err := snowflake.NextID()
	if err != nil {
		logger.Logger.Error("Failed to generate message ID",
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to generate message ID: %w", err)
	}

	msg := model.ExtractionMessage{
		MessageID:  fmt.Sprintf("extraction_%d", id),
		CampaignID: campaignID,
		Leads:      leads,
		ReceivedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if err := publish(ctx, mq.ExtractionExchange, mq.ExtractionRoutingKey, msg); err != nil {
		logger.Logger.Error("Failed to publish extraction message",
			zap.String("message_id", msg.MessageID),
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
		return "", err
	}

	logger.Logger.Info("Published extraction message",
		zap.String("message_id", msg.MessageID),
		zap.String("campaign_id", campaignID),
		zap.Int("payload_bytes", len(leads)),
	)
	return msg.MessageID, nil
}
