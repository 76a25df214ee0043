package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/snowflake"
)

// LogTransport 开发环境使用，只打印不发送
type LogTransport struct {
	channel string
}

func NewLogTransport(channel string) *LogTransport {
	return &LogTransport{channel: channel}
}

func (t *LogTransport) Provider() string {
	return "log"
}

func (t *LogTransport) Send(_ context.Context, env Envelope) (*SendResult, error) {
	id, err := snowflake.NextID()
	if err != nil {
		return nil, err
	}

	logger.Logger.Info("Outbound message (not delivered)",
		zap.String("channel", t.channel),
		zap.String("recipient", env.Recipient),
		zap.String("subject", env.Subject),
		zap.Int64("message_id", env.MessageID),
		zap.Int("body_length", len(env.Body)),
	)

	return &SendResult{ProviderMessageID: fmt.Sprintf("log-%d", id), Provider: t.Provider()}, nil
}
