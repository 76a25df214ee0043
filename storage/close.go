package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"LeadFlow/pkg/logger"
	"LeadFlow/storage/database"
	"LeadFlow/storage/mq"
	"LeadFlow/storage/redis"
)

// Close 先停消息队列，再关 redis，最后关数据库
func Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	closers := []struct {
		name  string
		close func(context.Context) error
	}{
		{"rabbitmq", mq.Close},
		{"redis", redis.Close},
		{"postgres", database.Close},
	}

	for _, c := range closers {
		if err := c.close(ctx); err != nil {
			logger.Logger.Error("Failed to close storage component",
				zap.String("component", c.name),
				zap.Error(err),
			)
			continue
		}
		logger.Logger.Info("Storage component closed", zap.String("component", c.name))
	}
}
