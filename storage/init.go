package storage

import (
	"fmt"

	"go.uber.org/zap"

	"LeadFlow/pkg/logger"
	"LeadFlow/storage/database"
	"LeadFlow/storage/mq"
	"LeadFlow/storage/redis"
)

// Init 按 postgres -> redis -> rabbitmq 顺序初始化，任一失败即返回
func Init() error {
	steps := []struct {
		name string
		init func() error
	}{
		{"postgres", database.Init},
		{"redis", redis.Init},
		{"rabbitmq", mq.Init},
	}

	for _, step := range steps {
		if err := step.init(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.Logger.Info("Storage component ready", zap.String("component", step.name))
	}
	return nil
}
