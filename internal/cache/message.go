package cache

import (
	"context"
	"fmt"
	"time"

	"LeadFlow/storage/redis"
)

const (
	messageProcessedPrefix = "message:processed"

	processingTTL = 30 * time.Minute
	processedTTL  = 48 * time.Hour
)

// TryMarkMessageProcessing 原子地标记消息正在处理
// 返回 true 表示首次处理，false 表示重复消息或正在处理
func TryMarkMessageProcessing(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	key := redis.Key(messageProcessedPrefix, messageID)
	if ttl <= 0 {
		ttl = processingTTL
	}

	result, err := redis.Client().SetNX(ctx, key, "processing", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark message as processing: %w", err)
	}
	return result, nil
}

// UnmarkMessageProcessing 处理失败时清除标记，允许重投后再处理
func UnmarkMessageProcessing(ctx context.Context, messageID string) error {
	key := redis.Key(messageProcessedPrefix, messageID)
	return redis.Client().Del(ctx, key).Err()
}

// MarkMessageProcessed 处理成功后延长 TTL
func MarkMessageProcessed(ctx context.Context, messageID string, ttl time.Duration) error {
	key := redis.Key(messageProcessedPrefix, messageID)
	if ttl <= 0 {
		ttl = processedTTL
	}
	return redis.Client().Set(ctx, key, "processed", ttl).Err()
}

// IsMessageProcessed 只在处理完成后返回 true
func IsMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	val, err := redis.Client().Get(ctx, redis.Key(messageProcessedPrefix, messageID)).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	return val == "processed", nil
}
