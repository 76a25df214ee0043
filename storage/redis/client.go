package redis

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"LeadFlow/config"
)

var (
	client *redis.Client
	once   sync.Once
	err    error
)

func Init() error {
	once.Do(func() {
		cfg := config.Cfg

		c := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MinIdleConns: 5,
			MaxRetries:   3,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err = c.Ping(ctx).Err(); err != nil {
			return
		}
		if cfg.OTELEnabled {
			c.AddHook(newTracingHook(cfg.ServiceName, cfg.RedisDB))
		}
		client = c
	})

	return err
}

// Use 直接替换客户端，测试里配合 miniredis 使用
func Use(c *redis.Client) {
	client = c
}

func Client() *redis.Client {
	if client == nil {
		panic("Redis client not init")
	}
	return client
}

func Close(ctx context.Context) error {
	if client == nil {
		return nil
	}

	return client.Close()
}

// Prefix 所有 key 的统一前缀
func Prefix() string {
	if config.Cfg.RedisPrefix == "" {
		return "lf"
	}
	return config.Cfg.RedisPrefix
}

func Key(parts ...string) string {
	var sb strings.Builder
	sb.WriteString(Prefix())
	for _, part := range parts {
		if part != "" {
			sb.WriteString(":")
			sb.WriteString(part)
		}
	}

	return sb.String()
}

// Nil key 不存在
const Nil = redis.Nil
