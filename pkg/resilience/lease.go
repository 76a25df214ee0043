package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLeaseHeld = stderrors.New("lease is held by another owner")

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 分布式租约
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// RedisLocker 基于 SET NX PX 的租约，持有者用 uuid 区分
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// Lease 已获取的租约
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *RedisLocker) fullKey(key string) string {
	if l.prefix == "" {
		return "lease:" + key
	}
	return strings.Join([]string{l.prefix, "lease", key}, ":")
}

// Acquire 获取租约；已被他人持有时返回 ErrLeaseHeld
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	fullKey := l.fullKey(key)

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	}

	return &Lease{client: l.client, key: fullKey, token: token}, nil
}

// Release 释放租约；租约已过期或被他人接管时什么也不做
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !stderrors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
