package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/logger"
)

// releaseScript 仅当令牌匹配时删除，避免误删他人持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const retryInterval = 20 * time.Millisecond

// RedisLocker 基于 Redis 的分布式键级锁（SET NX PX）
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker 创建分布式锁
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: "carecover:lock:",
		ttl:    ttl,
		wait:   wait,
	}
}

// Acquire 获取全部键
func (l *RedisLocker) Acquire(ctx context.Context, keys ...string) (Release, error) {
	waitCtx, cancel := withWait(ctx, l.wait)
	defer cancel()

	token := uuid.NewString()
	var held []string
	for _, key := range sortedKeys(keys) {
		if err := l.acquireOne(waitCtx, l.prefix+key, token); err != nil {
			l.release(held, token)
			return nil, apperrors.LockTimeout(key, err)
		}
		held = append(held, l.prefix+key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(held, token) })
	}, nil
}

func (l *RedisLocker) acquireOne(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// release 逆序释放，使用独立上下文保证调用方取消后仍能释放
func (l *RedisLocker) release(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		if err := releaseScript.Run(ctx, l.client, []string{keys[i]}, token).Err(); err != nil && err != redis.Nil {
			logger.Warn().Err(err).Str("key", keys[i]).Msg("释放分布式锁失败")
		}
	}
}
