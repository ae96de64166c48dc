package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 加锁：SET key token NX PX ttl
//   - NX 保证互斥
//   - PX 保证持有者崩溃后锁会自动过期
//   - token 每次加锁随机生成，释放时校验，防止误删别人的锁
//
// 释放：Lua 脚本里完成 "GET 比较 + DEL"
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期或已被他人持有")
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DistributedLock 一把可重复加锁/释放的 Redis 锁，同一实例同一时刻只持有一次
type DistributedLock struct {
	client     *redis.Client
	key        string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		expiration: expiration,
	}
}

// TryLock 非阻塞加锁，成功时返回本次持有的 token
func (l *DistributedLock) TryLock(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.expiration).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Lock 轮询加锁直到成功或 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration) (string, error) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		token, ok, err := l.TryLock(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", errors.Join(ErrLockFailed, ctx.Err())
			}
			return "", err
		}
		if ok {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", errors.Join(ErrLockFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock 只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context, token string) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockExpired
	}
	return nil
}
