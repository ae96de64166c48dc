package ledger

import (
	"context"
	"fmt"
	"time"

	"genrelay/internal/infrastructure/lock"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// WriteLock 账本写锁，所有账本写操作共用同一把锁
//
// 【关键点】持锁期间不允许发起任何网络调用（聊天、生成后端、支付商）
type WriteLock interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalWriteLock 进程内写锁，单实例部署使用
type LocalWriteLock struct {
	ch chan struct{}
}

func NewLocalWriteLock() *LocalWriteLock {
	return &LocalWriteLock{ch: make(chan struct{}, 1)}
}

func (l *LocalWriteLock) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.ch <- struct{}{}:
		return func() { <-l.ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("等待账本写锁: %w", ctx.Err())
	}
}

const redisLockKey = "genrelay:ledger:write-lock"

// RedisWriteLock 多实例部署时使用的写锁
type RedisWriteLock struct {
	lock          *lock.DistributedLock
	retryInterval time.Duration
	log           *zap.Logger
}

func NewRedisWriteLock(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisWriteLock {
	return &RedisWriteLock{
		lock:          lock.NewDistributedLock(client, redisLockKey, ttl),
		retryInterval: 10 * time.Millisecond,
		log:           log.Named("RedisWriteLock"),
	}
}

func (l *RedisWriteLock) Acquire(ctx context.Context) (func(), error) {
	token, err := l.lock.Lock(ctx, l.retryInterval)
	if err != nil {
		return nil, fmt.Errorf("等待账本写锁: %w", err)
	}
	return func() {
		// 释放不跟随调用方的 ctx，调用方取消后也要把锁还回去
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.lock.Unlock(unlockCtx, token); err != nil {
			l.log.Warn("释放账本写锁失败", zap.Error(err))
		}
	}, nil
}
