package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本先比较 value 再删除，保证原子性
//
// 在本系统里锁只是打款单创建的前置削峰手段，真正防止佣金被重复分配的是
// 数据库事务内的行锁加条件更新，所以锁服务不可用时调用方可以直接放行。
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     redis.Cmdable
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client redis.Cmdable, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

func (l *DistributedLock) Key() string {
	return l.key
}

// ============================================================================
// 按推广员维度的打款锁
// ============================================================================

// PayoutLocker 同一推广员同一时刻只允许一个打款单创建请求进入事务，
// 不同推广员之间互不影响
type PayoutLocker struct {
	client        redis.Cmdable
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewPayoutLocker(client redis.Cmdable, expiration time.Duration) *PayoutLocker {
	if expiration <= 0 {
		expiration = 30 * time.Second
	}
	return &PayoutLocker{
		client:        client,
		expiration:    expiration,
		retryInterval: 50 * time.Millisecond,
		maxRetries:    20,
	}
}

func PayoutLockKey(affiliateID int64) string {
	return fmt.Sprintf("affiliate:payout:lock:%d", affiliateID)
}

// Acquire 获取推广员的打款锁，owner 用于追踪持有者
// 返回的 release 可以安全地多次调用
func (p *PayoutLocker) Acquire(ctx context.Context, affiliateID int64, owner string) (func(), error) {
	l := NewDistributedLock(p.client, PayoutLockKey(affiliateID), owner, p.expiration)
	if err := l.Lock(ctx, p.retryInterval, p.maxRetries); err != nil {
		return nil, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Unlock(ctx)
	}, nil
}
