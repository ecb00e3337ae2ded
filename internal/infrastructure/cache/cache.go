package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss key 不存在
var ErrCacheMiss = errors.New("缓存未命中")

// Cache 分布式缓存
// 只承载会话和风控计数这类可丢失的状态，资金相关的数据一律以数据库为准。
// 调用方遇到任何错误都应按未命中处理，不能让缓存故障阻断请求
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	// Incr 自增计数，key 首次创建时设置过期时间（固定窗口）
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SAdd 加入集合并返回集合大小，集合首次创建时设置过期时间
	SAdd(ctx context.Context, key, member string, ttl time.Duration) (int64, error)
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// LPushTrim 头部插入并截断到 maxLen，每次写入刷新过期时间
	LPushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}
