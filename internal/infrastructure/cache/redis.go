package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"affiliate/internal/config"

	"github.com/go-redis/redis/v8"
)

// InitRedis 创建 Redis 客户端并检查连通性
func InitRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// RedisCache 基于 go-redis 的 Cache 实现，每个操作都带独立的短超时
type RedisCache struct {
	client    redis.Cmdable
	opTimeout time.Duration
}

func NewRedisCache(client redis.Cmdable, opTimeout time.Duration) *RedisCache {
	if opTimeout <= 0 {
		opTimeout = 200 * time.Millisecond
	}
	return &RedisCache{client: client, opTimeout: opTimeout}
}

func (c *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return val, err
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var n *redis.IntCmd
	var keyTTL *redis.DurationCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		n = pipe.Incr(ctx, key)
		keyTTL = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	// 没有过期时间的计数器在下一次累加时补上，固定窗口才能自动清理
	if ttl > 0 && keyTTL.Val() < 0 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n.Val(), err
		}
	}
	return n.Val(), nil
}

func (c *RedisCache) SAdd(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var card *redis.IntCmd
	var keyTTL *redis.DurationCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, member)
		card = pipe.SCard(ctx, key)
		keyTTL = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	// TTL 为 -1 表示集合刚被创建，还没有过期时间
	if ttl > 0 && keyTTL.Val() < 0 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return card.Val(), err
		}
	}
	return card.Val(), nil
}

func (c *RedisCache) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.client.SRem(ctx, key, args...).Err()
}

func (c *RedisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.SMembers(ctx, key).Result()
}

func (c *RedisCache) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.SIsMember(ctx, key, member).Result()
}

func (c *RedisCache) LPushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, 0, maxLen-1)
		}
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

func (c *RedisCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.LRange(ctx, key, start, stop).Result()
}
