// Package testutil 测试用的数据库、缓存与时钟
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"affiliate/internal/infrastructure/cache"
	"affiliate/internal/infrastructure/database"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/zoobzio/clockz"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq int64

// NewDB 每个测试一个独立的 sqlite 内存库，已完成迁移
// 只开一个连接：事务内的所有操作必须走 tx，否则会阻塞
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:affiliate_%d?mode=memory&cache=shared", atomic.AddInt64(&dbSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewRedis 启动 miniredis 并返回客户端
func NewRedis(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

// NewCache 基于 miniredis 的缓存
func NewCache(t testing.TB) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()

	client, mr := NewRedis(t)
	return cache.NewRedisCache(client, 200*time.Millisecond), mr
}

// Epoch 测试的固定起始时间
var Epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func NewClock() *clockz.FakeClock {
	return clockz.NewFakeClockAt(Epoch)
}
