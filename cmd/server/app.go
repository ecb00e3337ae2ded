package main

import (
	"context"
	"fmt"
	"time"

	"affiliate/internal/config"
	"affiliate/internal/events"
	"affiliate/internal/infrastructure/cache"
	"affiliate/internal/infrastructure/database"
	"affiliate/internal/infrastructure/lock"
	"affiliate/internal/logger"
	"affiliate/internal/service"
	"affiliate/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app 进程级依赖
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	db    *gorm.DB
	redis *redis.Client
	sink  *events.HookSink
	deps  service.Deps
	svc   *service.Services
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	if err := idgen.Init(1); err != nil {
		return nil, fmt.Errorf("初始化 ID 生成器失败: %w", err)
	}

	db, err := database.InitMySQL(&cfg.MySQL, log)
	if err != nil {
		return nil, err
	}
	rdb, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return nil, err
	}

	clock := clockz.RealClock
	sink := events.NewHookSink(events.HookSinkOptions{
		Workers: cfg.Business.EventWorkers,
		Timeout: 5 * time.Second,
		Clock:   clock,
	}, log)

	deps := service.Deps{
		DB:        db,
		Cache:     cache.NewRedisCache(rdb, cfg.Redis.OpTimeout()),
		Publisher: events.NewPublisher(db, sink, cfg.Kafka.Topic, clock, log),
		Audit:     service.NewAuditLedger(db, clock),
		Clock:     clock,
		Config:    cfg,
		Logger:    log,
	}

	return &app{
		cfg:   cfg,
		log:   log,
		db:    db,
		redis: rdb,
		sink:  sink,
		deps:  deps,
		svc:   service.NewServices(deps, lock.NewPayoutLocker(rdb, cfg.Business.PayoutLockTTL())),
	}, nil
}

// subscribe 进程内订阅：风控告警单独打日志，便于接入告警
func (a *app) subscribe() error {
	alert := a.log.Named("FraudAlert")
	for _, eventType := range []string{events.FraudAffiliateFlagged, events.FraudReviewQueued} {
		if _, err := a.sink.Subscribe(eventType, func(_ context.Context, evt events.Event) error {
			alert.Warn("风控告警",
				zap.String("type", evt.Type),
				zap.Int64("affiliate_id", evt.AffiliateID),
				zap.String("aggregate_type", evt.AggregateType),
				zap.Int64("aggregate_id", evt.AggregateID),
				zap.Any("data", evt.Data))
			return nil
		}); err != nil {
			return fmt.Errorf("订阅事件失败: %w", err)
		}
	}
	return nil
}

func (a *app) close() {
	if err := a.sink.Close(); err != nil {
		a.log.Warn("关闭事件总线失败", zap.Error(err))
	}
	if err := a.redis.Close(); err != nil {
		a.log.Warn("关闭 Redis 失败", zap.Error(err))
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
	_ = a.log.Sync()
}
