package job

import (
	"context"

	"affiliate/internal/config"
	"affiliate/internal/infrastructure/mq"
	"affiliate/internal/model"
	"affiliate/internal/repository"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender 把本地消息表中的待发送消息投递到 Kafka
// 投递是至少一次语义，下游按 message key（事件 ID）去重
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	producer   mq.Producer
	cfg        config.BusinessConfig
	clock      clockz.Clock
	log        *zap.Logger
	stopCh     chan struct{}
}

func NewOutboxSender(db *gorm.DB, producer mq.Producer, cfg config.BusinessConfig, clock clockz.Clock, log *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		producer:   producer,
		cfg:        cfg,
		clock:      clock,
		log:        log.Named("OutboxSender"),
		stopCh:     make(chan struct{}),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动")

	ticker := s.clock.NewTicker(s.cfg.OutboxInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C():
			s.SendPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// SendPending 投递一批待发送消息，返回成功条数
func (s *OutboxSender) SendPending(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.cfg.OutboxBatchSize)
	if err != nil {
		s.log.Error("查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	log := s.log.With(zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey))

	err := s.producer.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID, s.clock.Now()); updateErr != nil {
			log.Error("更新消息状态失败", zap.Error(updateErr))
			return false
		}
		log.Debug("消息发送成功", zap.String("event_type", msg.EventType))
		return true
	}

	log.Warn("消息发送失败", zap.Error(err))

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID, err.Error()); err != nil {
		log.Error("增加重试次数失败", zap.Error(err))
		return false
	}
	msg.RetryCount++

	if msg.Exhausted(s.cfg.MaxRetryCount) {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Error("标记消息失败状态失败", zap.Error(err))
		} else {
			log.Warn("消息超过最大重试次数，标记为失败", zap.Int("retry_count", msg.RetryCount))
		}
	}
	return false
}

// RequeueFailed 把失败消息重新置为待发送，返回处理条数
func (s *OutboxSender) RequeueFailed(ctx context.Context, limit int) (int, error) {
	messages, err := s.outboxRepo.GetFailedMessages(ctx, limit)
	if err != nil {
		return 0, err
	}
	for i, msg := range messages {
		if err := s.outboxRepo.Requeue(ctx, msg.ID); err != nil {
			return i, err
		}
	}
	if len(messages) > 0 {
		s.log.Info("失败消息已重新入队", zap.Int("count", len(messages)))
	}
	return len(messages), nil
}
