package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"affiliate/internal/config"
	"affiliate/internal/model"
	"affiliate/internal/repository"
	"affiliate/pkg/idgen"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher 事务内写 outbox，提交后投递给 Sink
type Publisher struct {
	outboxRepo *repository.OutboxRepository
	sink       Sink
	topics     config.KafkaTopicConfig
	clock      clockz.Clock
	log        *zap.Logger
}

func NewPublisher(db *gorm.DB, sink Sink, topics config.KafkaTopicConfig, clock clockz.Clock, log *zap.Logger) *Publisher {
	if sink == nil {
		sink = NopSink{}
	}
	return &Publisher{
		outboxRepo: repository.NewOutboxRepository(db),
		sink:       sink,
		topics:     topics,
		clock:      clock,
		log:        log.Named("EventPublisher"),
	}
}

// Record 在调用方事务内写入消息表，返回补全了 ID 与时间的事件
func (p *Publisher) Record(ctx context.Context, tx *gorm.DB, evt Event) (Event, error) {
	if evt.ID == "" {
		evt.ID = idgen.GenerateEventID()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = p.clock.Now()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return evt, fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &model.OutboxMessage{
		MessageKey: evt.ID,
		Topic:      p.topicFor(evt.Type),
		EventType:  evt.Type,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
		CreatedAt:  evt.OccurredAt,
	}
	if err := p.outboxRepo.Create(ctx, tx, msg); err != nil {
		return evt, fmt.Errorf("写入消息表失败: %w", err)
	}
	return evt, nil
}

// Dispatch 事务提交后调用，投递失败只记日志
// 订阅者在异步协程中执行，不能沿用请求的取消信号
func (p *Publisher) Dispatch(ctx context.Context, evts ...Event) {
	ctx = context.WithoutCancel(ctx)
	for _, evt := range evts {
		if err := p.sink.Publish(ctx, evt); err != nil {
			p.log.Warn("事件投递失败", zap.String("type", evt.Type), zap.String("id", evt.ID), zap.Error(err))
		}
	}
}

func (p *Publisher) topicFor(eventType string) string {
	prefix := eventType
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		prefix = eventType[:i]
	}
	switch prefix {
	case "click", "conversion":
		return p.topics.Tracking
	case "commission":
		return p.topics.Commission
	case "payout":
		return p.topics.Payout
	case "fraud":
		return p.topics.Fraud
	default:
		return p.topics.Affiliate
	}
}

// Batch 一个事务内收集的事件
type Batch struct {
	p      *Publisher
	events []Event
}

func (p *Publisher) NewBatch() *Batch {
	return &Batch{p: p}
}

// Add 在事务内记录事件，提交后通过 Flush 统一投递
func (b *Batch) Add(ctx context.Context, tx *gorm.DB, evt Event) error {
	recorded, err := b.p.Record(ctx, tx, evt)
	if err != nil {
		return err
	}
	b.events = append(b.events, recorded)
	return nil
}

// Reset 事务重试或回滚时丢弃已收集的事件
func (b *Batch) Reset() {
	b.events = b.events[:0]
}

func (b *Batch) Flush(ctx context.Context) {
	b.p.Dispatch(ctx, b.events...)
	b.events = nil
}
