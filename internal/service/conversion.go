package service

import (
	"context"
	"errors"
	"fmt"

	"affiliate/internal/events"
	"affiliate/internal/model"
	"affiliate/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultCurrency = "USD"

// ConversionInput 下单回调的请求数据
type ConversionInput struct {
	SessionID string                   `json:"session_id" binding:"required"`
	OrderID   string                   `json:"order_id"`
	Amount    decimal.Decimal          `json:"amount"`
	Currency  string                   `json:"currency"`
	IPAddress string                   `json:"ip_address"`
	Device    string                   `json:"device"`
	Metadata  model.ConversionMetadata `json:"metadata"`
}

// ConversionMatcher 把订单归因到会话对应的推广员
type ConversionMatcher struct {
	db             *gorm.DB
	attribution    *AttributionStore
	conversionRepo *repository.ConversionRepository
	clickRepo      *repository.ClickRepository
	affiliateRepo  *repository.AffiliateRepository
	audit          *AuditLedger
	publisher      *events.Publisher
	clock          clockz.Clock
	log            *zap.Logger
}

func NewConversionMatcher(deps Deps, attribution *AttributionStore) *ConversionMatcher {
	return &ConversionMatcher{
		db:             deps.DB,
		attribution:    attribution,
		conversionRepo: repository.NewConversionRepository(deps.DB),
		clickRepo:      repository.NewClickRepository(deps.DB),
		affiliateRepo:  repository.NewAffiliateRepository(deps.DB),
		audit:          deps.Audit,
		publisher:      deps.Publisher,
		clock:          deps.Clock,
		log:            deps.Logger.Named("ConversionMatcher"),
	}
}

// MatchConversion 创建转化
// 订单号重复时返回已有转化和 ErrDuplicateOrder；会话不存在或过期时返回 ErrNoAttributionSession
func (m *ConversionMatcher) MatchConversion(ctx context.Context, in ConversionInput) (*model.Conversion, error) {
	if in.SessionID == "" {
		return nil, invalidArgument("session_id 不能为空")
	}
	if !in.Amount.IsPositive() {
		return nil, invalidArgument("订单金额必须大于0")
	}
	if in.Currency == "" {
		in.Currency = defaultCurrency
	}

	// 幂等校验
	if in.OrderID != "" {
		existing, err := m.conversionRepo.GetByOrderID(ctx, in.OrderID)
		if err != nil {
			return nil, fmt.Errorf("查询转化失败: %w", err)
		}
		if existing != nil {
			return existing, ErrDuplicateOrder
		}
	}

	ref, err := m.attribution.Resolve(ctx, in.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrNoAttributionSession, err)
		}
		return nil, err
	}

	affiliate, err := m.affiliateRepo.GetByID(ctx, nil, ref.AffiliateID)
	if err != nil {
		return nil, fmt.Errorf("查询推广员失败: %w", err)
	}

	now := m.clock.Now()
	conversion := &model.Conversion{
		AffiliateID:      ref.AffiliateID,
		ClickID:          ref.ClickID,
		SessionID:        ref.SessionID,
		OrderAmount:      in.Amount,
		Currency:         in.Currency,
		CommissionRate:   affiliate.CommissionRate,
		CommissionAmount: decimal.Zero,
		Status:           model.CommissionStatusPending,
		IPAddress:        in.IPAddress,
		Device:           in.Device,
		Metadata:         datatypes.NewJSONType(in.Metadata),
		CreatedAt:        now,
	}
	if in.OrderID != "" {
		orderID := in.OrderID
		conversion.OrderID = &orderID
	}

	batch := m.publisher.NewBatch()
	err = m.db.Transaction(func(tx *gorm.DB) error {
		if err := m.conversionRepo.Create(ctx, tx, conversion); err != nil {
			return err
		}

		// 条件更新，并发抢同一个会话时只有一个订单能拿到归因
		if err := m.clickRepo.MarkConverted(ctx, tx, ref.ClickID, now); err != nil {
			if errors.Is(err, repository.ErrClickAlreadyConverted) {
				return fmt.Errorf("%w: %w", ErrNoAttributionSession, err)
			}
			return fmt.Errorf("标记点击转化失败: %w", err)
		}
		if err := m.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityClick,
			EntityID:   ref.ClickID,
			Action:     AuditActionConverted,
			Before:     map[string]interface{}{"converted": false},
			After: map[string]interface{}{
				"converted":     true,
				"converted_at":  now,
				"conversion_id": conversion.ID,
			},
		}); err != nil {
			return err
		}

		if err := m.affiliateRepo.IncrementConversions(ctx, tx, ref.AffiliateID, now); err != nil {
			return fmt.Errorf("更新转化数失败: %w", err)
		}

		if err := m.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityConversion,
			EntityID:   conversion.ID,
			Action:     AuditActionCreate,
			After:      conversion,
		}); err != nil {
			return err
		}

		return batch.Add(ctx, tx, events.Event{
			Type:          events.ConversionCreated,
			AggregateType: model.AuditEntityConversion,
			AggregateID:   conversion.ID,
			AffiliateID:   conversion.AffiliateID,
			Data: map[string]interface{}{
				"order_id":     in.OrderID,
				"order_amount": conversion.OrderAmount.String(),
				"currency":     conversion.Currency,
				"session_id":   conversion.SessionID,
			},
		})
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) && in.OrderID != "" {
		existing, getErr := m.conversionRepo.GetByOrderID(ctx, in.OrderID)
		if getErr != nil {
			return nil, fmt.Errorf("查询转化失败: %w", getErr)
		}
		if existing != nil {
			return existing, ErrDuplicateOrder
		}
	}
	if err != nil {
		if errors.Is(err, ErrNoAttributionSession) {
			return nil, err
		}
		return nil, fmt.Errorf("创建转化失败: %w", err)
	}

	m.attribution.Invalidate(ctx, in.SessionID)
	batch.Flush(ctx)

	m.log.Info("转化归因成功",
		zap.Int64("conversion_id", conversion.ID),
		zap.Int64("affiliate_id", conversion.AffiliateID),
		zap.String("order_amount", conversion.OrderAmount.String()))
	return conversion, nil
}
