package service

import (
	"context"
	"errors"
	"fmt"

	"affiliate/internal/events"
	"affiliate/internal/model"
	"affiliate/internal/repository"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ClickInput 推广链接点击的请求数据
type ClickInput struct {
	SessionID   string              `json:"session_id" binding:"required"`
	IPAddress   string              `json:"ip_address"`
	UserAgent   string              `json:"user_agent"`
	ReferrerURL string              `json:"referrer_url"`
	LandingURL  string              `json:"landing_url"`
	Device      string              `json:"device"`
	Country     string              `json:"country"`
	Metadata    model.ClickMetadata `json:"metadata"`
}

// ClickRecorder 写入点击并维护推广员的点击统计
type ClickRecorder struct {
	db            *gorm.DB
	clickRepo     *repository.ClickRepository
	affiliateRepo *repository.AffiliateRepository
	audit         *AuditLedger
	publisher     *events.Publisher
	clock         clockz.Clock
	log           *zap.Logger
}

func NewClickRecorder(deps Deps) *ClickRecorder {
	return &ClickRecorder{
		db:            deps.DB,
		clickRepo:     repository.NewClickRepository(deps.DB),
		affiliateRepo: repository.NewAffiliateRepository(deps.DB),
		audit:         deps.Audit,
		publisher:     deps.Publisher,
		clock:         deps.Clock,
		log:           deps.Logger.Named("ClickRecorder"),
	}
}

// RecordClick 同一会话只记录第一次点击
// 重复会话返回已有点击且 created=false，点击数不变
func (r *ClickRecorder) RecordClick(ctx context.Context, affiliateID int64, in ClickInput) (*model.Click, bool, error) {
	if in.SessionID == "" {
		return nil, false, invalidArgument("session_id 不能为空")
	}

	now := r.clock.Now()
	click := &model.Click{
		AffiliateID: affiliateID,
		SessionID:   in.SessionID,
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		ReferrerURL: in.ReferrerURL,
		LandingURL:  in.LandingURL,
		Device:      in.Device,
		Country:     in.Country,
		Metadata:    datatypes.NewJSONType(in.Metadata),
		CreatedAt:   now,
	}

	batch := r.publisher.NewBatch()
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := r.clickRepo.Create(ctx, tx, click); err != nil {
			return err
		}
		if err := r.affiliateRepo.IncrementClicks(ctx, tx, affiliateID, now); err != nil {
			return fmt.Errorf("更新点击数失败: %w", err)
		}
		if err := r.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityClick,
			EntityID:   click.ID,
			Action:     AuditActionCreate,
			After:      click,
		}); err != nil {
			return err
		}
		return batch.Add(ctx, tx, events.Event{
			Type:          events.ClickRecorded,
			AggregateType: model.AuditEntityClick,
			AggregateID:   click.ID,
			AffiliateID:   affiliateID,
			Data: map[string]interface{}{
				"session_id": click.SessionID,
				"ip_address": click.IPAddress,
				"country":    click.Country,
			},
		})
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, getErr := r.clickRepo.GetBySessionID(ctx, in.SessionID)
		if getErr != nil {
			return nil, false, fmt.Errorf("查询已有点击失败: %w", getErr)
		}
		r.log.Debug("重复会话，沿用首次点击",
			zap.String("session_id", in.SessionID), zap.Int64("click_id", existing.ID))
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("记录点击失败: %w", err)
	}

	batch.Flush(ctx)
	return click, true, nil
}
