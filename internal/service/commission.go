package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"affiliate/internal/events"
	"affiliate/internal/model"
	"affiliate/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 佣金批量操作
const (
	CommissionActionApprove = "approve"
	CommissionActionReject  = "reject"
	CommissionActionPay     = "pay"
)

var hundred = decimal.NewFromInt(100)

// BatchItemResult 批量操作中单条佣金的结果
type BatchItemResult struct {
	ID         int64             `json:"id"`
	Success    bool              `json:"success"`
	Commission *model.Commission `json:"commission,omitempty"`
	Error      string            `json:"error,omitempty"`
	Err        error             `json:"-"`
}

// BatchResult 每条佣金独立提交，单条失败不影响其他条目
type BatchResult struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Items     []BatchItemResult `json:"items"`
}

// CommissionCalculator 佣金计算与状态流转
// pending -> approved -> paid，pending -> rejected
type CommissionCalculator struct {
	db             *gorm.DB
	commissionRepo *repository.CommissionRepository
	conversionRepo *repository.ConversionRepository
	affiliateRepo  *repository.AffiliateRepository
	payoutRepo     *repository.PayoutRepository
	audit          *AuditLedger
	publisher      *events.Publisher
	clock          clockz.Clock
	log            *zap.Logger
}

func NewCommissionCalculator(deps Deps) *CommissionCalculator {
	return &CommissionCalculator{
		db:             deps.DB,
		commissionRepo: repository.NewCommissionRepository(deps.DB),
		conversionRepo: repository.NewConversionRepository(deps.DB),
		affiliateRepo:  repository.NewAffiliateRepository(deps.DB),
		payoutRepo:     repository.NewPayoutRepository(deps.DB),
		audit:          deps.Audit,
		publisher:      deps.Publisher,
		clock:          deps.Clock,
		log:            deps.Logger.Named("CommissionCalculator"),
	}
}

// CommissionAmount 订单金额 * 比例 / 100，四舍五入到分
func CommissionAmount(orderAmount, rate decimal.Decimal) decimal.Decimal {
	return orderAmount.Mul(rate).Div(hundred).Round(2)
}

// Calculate 为转化生成佣金，每个转化只会有一条
// 已存在时返回已有佣金和 ErrDuplicateCommission
func (c *CommissionCalculator) Calculate(ctx context.Context, conversionID int64) (*model.Commission, error) {
	existing, err := c.commissionRepo.GetByConversionID(ctx, conversionID)
	if err != nil {
		return nil, fmt.Errorf("查询佣金失败: %w", err)
	}
	if existing != nil {
		return existing, ErrDuplicateCommission
	}

	var commission *model.Commission
	batch := c.publisher.NewBatch()
	err = c.db.Transaction(func(tx *gorm.DB) error {
		conversion, err := c.conversionRepo.GetByID(ctx, tx, conversionID)
		if err != nil {
			return err
		}
		affiliate, err := c.affiliateRepo.GetByID(ctx, tx, conversion.AffiliateID)
		if err != nil {
			return err
		}

		amount := CommissionAmount(conversion.OrderAmount, affiliate.CommissionRate)
		commission = &model.Commission{
			ConversionID: conversion.ID,
			AffiliateID:  affiliate.ID,
			Amount:       amount,
			Rate:         affiliate.CommissionRate,
			Status:       model.CommissionStatusPending,
			CreatedAt:    c.clock.Now(),
		}
		if err := c.commissionRepo.Create(ctx, tx, commission); err != nil {
			return err
		}

		before := *conversion
		conversion.CommissionRate = affiliate.CommissionRate
		conversion.CommissionAmount = amount
		if err := c.conversionRepo.SetCommission(ctx, tx, conversion); err != nil {
			return fmt.Errorf("更新转化佣金失败: %w", err)
		}

		if err := c.affiliateRepo.AddEarnings(ctx, tx, affiliate.ID, repository.EarningsDelta{
			Pending: amount,
			Total:   amount,
		}); err != nil {
			return fmt.Errorf("更新待结算收益失败: %w", err)
		}

		if err := c.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityCommission,
			EntityID:   commission.ID,
			Action:     AuditActionCreate,
			After:      commission,
		}); err != nil {
			return err
		}
		if err := c.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityConversion,
			EntityID:   conversion.ID,
			Action:     "commission_calculated",
			Before:     &before,
			After:      conversion,
		}); err != nil {
			return err
		}

		return batch.Add(ctx, tx, commissionEvent(events.CommissionCreated, commission))
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, getErr := c.commissionRepo.GetByConversionID(ctx, conversionID)
		if getErr != nil {
			return nil, fmt.Errorf("查询佣金失败: %w", getErr)
		}
		if existing != nil {
			return existing, ErrDuplicateCommission
		}
	}
	if err != nil {
		if errors.Is(err, repository.ErrConversionNotFound) || errors.Is(err, repository.ErrAffiliateNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("计算佣金失败: %w", err)
	}

	batch.Flush(ctx)
	c.log.Info("佣金已生成",
		zap.Int64("commission_id", commission.ID),
		zap.Int64("conversion_id", conversionID),
		zap.String("amount", commission.Amount.String()))
	return commission, nil
}

// Transition 批量审核、拒绝或结算佣金
// 每条佣金单独一个事务，非法流转记在结果里，不中断整批
func (c *CommissionCalculator) Transition(ctx context.Context, ids []int64, action, actor, reason string) (*BatchResult, error) {
	switch action {
	case CommissionActionApprove, CommissionActionReject, CommissionActionPay:
	default:
		return nil, invalidArgument("不支持的操作: %s", action)
	}
	if action == CommissionActionReject && reason == "" {
		return nil, invalidArgument("拒绝佣金必须填写原因")
	}

	result := &BatchResult{Total: len(ids), Items: make([]BatchItemResult, 0, len(ids))}
	for _, id := range ids {
		commission, err := c.transitionOne(ctx, id, action, actor, reason)
		item := BatchItemResult{ID: id, Commission: commission, Err: err}
		if err != nil {
			item.Error = err.Error()
			result.Failed++
			c.log.Warn("佣金状态流转失败",
				zap.Int64("commission_id", id), zap.String("action", action), zap.Error(err))
		} else {
			item.Success = true
			result.Succeeded++
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func (c *CommissionCalculator) transitionOne(ctx context.Context, id int64, action, actor, reason string) (*model.Commission, error) {
	var updated *model.Commission
	batch := c.publisher.NewBatch()
	err := c.db.Transaction(func(tx *gorm.DB) error {
		commission, err := c.commissionRepo.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		now := c.clock.Now()

		switch action {
		case CommissionActionApprove:
			err = c.approve(ctx, tx, batch, commission, actor, now)
		case CommissionActionReject:
			err = c.reject(ctx, tx, batch, commission, actor, reason, now)
		case CommissionActionPay:
			err = c.pay(ctx, tx, batch, commission, actor, now)
		}
		if err != nil {
			return err
		}

		updated, err = c.commissionRepo.GetByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	batch.Flush(ctx)
	return updated, nil
}

func (c *CommissionCalculator) approve(ctx context.Context, tx *gorm.DB, batch *events.Batch, commission *model.Commission, actor string, now time.Time) error {
	if commission.Status != model.CommissionStatusPending {
		return illegalCommissionTransition(commission, model.CommissionStatusApproved)
	}
	before := *commission

	if err := c.commissionRepo.UpdateStatus(ctx, tx, commission.ID, model.CommissionStatusPending, model.CommissionStatusApproved, map[string]interface{}{
		"approved_at": now,
		"approved_by": actor,
	}); err != nil {
		return mapCommissionStatusErr(err, commission, model.CommissionStatusApproved)
	}
	if err := c.conversionRepo.UpdateStatus(ctx, tx, commission.ConversionID, model.CommissionStatusPending, model.CommissionStatusApproved, now); err != nil {
		return fmt.Errorf("同步转化状态失败: %w", err)
	}

	commission.Status = model.CommissionStatusApproved
	commission.ApprovedAt = &now
	commission.ApprovedBy = actor
	return c.recordTransition(ctx, tx, batch, &before, commission, actor, events.CommissionApproved)
}

// reject 冲减待结算收益
func (c *CommissionCalculator) reject(ctx context.Context, tx *gorm.DB, batch *events.Batch, commission *model.Commission, actor, reason string, now time.Time) error {
	if commission.Status != model.CommissionStatusPending {
		return illegalCommissionTransition(commission, model.CommissionStatusRejected)
	}
	before := *commission

	if err := c.commissionRepo.UpdateStatus(ctx, tx, commission.ID, model.CommissionStatusPending, model.CommissionStatusRejected, map[string]interface{}{
		"rejected_at":      now,
		"rejection_reason": reason,
	}); err != nil {
		return mapCommissionStatusErr(err, commission, model.CommissionStatusRejected)
	}
	if err := c.conversionRepo.UpdateStatus(ctx, tx, commission.ConversionID, model.CommissionStatusPending, model.CommissionStatusRejected, now); err != nil {
		return fmt.Errorf("同步转化状态失败: %w", err)
	}
	if err := c.affiliateRepo.AddEarnings(ctx, tx, commission.AffiliateID, repository.EarningsDelta{
		Pending: commission.Amount.Neg(),
		Total:   commission.Amount.Neg(),
	}); err != nil {
		return fmt.Errorf("冲减待结算收益失败: %w", err)
	}

	commission.Status = model.CommissionStatusRejected
	commission.RejectedAt = &now
	commission.RejectionReason = reason
	return c.recordTransition(ctx, tx, batch, &before, commission, actor, events.CommissionRejected)
}

// pay 只能结算已完成打款单里的佣金
func (c *CommissionCalculator) pay(ctx context.Context, tx *gorm.DB, batch *events.Batch, commission *model.Commission, actor string, now time.Time) error {
	if commission.Status != model.CommissionStatusApproved {
		return illegalCommissionTransition(commission, model.CommissionStatusPaid)
	}
	if commission.PayoutID == nil {
		return fmt.Errorf("%w: 佣金 #%d 未分配到打款单", ErrIllegalCommissionTransition, commission.ID)
	}
	payout, err := c.payoutRepo.GetByID(ctx, tx, *commission.PayoutID)
	if err != nil {
		return err
	}
	if payout.Status != model.PayoutStatusCompleted {
		return fmt.Errorf("%w: 打款单 #%d 状态为 %s", ErrIllegalCommissionTransition, payout.ID, payout.Status)
	}
	return c.settle(ctx, tx, batch, commission, payout.ID, actor, now)
}

// settle approved -> paid，收益从待结算转入已结算
// 调用方负责确认打款单已完成
func (c *CommissionCalculator) settle(ctx context.Context, tx *gorm.DB, batch *events.Batch, commission *model.Commission, payoutID int64, actor string, now time.Time) error {
	before := *commission

	if err := c.commissionRepo.MarkPaid(ctx, tx, commission.ID, payoutID, now); err != nil {
		return mapCommissionStatusErr(err, commission, model.CommissionStatusPaid)
	}
	if err := c.conversionRepo.UpdateStatus(ctx, tx, commission.ConversionID, model.CommissionStatusApproved, model.CommissionStatusPaid, now); err != nil {
		return fmt.Errorf("同步转化状态失败: %w", err)
	}
	if err := c.affiliateRepo.AddEarnings(ctx, tx, commission.AffiliateID, repository.EarningsDelta{
		Pending: commission.Amount.Neg(),
		Paid:    commission.Amount,
	}); err != nil {
		return fmt.Errorf("结转收益失败: %w", err)
	}

	commission.Status = model.CommissionStatusPaid
	commission.PaidAt = &now
	return c.recordTransition(ctx, tx, batch, &before, commission, actor, events.CommissionPaid)
}

func (c *CommissionCalculator) recordTransition(ctx context.Context, tx *gorm.DB, batch *events.Batch, before, after *model.Commission, actor, eventType string) error {
	if err := c.audit.Record(ctx, tx, AuditRecord{
		EntityType: model.AuditEntityCommission,
		EntityID:   after.ID,
		Action:     AuditActionStatusChange,
		Actor:      actor,
		Before:     before,
		After:      after,
	}); err != nil {
		return err
	}
	evt := commissionEvent(eventType, after)
	evt.Data["from_status"] = before.Status
	evt.Data["actor"] = actor
	return batch.Add(ctx, tx, evt)
}

func commissionEvent(eventType string, commission *model.Commission) events.Event {
	data := map[string]interface{}{
		"conversion_id": commission.ConversionID,
		"amount":        commission.Amount.String(),
		"status":        commission.Status,
	}
	if commission.PayoutID != nil {
		data["payout_id"] = *commission.PayoutID
	}
	return events.Event{
		Type:          eventType,
		AggregateType: model.AuditEntityCommission,
		AggregateID:   commission.ID,
		AffiliateID:   commission.AffiliateID,
		Data:          data,
	}
}

func illegalCommissionTransition(commission *model.Commission, target string) error {
	return fmt.Errorf("%w: 佣金 #%d 当前状态 %s 不能变更为 %s",
		ErrIllegalCommissionTransition, commission.ID, commission.Status, target)
}

// 条件更新没有命中说明状态已被并发修改
func mapCommissionStatusErr(err error, commission *model.Commission, target string) error {
	if errors.Is(err, repository.ErrCommissionStatusInvalid) {
		return illegalCommissionTransition(commission, target)
	}
	return fmt.Errorf("更新佣金状态失败: %w", err)
}
