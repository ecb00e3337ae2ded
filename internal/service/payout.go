package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"affiliate/internal/events"
	"affiliate/internal/infrastructure/lock"
	"affiliate/internal/model"
	"affiliate/internal/repository"
	"affiliate/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CreatePayoutInput struct {
	AffiliateID   int64                `json:"affiliate_id" binding:"required"`
	CommissionIDs []int64              `json:"commission_ids" binding:"required"`
	Method        string               `json:"method" binding:"required"`
	Metadata      model.PayoutMetadata `json:"metadata"`
	Actor         string               `json:"actor"`
}

// ProcessPayoutInput Status 为目标状态：processing / completed / failed
type ProcessPayoutInput struct {
	PayoutID       int64  `json:"-"`
	Status         string `json:"status" binding:"required"`
	TransactionRef string `json:"transaction_ref"`
	FailureReason  string `json:"failure_reason"`
	Actor          string `json:"actor"`
}

// PayoutSummary 推广员当前可申请的打款情况
type PayoutSummary struct {
	AffiliateID           int64           `json:"affiliate_id"`
	EligibleCommissionIDs []int64         `json:"eligible_commission_ids"`
	EligibleCount         int             `json:"eligible_count"`
	TotalAmount           decimal.Decimal `json:"total_amount"`
	MinimumPayout         decimal.Decimal `json:"minimum_payout"`
	HasPendingPayout      bool            `json:"has_pending_payout"`
	Eligible              bool            `json:"eligible"`
	Reason                string          `json:"reason,omitempty"`
}

// PayoutBatcher 打款单
// 佣金认领在一个事务里完成：行锁 + 条件更新，认领行数必须等于佣金数量。
// Redis 锁只用于削峰，不可用时直接放行
type PayoutBatcher struct {
	db             *gorm.DB
	locker         *lock.PayoutLocker
	payoutRepo     *repository.PayoutRepository
	commissionRepo *repository.CommissionRepository
	affiliateRepo  *repository.AffiliateRepository
	commissions    *CommissionCalculator
	audit          *AuditLedger
	publisher      *events.Publisher
	minimumPayout  decimal.Decimal
	clock          clockz.Clock
	log            *zap.Logger
}

func NewPayoutBatcher(deps Deps, locker *lock.PayoutLocker, commissions *CommissionCalculator) *PayoutBatcher {
	return &PayoutBatcher{
		db:             deps.DB,
		locker:         locker,
		payoutRepo:     repository.NewPayoutRepository(deps.DB),
		commissionRepo: repository.NewCommissionRepository(deps.DB),
		affiliateRepo:  repository.NewAffiliateRepository(deps.DB),
		commissions:    commissions,
		audit:          deps.Audit,
		publisher:      deps.Publisher,
		minimumPayout:  decimal.NewFromFloat(deps.Config.Business.MinimumPayout),
		clock:          deps.Clock,
		log:            deps.Logger.Named("PayoutBatcher"),
	}
}

// CreatePayout 整批成功或整批失败
func (b *PayoutBatcher) CreatePayout(ctx context.Context, in CreatePayoutInput) (*model.Payout, error) {
	ids := uniqueIDs(in.CommissionIDs)
	if len(ids) == 0 {
		return nil, ErrEmptyPayout
	}
	if !validPayoutMethod(in.Method) {
		return nil, invalidArgument("不支持的打款方式: %s", in.Method)
	}

	if b.locker != nil {
		release, err := b.locker.Acquire(ctx, in.AffiliateID, uuid.NewString())
		switch {
		case err == nil:
			defer release()
		case errors.Is(err, lock.ErrLockFailed):
			return nil, ErrPayoutBusy
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			b.log.Warn("打款锁不可用，直接进入事务", zap.Int64("affiliate_id", in.AffiliateID), zap.Error(err))
		}
	}

	var payout *model.Payout
	batch := b.publisher.NewBatch()
	err := b.db.Transaction(func(tx *gorm.DB) error {
		if _, err := b.affiliateRepo.GetByID(ctx, tx, in.AffiliateID); err != nil {
			return err
		}

		commissions, err := b.commissionRepo.ListForUpdate(ctx, tx, ids)
		if err != nil {
			return fmt.Errorf("查询佣金失败: %w", err)
		}
		if ineligible := checkEligibility(ids, commissions, in.AffiliateID); len(ineligible) > 0 {
			return &IneligibleCommissionError{Items: ineligible}
		}

		total := decimal.Zero
		for _, c := range commissions {
			total = total.Add(c.Amount)
		}
		if !total.IsPositive() {
			return ErrEmptyPayout
		}

		payout = &model.Payout{
			PayoutNo:      idgen.GeneratePayoutNo(),
			AffiliateID:   in.AffiliateID,
			CommissionIDs: datatypes.JSONSlice[int64](ids),
			Amount:        total,
			Method:        in.Method,
			Status:        model.PayoutStatusPending,
			Metadata:      datatypes.NewJSONType(in.Metadata),
			CreatedBy:     in.Actor,
			CreatedAt:     b.clock.Now(),
		}
		if err := b.payoutRepo.Create(ctx, tx, payout); err != nil {
			return fmt.Errorf("创建打款单失败: %w", err)
		}

		// 条件更新兜底：行数不等说明有佣金在加锁后被改动
		claimed, err := b.commissionRepo.ClaimForPayout(ctx, tx, ids, in.AffiliateID, payout.ID)
		if err != nil {
			return fmt.Errorf("分配佣金失败: %w", err)
		}
		if claimed != int64(len(ids)) {
			return &IneligibleCommissionError{Items: []IneligibleCommission{{Reason: "佣金已被其他打款单占用"}}}
		}

		if err := b.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityPayout,
			EntityID:   payout.ID,
			Action:     AuditActionCreate,
			Actor:      in.Actor,
			After:      payout,
		}); err != nil {
			return err
		}
		for _, c := range commissions {
			before := *c
			c.PayoutID = &payout.ID
			if err := b.audit.Record(ctx, tx, AuditRecord{
				EntityType: model.AuditEntityCommission,
				EntityID:   c.ID,
				Action:     AuditActionPayoutClaim,
				Actor:      in.Actor,
				Before:     &before,
				After:      c,
			}); err != nil {
				return err
			}
		}

		return batch.Add(ctx, tx, payoutEvent(events.PayoutCreated, payout, in.Actor))
	})
	if err != nil {
		var ineligible *IneligibleCommissionError
		if errors.As(err, &ineligible) || errors.Is(err, ErrEmptyPayout) || errors.Is(err, repository.ErrAffiliateNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("创建打款单失败: %w", err)
	}

	batch.Flush(ctx)
	b.log.Info("打款单已创建",
		zap.String("payout_no", payout.PayoutNo),
		zap.Int64("affiliate_id", payout.AffiliateID),
		zap.Int("commissions", len(ids)),
		zap.String("amount", payout.Amount.String()))
	return payout, nil
}

func checkEligibility(ids []int64, commissions []*model.Commission, affiliateID int64) []IneligibleCommission {
	found := make(map[int64]*model.Commission, len(commissions))
	for _, c := range commissions {
		found[c.ID] = c
	}

	var out []IneligibleCommission
	for _, id := range ids {
		c, ok := found[id]
		switch {
		case !ok:
			out = append(out, IneligibleCommission{CommissionID: id, Reason: "佣金不存在"})
		case c.AffiliateID != affiliateID:
			out = append(out, IneligibleCommission{CommissionID: id, Reason: "佣金不属于该推广员"})
		case c.Status != model.CommissionStatusApproved:
			out = append(out, IneligibleCommission{CommissionID: id, Reason: fmt.Sprintf("佣金状态为 %s", c.Status)})
		case c.PayoutID != nil:
			out = append(out, IneligibleCommission{CommissionID: id, Reason: fmt.Sprintf("佣金已分配到打款单 #%d", *c.PayoutID)})
		}
	}
	return out
}

// ProcessPayout 推进打款单状态
// completed 要求交易流水号，成员佣金全部结算；failed 要求失败原因，成员佣金被释放
func (b *PayoutBatcher) ProcessPayout(ctx context.Context, in ProcessPayoutInput) (*model.Payout, error) {
	switch in.Status {
	case model.PayoutStatusProcessing:
	case model.PayoutStatusCompleted:
		if in.TransactionRef == "" {
			return nil, invalidArgument("完成打款必须提供交易流水号")
		}
	case model.PayoutStatusFailed:
		if in.FailureReason == "" {
			return nil, invalidArgument("打款失败必须提供失败原因")
		}
	default:
		return nil, fmt.Errorf("%w: 不支持的目标状态 %s", ErrIllegalPayoutTransition, in.Status)
	}

	var updated *model.Payout
	batch := b.publisher.NewBatch()
	err := b.db.Transaction(func(tx *gorm.DB) error {
		payout, err := b.payoutRepo.GetByIDForUpdate(ctx, tx, in.PayoutID)
		if err != nil {
			return err
		}
		if !model.CanPayoutTransitionTo(payout.Status, in.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalPayoutTransition, payout.Status, in.Status)
		}
		before := *payout
		now := b.clock.Now()

		var eventType string
		switch in.Status {
		case model.PayoutStatusProcessing:
			eventType = events.PayoutProcessing
			err = b.payoutRepo.UpdateStatus(ctx, tx, payout.ID, payout.Status, in.Status, map[string]interface{}{
				"processed_at": now,
			})
		case model.PayoutStatusCompleted:
			eventType = events.PayoutCompleted
			err = b.payoutRepo.UpdateStatus(ctx, tx, payout.ID, payout.Status, in.Status, map[string]interface{}{
				"transaction_ref": in.TransactionRef,
				"completed_at":    now,
			})
			if err == nil {
				err = b.settleMembers(ctx, tx, batch, payout.ID, in.Actor)
			}
		case model.PayoutStatusFailed:
			eventType = events.PayoutFailed
			err = b.payoutRepo.UpdateStatus(ctx, tx, payout.ID, payout.Status, in.Status, map[string]interface{}{
				"failure_reason": in.FailureReason,
				"failed_at":      now,
			})
			if err == nil {
				err = b.releaseMembers(ctx, tx, payout.ID, in.Actor)
			}
		}
		if err != nil {
			if errors.Is(err, repository.ErrPayoutStatusInvalid) {
				return fmt.Errorf("%w: %s -> %s", ErrIllegalPayoutTransition, payout.Status, in.Status)
			}
			return err
		}

		updated, err = b.payoutRepo.GetByID(ctx, tx, payout.ID)
		if err != nil {
			return err
		}
		if err := b.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityPayout,
			EntityID:   payout.ID,
			Action:     AuditActionStatusChange,
			Actor:      in.Actor,
			Before:     &before,
			After:      updated,
		}); err != nil {
			return err
		}
		return batch.Add(ctx, tx, payoutEvent(eventType, updated, in.Actor))
	})
	if err != nil {
		return nil, wrapPayoutErr(err)
	}

	batch.Flush(ctx)
	b.log.Info("打款单状态变更",
		zap.String("payout_no", updated.PayoutNo), zap.String("status", updated.Status))
	return updated, nil
}

// settleMembers 打款完成，成员佣金 approved -> paid
func (b *PayoutBatcher) settleMembers(ctx context.Context, tx *gorm.DB, batch *events.Batch, payoutID int64, actor string) error {
	members, err := b.commissionRepo.ListByPayoutID(ctx, tx, payoutID)
	if err != nil {
		return fmt.Errorf("查询打款单佣金失败: %w", err)
	}
	now := b.clock.Now()
	for _, c := range members {
		if c.Status == model.CommissionStatusPaid {
			continue
		}
		if err := b.commissions.settle(ctx, tx, batch, c, payoutID, actor, now); err != nil {
			return err
		}
	}
	return nil
}

// releaseMembers 清空成员佣金的 payout_id，佣金回到可分配状态
func (b *PayoutBatcher) releaseMembers(ctx context.Context, tx *gorm.DB, payoutID int64, actor string) error {
	members, err := b.commissionRepo.ListByPayoutID(ctx, tx, payoutID)
	if err != nil {
		return fmt.Errorf("查询打款单佣金失败: %w", err)
	}
	if _, err := b.commissionRepo.ReleaseFromPayout(ctx, tx, payoutID); err != nil {
		return fmt.Errorf("释放佣金失败: %w", err)
	}
	for _, c := range members {
		before := *c
		c.PayoutID = nil
		if err := b.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityCommission,
			EntityID:   c.ID,
			Action:     AuditActionPayoutRelease,
			Actor:      actor,
			Before:     &before,
			After:      c,
		}); err != nil {
			return err
		}
	}
	return nil
}

// CancelPayout 只有待处理的打款单可以取消
func (b *PayoutBatcher) CancelPayout(ctx context.Context, payoutID int64, reason, actor string) (*model.Payout, error) {
	var updated *model.Payout
	batch := b.publisher.NewBatch()
	err := b.db.Transaction(func(tx *gorm.DB) error {
		payout, err := b.payoutRepo.GetByIDForUpdate(ctx, tx, payoutID)
		if err != nil {
			return err
		}
		if payout.Status != model.PayoutStatusPending {
			return fmt.Errorf("%w: %s 状态的打款单不能取消", ErrIllegalPayoutTransition, payout.Status)
		}
		before := *payout

		if err := b.payoutRepo.UpdateStatus(ctx, tx, payout.ID, model.PayoutStatusPending, model.PayoutStatusCancelled, map[string]interface{}{
			"cancel_reason": reason,
			"cancelled_at":  b.clock.Now(),
		}); err != nil {
			if errors.Is(err, repository.ErrPayoutStatusInvalid) {
				return fmt.Errorf("%w: 打款单状态已变更", ErrIllegalPayoutTransition)
			}
			return err
		}
		if err := b.releaseMembers(ctx, tx, payout.ID, actor); err != nil {
			return err
		}

		updated, err = b.payoutRepo.GetByID(ctx, tx, payout.ID)
		if err != nil {
			return err
		}
		if err := b.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityPayout,
			EntityID:   payout.ID,
			Action:     AuditActionStatusChange,
			Actor:      actor,
			Before:     &before,
			After:      updated,
		}); err != nil {
			return err
		}
		return batch.Add(ctx, tx, payoutEvent(events.PayoutCancelled, updated, actor))
	})
	if err != nil {
		return nil, wrapPayoutErr(err)
	}

	batch.Flush(ctx)
	return updated, nil
}

// CalculatePayoutSummary 统计可打款佣金并判断是否满足申请条件
func (b *PayoutBatcher) CalculatePayoutSummary(ctx context.Context, affiliateID int64) (*PayoutSummary, error) {
	affiliate, err := b.affiliateRepo.GetByID(ctx, nil, affiliateID)
	if err != nil {
		return nil, err
	}

	commissions, err := b.commissionRepo.ListAllocatable(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("查询可打款佣金失败: %w", err)
	}

	summary := &PayoutSummary{
		AffiliateID:           affiliateID,
		EligibleCommissionIDs: make([]int64, 0, len(commissions)),
		EligibleCount:         len(commissions),
		TotalAmount:           decimal.Zero,
		MinimumPayout:         b.minimumPayout,
	}
	for _, c := range commissions {
		summary.EligibleCommissionIDs = append(summary.EligibleCommissionIDs, c.ID)
		summary.TotalAmount = summary.TotalAmount.Add(c.Amount)
	}

	for _, status := range []string{model.PayoutStatusPending, model.PayoutStatusProcessing} {
		n, err := b.payoutRepo.CountByStatus(ctx, affiliateID, status)
		if err != nil {
			return nil, fmt.Errorf("查询打款单失败: %w", err)
		}
		if n > 0 {
			summary.HasPendingPayout = true
		}
	}

	switch {
	case !affiliate.IsActive():
		summary.Reason = "推广员未激活"
	case summary.EligibleCount == 0:
		summary.Reason = "没有可打款的佣金"
	case summary.TotalAmount.LessThan(b.minimumPayout):
		summary.Reason = fmt.Sprintf("可打款金额 %s 低于最低打款金额 %s", summary.TotalAmount.StringFixed(2), b.minimumPayout.StringFixed(2))
	case summary.HasPendingPayout:
		summary.Reason = "已有处理中的打款单"
	default:
		summary.Eligible = true
	}
	return summary, nil
}

func (b *PayoutBatcher) GetPayout(ctx context.Context, payoutID int64) (*model.Payout, error) {
	return b.payoutRepo.GetByID(ctx, nil, payoutID)
}

func (b *PayoutBatcher) ListPayouts(ctx context.Context, affiliateID int64, page, pageSize int) ([]*model.Payout, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return b.payoutRepo.ListByAffiliateID(ctx, affiliateID, page, pageSize)
}

func payoutEvent(eventType string, payout *model.Payout, actor string) events.Event {
	return events.Event{
		Type:          eventType,
		AggregateType: model.AuditEntityPayout,
		AggregateID:   payout.ID,
		AffiliateID:   payout.AffiliateID,
		Data: map[string]interface{}{
			"payout_no":      payout.PayoutNo,
			"amount":         payout.Amount.String(),
			"status":         payout.Status,
			"commission_ids": []int64(payout.CommissionIDs),
			"actor":          actor,
		},
	}
}

func wrapPayoutErr(err error) error {
	if errors.Is(err, ErrIllegalPayoutTransition) ||
		errors.Is(err, ErrIllegalCommissionTransition) ||
		errors.Is(err, repository.ErrPayoutNotFound) {
		return err
	}
	return fmt.Errorf("处理打款单失败: %w", err)
}

func validPayoutMethod(method string) bool {
	for _, m := range model.ValidPayoutMethods {
		if m == method {
			return true
		}
	}
	return false
}

// uniqueIDs 去重并排序，与加锁顺序一致
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
