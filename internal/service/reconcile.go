package service

import (
	"context"
	"fmt"

	"affiliate/internal/events"
	"affiliate/internal/model"
	"affiliate/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reconcilePageSize = 200

// EarningsDrift 一个推广员的汇总值与佣金明细不一致
type EarningsDrift struct {
	AffiliateID   int64           `json:"affiliate_id"`
	StoredPending decimal.Decimal `json:"stored_pending"`
	StoredPaid    decimal.Decimal `json:"stored_paid"`
	StoredTotal   decimal.Decimal `json:"stored_total"`
	Pending       decimal.Decimal `json:"pending"`
	Paid          decimal.Decimal `json:"paid"`
}

// ReconcileReport 一轮对账的结果
type ReconcileReport struct {
	Checked int              `json:"checked"`
	Fixed   []*EarningsDrift `json:"fixed"`
	Errors  int              `json:"errors"`
}

// EarningsReconciler 以佣金明细为准修正推广员收益汇总
// pending = pending + approved 佣金之和，paid = paid 佣金之和，total = pending + paid
type EarningsReconciler struct {
	db             *gorm.DB
	affiliateRepo  *repository.AffiliateRepository
	commissionRepo *repository.CommissionRepository
	audit          *AuditLedger
	publisher      *events.Publisher
	log            *zap.Logger
}

func NewEarningsReconciler(deps Deps) *EarningsReconciler {
	return &EarningsReconciler{
		db:             deps.DB,
		affiliateRepo:  repository.NewAffiliateRepository(deps.DB),
		commissionRepo: repository.NewCommissionRepository(deps.DB),
		audit:          deps.Audit,
		publisher:      deps.Publisher,
		log:            deps.Logger.Named("EarningsReconciler"),
	}
}

// ReconcileAll 按主键分页检查全部推广员，单个推广员失败不影响其他
func (r *EarningsReconciler) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{Fixed: make([]*EarningsDrift, 0)}
	var afterID int64
	for {
		ids, err := r.affiliateRepo.ListIDsAfter(ctx, afterID, reconcilePageSize)
		if err != nil {
			return report, fmt.Errorf("查询推广员失败: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Checked++
			drift, err := r.Reconcile(ctx, id)
			if err != nil {
				report.Errors++
				r.log.Error("对账失败", zap.Int64("affiliate_id", id), zap.Error(err))
				continue
			}
			if drift != nil {
				report.Fixed = append(report.Fixed, drift)
			}
		}
		afterID = ids[len(ids)-1]
	}

	if len(report.Fixed) > 0 || report.Errors > 0 {
		r.log.Info("对账完成",
			zap.Int("checked", report.Checked),
			zap.Int("fixed", len(report.Fixed)),
			zap.Int("errors", report.Errors))
	}
	return report, nil
}

// Reconcile 修正单个推广员，没有偏差时返回 nil
func (r *EarningsReconciler) Reconcile(ctx context.Context, affiliateID int64) (*EarningsDrift, error) {
	var drift *EarningsDrift
	batch := r.publisher.NewBatch()
	err := r.db.Transaction(func(tx *gorm.DB) error {
		affiliate, err := r.affiliateRepo.GetByIDForUpdate(ctx, tx, affiliateID)
		if err != nil {
			return err
		}
		sums, err := r.commissionRepo.SumEarnings(ctx, tx, affiliateID)
		if err != nil {
			return fmt.Errorf("汇总佣金失败: %w", err)
		}

		total := sums.Pending.Add(sums.Paid)
		if affiliate.PendingEarnings.Equal(sums.Pending) &&
			affiliate.PaidEarnings.Equal(sums.Paid) &&
			affiliate.TotalEarnings.Equal(total) {
			return nil
		}

		drift = &EarningsDrift{
			AffiliateID:   affiliateID,
			StoredPending: affiliate.PendingEarnings,
			StoredPaid:    affiliate.PaidEarnings,
			StoredTotal:   affiliate.TotalEarnings,
			Pending:       sums.Pending,
			Paid:          sums.Paid,
		}
		before := *affiliate

		if err := r.affiliateRepo.SetEarnings(ctx, tx, affiliateID, sums.Pending, sums.Paid); err != nil {
			return fmt.Errorf("修正收益失败: %w", err)
		}
		affiliate.PendingEarnings = sums.Pending
		affiliate.PaidEarnings = sums.Paid
		affiliate.TotalEarnings = total

		if err := r.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityAffiliate,
			EntityID:   affiliateID,
			Action:     AuditActionReconcile,
			Actor:      SystemActor,
			Before:     &before,
			After:      affiliate,
		}); err != nil {
			return err
		}
		return batch.Add(ctx, tx, events.Event{
			Type:          events.EarningsReconciled,
			AggregateType: model.AuditEntityAffiliate,
			AggregateID:   affiliateID,
			AffiliateID:   affiliateID,
			Data: map[string]interface{}{
				"stored_pending": drift.StoredPending.String(),
				"stored_paid":    drift.StoredPaid.String(),
				"pending":        drift.Pending.String(),
				"paid":           drift.Paid.String(),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if drift != nil {
		r.log.Warn("推广员收益存在偏差，已修正",
			zap.Int64("affiliate_id", affiliateID),
			zap.String("stored_pending", drift.StoredPending.String()),
			zap.String("pending", drift.Pending.String()),
			zap.String("stored_paid", drift.StoredPaid.String()),
			zap.String("paid", drift.Paid.String()))
	}
	batch.Flush(ctx)
	return drift, nil
}
