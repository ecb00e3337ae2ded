package repository

import (
	"context"
	"errors"
	"time"

	"affiliate/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCommissionNotFound      = errors.New("佣金记录不存在")
	ErrCommissionStatusInvalid = errors.New("佣金状态不合法")
)

type CommissionRepository struct {
	db *gorm.DB
}

func NewCommissionRepository(db *gorm.DB) *CommissionRepository {
	return &CommissionRepository{db: db}
}

func (r *CommissionRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Create 插入佣金，conversion_id 冲突时返回 gorm.ErrDuplicatedKey
func (r *CommissionRepository) Create(ctx context.Context, tx *gorm.DB, commission *model.Commission) error {
	return r.conn(tx).WithContext(ctx).Create(commission).Error
}

func (r *CommissionRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Commission, error) {
	var commission model.Commission
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&commission).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCommissionNotFound
		}
		return nil, err
	}
	return &commission, nil
}

// GetByIDForUpdate 加行锁查询，必须在事务中调用
func (r *CommissionRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Commission, error) {
	var commission model.Commission
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&commission).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCommissionNotFound
		}
		return nil, err
	}
	return &commission, nil
}

// GetByConversionID 未找到时返回 nil, nil
func (r *CommissionRepository) GetByConversionID(ctx context.Context, conversionID int64) (*model.Commission, error) {
	var commission model.Commission
	err := r.db.WithContext(ctx).Where("conversion_id = ?", conversionID).First(&commission).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &commission, nil
}

// ListForUpdate 按主键顺序加锁，固定加锁顺序避免死锁
func (r *CommissionRepository) ListForUpdate(ctx context.Context, tx *gorm.DB, ids []int64) ([]*model.Commission, error) {
	var commissions []*model.Commission
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&commissions).Error
	return commissions, err
}

// ClaimForPayout 把佣金分配给打款单
// 条件更新保证只有已审核且未分配的佣金会被认领，调用方需核对返回的行数
func (r *CommissionRepository) ClaimForPayout(ctx context.Context, tx *gorm.DB, ids []int64, affiliateID, payoutID int64) (int64, error) {
	result := tx.WithContext(ctx).
		Model(&model.Commission{}).
		Where("id IN ? AND affiliate_id = ? AND status = ? AND payout_id IS NULL", ids, affiliateID, model.CommissionStatusApproved).
		Update("payout_id", payoutID)
	return result.RowsAffected, result.Error
}

// ReleaseFromPayout 打款失败或取消时清空成员佣金的 payout_id，佣金可以重新打款
func (r *CommissionRepository) ReleaseFromPayout(ctx context.Context, tx *gorm.DB, payoutID int64) (int64, error) {
	result := tx.WithContext(ctx).
		Model(&model.Commission{}).
		Where("payout_id = ? AND status = ?", payoutID, model.CommissionStatusApproved).
		Update("payout_id", nil)
	return result.RowsAffected, result.Error
}

func (r *CommissionRepository) ListByPayoutID(ctx context.Context, tx *gorm.DB, payoutID int64) ([]*model.Commission, error) {
	var commissions []*model.Commission
	err := r.conn(tx).WithContext(ctx).
		Where("payout_id = ?", payoutID).
		Order("id ASC").
		Find(&commissions).Error
	return commissions, err
}

// ListAllocatable 已审核且未分配到打款单的佣金
func (r *CommissionRepository) ListAllocatable(ctx context.Context, affiliateID int64) ([]*model.Commission, error) {
	var commissions []*model.Commission
	err := r.db.WithContext(ctx).
		Where("affiliate_id = ? AND status = ? AND payout_id IS NULL", affiliateID, model.CommissionStatusApproved).
		Order("id ASC").
		Find(&commissions).Error
	return commissions, err
}

// UpdateStatus 条件更新佣金状态，extra 为需要一起写入的字段
func (r *CommissionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanCommissionTransitionTo(fromStatus, toStatus) {
		return ErrCommissionStatusInvalid
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Commission{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCommissionStatusInvalid
	}
	return nil
}

// MarkPaid approved -> paid，要求佣金仍属于该打款单
func (r *CommissionRepository) MarkPaid(ctx context.Context, tx *gorm.DB, id, payoutID int64, at time.Time) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Commission{}).
		Where("id = ? AND status = ? AND payout_id = ?", id, model.CommissionStatusApproved, payoutID).
		Updates(map[string]interface{}{
			"status":  model.CommissionStatusPaid,
			"paid_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCommissionStatusInvalid
	}
	return nil
}

// EarningsSums 按状态汇总的佣金金额
type EarningsSums struct {
	Pending decimal.Decimal // pending + approved
	Paid    decimal.Decimal
}

// SumEarnings 从佣金明细重新计算推广员收益，对账使用
func (r *CommissionRepository) SumEarnings(ctx context.Context, tx *gorm.DB, affiliateID int64) (*EarningsSums, error) {
	var rows []struct {
		Status string
		Amount decimal.Decimal
	}
	err := r.conn(tx).WithContext(ctx).
		Model(&model.Commission{}).
		Select("status, amount").
		Where("affiliate_id = ? AND status <> ?", affiliateID, model.CommissionStatusRejected).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	sums := &EarningsSums{Pending: decimal.Zero, Paid: decimal.Zero}
	for _, row := range rows {
		if row.Status == model.CommissionStatusPaid {
			sums.Paid = sums.Paid.Add(row.Amount)
		} else {
			sums.Pending = sums.Pending.Add(row.Amount)
		}
	}
	return sums, nil
}
