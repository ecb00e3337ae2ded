package repository

import (
	"context"
	"errors"

	"affiliate/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrPayoutNotFound      = errors.New("打款单不存在")
	ErrPayoutStatusInvalid = errors.New("打款单状态不合法")
)

type PayoutRepository struct {
	db *gorm.DB
}

func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

func (r *PayoutRepository) Create(ctx context.Context, tx *gorm.DB, payout *model.Payout) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(payout).Error
}

func (r *PayoutRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Payout, error) {
	if tx == nil {
		tx = r.db
	}
	var payout model.Payout
	err := tx.WithContext(ctx).Where("id = ?", id).First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &payout, nil
}

// GetByIDForUpdate 加行锁查询，必须在事务中调用
func (r *PayoutRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Payout, error) {
	var payout model.Payout
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &payout, nil
}

// UpdateStatus 条件更新打款单状态，extra 为需要一起写入的字段
func (r *PayoutRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanPayoutTransitionTo(fromStatus, toStatus) {
		return ErrPayoutStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Payout{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPayoutStatusInvalid
	}
	return nil
}

func (r *PayoutRepository) CountByStatus(ctx context.Context, affiliateID int64, status string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Payout{}).
		Where("affiliate_id = ? AND status = ?", affiliateID, status).
		Count(&count).Error
	return count, err
}

func (r *PayoutRepository) ListByAffiliateID(ctx context.Context, affiliateID int64, page, pageSize int) ([]*model.Payout, int64, error) {
	var payouts []*model.Payout
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Payout{}).Where("affiliate_id = ?", affiliateID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&payouts).Error

	return payouts, total, err
}
