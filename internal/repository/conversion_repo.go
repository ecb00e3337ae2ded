package repository

import (
	"context"
	"errors"
	"time"

	"affiliate/internal/model"

	"gorm.io/gorm"
)

var (
	ErrConversionNotFound      = errors.New("转化记录不存在")
	ErrConversionStatusInvalid = errors.New("转化状态不合法")
)

type ConversionRepository struct {
	db *gorm.DB
}

func NewConversionRepository(db *gorm.DB) *ConversionRepository {
	return &ConversionRepository{db: db}
}

// Create 插入转化，order_id 冲突时返回 gorm.ErrDuplicatedKey
func (r *ConversionRepository) Create(ctx context.Context, tx *gorm.DB, conversion *model.Conversion) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(conversion).Error
}

func (r *ConversionRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Conversion, error) {
	if tx == nil {
		tx = r.db
	}
	var conversion model.Conversion
	err := tx.WithContext(ctx).Where("id = ?", id).First(&conversion).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversionNotFound
		}
		return nil, err
	}
	return &conversion, nil
}

// GetByOrderID 未找到时返回 nil, nil
func (r *ConversionRepository) GetByOrderID(ctx context.Context, orderID string) (*model.Conversion, error) {
	var conversion model.Conversion
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&conversion).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conversion, nil
}

// UpdateStatus 条件更新状态，同时写入对应的时间戳
func (r *ConversionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string, at time.Time) error {
	if !model.CanCommissionTransitionTo(fromStatus, toStatus) {
		return ErrConversionStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	switch toStatus {
	case model.CommissionStatusApproved:
		updates["approved_at"] = at
	case model.CommissionStatusRejected:
		updates["rejected_at"] = at
	case model.CommissionStatusPaid:
		updates["paid_at"] = at
	}

	result := tx.WithContext(ctx).
		Model(&model.Conversion{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConversionStatusInvalid
	}
	return nil
}

// SetCommission 写入计算出的佣金比例与金额
func (r *ConversionRepository) SetCommission(ctx context.Context, tx *gorm.DB, conversion *model.Conversion) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Conversion{}).
		Where("id = ?", conversion.ID).
		Updates(map[string]interface{}{
			"commission_rate":   conversion.CommissionRate,
			"commission_amount": conversion.CommissionAmount,
		}).Error
}

// SetFraudResult 记录风控结果
func (r *ConversionRepository) SetFraudResult(ctx context.Context, tx *gorm.DB, id int64, score int, riskLevel, recommendation string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Conversion{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"fraud_score":          score,
			"risk_level":           riskLevel,
			"fraud_recommendation": recommendation,
		}).Error
}

// ListByAffiliateSince 推广员在 since 之后的转化，按时间正序
func (r *ConversionRepository) ListByAffiliateSince(ctx context.Context, affiliateID int64, since time.Time) ([]*model.Conversion, error) {
	var conversions []*model.Conversion
	err := r.db.WithContext(ctx).
		Where("affiliate_id = ? AND created_at >= ?", affiliateID, since).
		Order("created_at ASC, id ASC").
		Find(&conversions).Error
	return conversions, err
}
