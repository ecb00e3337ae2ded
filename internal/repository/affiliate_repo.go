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
	ErrAffiliateNotFound      = errors.New("推广员不存在")
	ErrAffiliateStatusInvalid = errors.New("推广员状态不合法")
)

type AffiliateRepository struct {
	db *gorm.DB
}

func NewAffiliateRepository(db *gorm.DB) *AffiliateRepository {
	return &AffiliateRepository{db: db}
}

func (r *AffiliateRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *AffiliateRepository) Create(ctx context.Context, tx *gorm.DB, affiliate *model.AffiliateUser) error {
	return r.conn(tx).WithContext(ctx).Create(affiliate).Error
}

func (r *AffiliateRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.AffiliateUser, error) {
	var affiliate model.AffiliateUser
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&affiliate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &affiliate, nil
}

// GetByIDForUpdate 加行锁查询，必须在事务中调用
func (r *AffiliateRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.AffiliateUser, error) {
	var affiliate model.AffiliateUser
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&affiliate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &affiliate, nil
}

func (r *AffiliateRepository) GetByReferralCode(ctx context.Context, code string) (*model.AffiliateUser, error) {
	var affiliate model.AffiliateUser
	err := r.db.WithContext(ctx).Where("referral_code = ?", code).First(&affiliate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &affiliate, nil
}

// GetByUserID 未找到时返回 nil, nil
func (r *AffiliateRepository) GetByUserID(ctx context.Context, userID int64) (*model.AffiliateUser, error) {
	var affiliate model.AffiliateUser
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&affiliate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &affiliate, nil
}

// IncrementClicks 点击数 +1 并更新最近点击时间
func (r *AffiliateRepository) IncrementClicks(ctx context.Context, tx *gorm.DB, id int64, at time.Time) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.AffiliateUser{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_clicks":  gorm.Expr("total_clicks + 1"),
			"last_click_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}

// IncrementConversions 转化数 +1 并更新最近转化时间
func (r *AffiliateRepository) IncrementConversions(ctx context.Context, tx *gorm.DB, id int64, at time.Time) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.AffiliateUser{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_conversions":  gorm.Expr("total_conversions + 1"),
			"last_conversion_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}

// EarningsDelta 收益变动量，可以为负
type EarningsDelta struct {
	Pending decimal.Decimal
	Paid    decimal.Decimal
	Total   decimal.Decimal
}

// AddEarnings 原子地调整三项收益
// 使用 SQL 表达式累加，不依赖读出来的旧值
func (r *AffiliateRepository) AddEarnings(ctx context.Context, tx *gorm.DB, id int64, delta EarningsDelta) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.AffiliateUser{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"pending_earnings": gorm.Expr("pending_earnings + ?", delta.Pending),
			"paid_earnings":    gorm.Expr("paid_earnings + ?", delta.Paid),
			"total_earnings":   gorm.Expr("total_earnings + ?", delta.Total),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}

// SetEarnings 直接覆盖收益，只给对账任务使用
func (r *AffiliateRepository) SetEarnings(ctx context.Context, tx *gorm.DB, id int64, pending, paid decimal.Decimal) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.AffiliateUser{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"pending_earnings": pending,
			"paid_earnings":    paid,
			"total_earnings":   pending.Add(paid),
		}).Error
}

// UpdateStatus 条件更新状态，防止并发覆盖
func (r *AffiliateRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string) error {
	if !model.CanAffiliateTransitionTo(fromStatus, toStatus) {
		return ErrAffiliateStatusInvalid
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.AffiliateUser{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAffiliateStatusInvalid
	}
	return nil
}

func (r *AffiliateRepository) UpdateCommissionRate(ctx context.Context, tx *gorm.DB, id int64, rate decimal.Decimal) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.AffiliateUser{}).
		Where("id = ?", id).
		Update("commission_rate", rate).Error
}

// ListIDsAfter 按主键分页遍历，对账任务使用
func (r *AffiliateRepository) ListIDsAfter(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.AffiliateUser{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
