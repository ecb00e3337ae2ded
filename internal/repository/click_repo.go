package repository

import (
	"context"
	"errors"
	"time"

	"affiliate/internal/model"

	"gorm.io/gorm"
)

var (
	ErrClickNotFound         = errors.New("点击记录不存在")
	ErrClickAlreadyConverted = errors.New("点击已转化")
)

type ClickRepository struct {
	db *gorm.DB
}

func NewClickRepository(db *gorm.DB) *ClickRepository {
	return &ClickRepository{db: db}
}

// Create 插入点击，session_id 冲突时返回 gorm.ErrDuplicatedKey
func (r *ClickRepository) Create(ctx context.Context, tx *gorm.DB, click *model.Click) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(click).Error
}

func (r *ClickRepository) GetByID(ctx context.Context, id int64) (*model.Click, error) {
	var click model.Click
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&click).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClickNotFound
		}
		return nil, err
	}
	return &click, nil
}

func (r *ClickRepository) GetBySessionID(ctx context.Context, sessionID string) (*model.Click, error) {
	var click model.Click
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&click).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClickNotFound
		}
		return nil, err
	}
	return &click, nil
}

// MarkConverted 条件更新：只有未转化的点击才能被标记，
// 两个订单并发抢同一个会话时只有一个能成功
func (r *ClickRepository) MarkConverted(ctx context.Context, tx *gorm.DB, id int64, at time.Time) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Click{}).
		Where("id = ? AND converted = ?", id, false).
		Updates(map[string]interface{}{
			"converted":    true,
			"converted_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrClickAlreadyConverted
	}
	return nil
}

// ListByAffiliateSince 推广员在 since 之后的点击，按时间正序
func (r *ClickRepository) ListByAffiliateSince(ctx context.Context, affiliateID int64, since time.Time) ([]*model.Click, error) {
	var clicks []*model.Click
	err := r.db.WithContext(ctx).
		Where("affiliate_id = ? AND created_at >= ?", affiliateID, since).
		Order("created_at ASC, id ASC").
		Find(&clicks).Error
	return clicks, err
}

func (r *ClickRepository) ListByIDs(ctx context.Context, ids []int64) ([]*model.Click, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var clicks []*model.Click
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&clicks).Error
	return clicks, err
}
