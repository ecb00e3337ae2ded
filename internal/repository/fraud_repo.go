package repository

import (
	"context"

	"affiliate/internal/model"

	"gorm.io/gorm"
)

type FraudResultRepository struct {
	db *gorm.DB
}

func NewFraudResultRepository(db *gorm.DB) *FraudResultRepository {
	return &FraudResultRepository{db: db}
}

// Create 风控结果只插入不更新
func (r *FraudResultRepository) Create(ctx context.Context, tx *gorm.DB, result *model.FraudAnalysisResult) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(result).Error
}

// ListByAffiliateID 最近的结果在前
func (r *FraudResultRepository) ListByAffiliateID(ctx context.Context, affiliateID int64, limit int) ([]*model.FraudAnalysisResult, error) {
	var results []*model.FraudAnalysisResult
	err := r.db.WithContext(ctx).
		Where("affiliate_id = ?", affiliateID).
		Order("id DESC").
		Limit(limit).
		Find(&results).Error
	return results, err
}

func (r *FraudResultRepository) ListByRecommendation(ctx context.Context, recommendation string, limit int) ([]*model.FraudAnalysisResult, error) {
	var results []*model.FraudAnalysisResult
	err := r.db.WithContext(ctx).
		Where("recommendation = ?", recommendation).
		Order("id DESC").
		Limit(limit).
		Find(&results).Error
	return results, err
}
