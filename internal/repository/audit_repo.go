package repository

import (
	"context"

	"affiliate/internal/model"

	"gorm.io/gorm"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create 审计流水只追加，必须与被审计的变更在同一个事务内写入
func (r *AuditRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.AuditEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

// ListByEntity 按写入顺序返回
func (r *AuditRepository) ListByEntity(ctx context.Context, entityType string, entityID int64) ([]*model.AuditEntry, error) {
	var entries []*model.AuditEntry
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}
