package model

import (
	"time"

	"gorm.io/datatypes"
)

// 审计实体类型
const (
	AuditEntityAffiliate  = "affiliate"
	AuditEntityClick      = "click"
	AuditEntityConversion = "conversion"
	AuditEntityCommission = "commission"
	AuditEntityPayout     = "payout"
)

// AuditEntry 审计流水，只追加
type AuditEntry struct {
	ID         int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	EntityType string            `gorm:"type:varchar(32);index:idx_audit_entity;not null" json:"entity_type"`
	EntityID   int64             `gorm:"index:idx_audit_entity;not null" json:"entity_id"`
	Action     string            `gorm:"type:varchar(64);not null" json:"action"`
	Actor      string            `gorm:"type:varchar(64);not null" json:"actor"`
	Before     datatypes.JSONMap `json:"before"`
	After      datatypes.JSONMap `json:"after"`
	Diff       datatypes.JSONMap `json:"diff"`
	CreatedAt  time.Time         `gorm:"index" json:"created_at"`
}

func (AuditEntry) TableName() string {
	return "audit_entry"
}
