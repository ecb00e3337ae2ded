package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Commission 佣金
// 与转化一对一（conversion_id 唯一）；payout_id 只在 approved / paid 状态下非空，
// 一条佣金最多属于一个打款单
type Commission struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversionID    int64           `gorm:"uniqueIndex;not null" json:"conversion_id"`
	AffiliateID     int64           `gorm:"index;not null" json:"affiliate_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Rate            decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"rate"`
	Status          string          `gorm:"type:varchar(20);index;not null" json:"status"`
	PayoutID        *int64          `gorm:"index" json:"payout_id"`
	ApprovedAt      *time.Time      `json:"approved_at"`
	ApprovedBy      string          `gorm:"type:varchar(64)" json:"approved_by"`
	RejectedAt      *time.Time      `json:"rejected_at"`
	RejectionReason string          `gorm:"type:varchar(256)" json:"rejection_reason"`
	PaidAt          *time.Time      `json:"paid_at"`
	CreatedAt       time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Commission) TableName() string {
	return "affiliate_commission"
}

// Allocatable 可被纳入打款单：已审核且未分配
func (c *Commission) Allocatable() bool {
	return c.Status == CommissionStatusApproved && c.PayoutID == nil
}
