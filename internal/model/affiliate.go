package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	AffiliateStatusActive    = "active"
	AffiliateStatusInactive  = "inactive"
	AffiliateStatusSuspended = "suspended"
)

// AffiliateStatusTransitions 只允许状态流转，不允许删除推广员
var AffiliateStatusTransitions = map[string][]string{
	AffiliateStatusActive:    {AffiliateStatusInactive, AffiliateStatusSuspended},
	AffiliateStatusInactive:  {AffiliateStatusActive, AffiliateStatusSuspended},
	AffiliateStatusSuspended: {AffiliateStatusActive, AffiliateStatusInactive},
}

func CanAffiliateTransitionTo(currentStatus, targetStatus string) bool {
	return canTransition(AffiliateStatusTransitions, currentStatus, targetStatus)
}

// AffiliateUser 推广员
// 关联平台用户，持有唯一推广码与佣金比例，并维护点击、转化、收益的汇总值
type AffiliateUser struct {
	ID               int64                                 `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           int64                                 `gorm:"uniqueIndex;not null" json:"user_id"`
	ReferralCode     string                                `gorm:"type:varchar(32);uniqueIndex;not null" json:"referral_code"`
	CommissionRate   decimal.Decimal                       `gorm:"type:decimal(5,2);not null" json:"commission_rate"` // 百分比
	Status           string                                `gorm:"type:varchar(20);index;not null" json:"status"`
	TotalEarnings    decimal.Decimal                       `gorm:"type:decimal(20,2);not null;default:0" json:"total_earnings"`
	PendingEarnings  decimal.Decimal                       `gorm:"type:decimal(20,2);not null;default:0" json:"pending_earnings"`
	PaidEarnings     decimal.Decimal                       `gorm:"type:decimal(20,2);not null;default:0" json:"paid_earnings"`
	TotalClicks      int64                                 `gorm:"not null;default:0" json:"total_clicks"`
	TotalConversions int64                                 `gorm:"not null;default:0" json:"total_conversions"`
	LastClickAt      *time.Time                            `json:"last_click_at"`
	LastConversionAt *time.Time                            `json:"last_conversion_at"`
	Metadata         datatypes.JSONType[AffiliateMetadata] `json:"metadata"`
	CreatedAt        time.Time                             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time                             `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AffiliateUser) TableName() string {
	return "affiliate_user"
}

func (a *AffiliateUser) IsActive() bool {
	return a.Status == AffiliateStatusActive
}
