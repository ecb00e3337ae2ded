package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ============================================================================
// 佣金状态（转化与佣金共用同一套状态）
// ============================================================================

const (
	CommissionStatusPending  = "pending"
	CommissionStatusApproved = "approved"
	CommissionStatusRejected = "rejected"
	CommissionStatusPaid     = "paid"
)

// CommissionStatusTransitions 佣金状态机
// pending -> approved -> paid，pending -> rejected；rejected 与 paid 为终态
var CommissionStatusTransitions = map[string][]string{
	CommissionStatusPending:  {CommissionStatusApproved, CommissionStatusRejected},
	CommissionStatusApproved: {CommissionStatusPaid},
}

func CanCommissionTransitionTo(currentStatus, targetStatus string) bool {
	return canTransition(CommissionStatusTransitions, currentStatus, targetStatus)
}

// Conversion 转化记录
// order_id 可空但唯一：一个订单最多对应一条转化
type Conversion struct {
	ID                  int64                                  `gorm:"primaryKey;autoIncrement" json:"id"`
	AffiliateID         int64                                  `gorm:"index;not null" json:"affiliate_id"`
	ClickID             int64                                  `gorm:"index;not null" json:"click_id"`
	SessionID           string                                 `gorm:"type:varchar(128);index;not null" json:"session_id"`
	OrderID             *string                                `gorm:"type:varchar(64);uniqueIndex" json:"order_id"`
	OrderAmount         decimal.Decimal                        `gorm:"type:decimal(20,2);not null" json:"order_amount"`
	Currency            string                                 `gorm:"type:varchar(8);not null" json:"currency"`
	CommissionRate      decimal.Decimal                        `gorm:"type:decimal(5,2);not null" json:"commission_rate"`
	CommissionAmount    decimal.Decimal                        `gorm:"type:decimal(20,2);not null;default:0" json:"commission_amount"`
	Status              string                                 `gorm:"type:varchar(20);index;not null" json:"status"`
	IPAddress           string                                 `gorm:"type:varchar(64);index" json:"ip_address"`
	Device              string                                 `gorm:"type:varchar(64)" json:"device"`
	FraudScore          int                                    `gorm:"not null;default:0" json:"fraud_score"`
	RiskLevel           string                                 `gorm:"type:varchar(20)" json:"risk_level"`
	FraudRecommendation string                                 `gorm:"type:varchar(20)" json:"fraud_recommendation"`
	Metadata            datatypes.JSONType[ConversionMetadata] `json:"metadata"`
	ApprovedAt          *time.Time                             `json:"approved_at"`
	RejectedAt          *time.Time                             `json:"rejected_at"`
	PaidAt              *time.Time                             `json:"paid_at"`
	CreatedAt           time.Time                              `gorm:"index" json:"created_at"`
	UpdatedAt           time.Time                              `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Conversion) TableName() string {
	return "affiliate_conversion"
}
