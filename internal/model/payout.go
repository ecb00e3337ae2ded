package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusCompleted  = "completed"
	PayoutStatusFailed     = "failed"
	PayoutStatusCancelled  = "cancelled"
)

// PayoutStatusTransitions 打款单状态机
// cancelled 只能由 pending 取消得到，见 CancelPayout
var PayoutStatusTransitions = map[string][]string{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusCancelled},
	PayoutStatusProcessing: {PayoutStatusCompleted, PayoutStatusFailed},
}

func CanPayoutTransitionTo(currentStatus, targetStatus string) bool {
	return canTransition(PayoutStatusTransitions, currentStatus, targetStatus)
}

// 打款方式
const (
	PayoutMethodBankTransfer = "bank_transfer"
	PayoutMethodPayPal       = "paypal"
	PayoutMethodStripe       = "stripe"
)

var ValidPayoutMethods = []string{PayoutMethodBankTransfer, PayoutMethodPayPal, PayoutMethodStripe}

// Payout 打款单
// amount 必须等于成员佣金金额之和；commission_ids 记录创建时结算的佣金，
// 失败或取消后成员佣金的 payout_id 被清空，但这里的历史记录保留
type Payout struct {
	ID             int64                              `gorm:"primaryKey;autoIncrement" json:"id"`
	PayoutNo       string                             `gorm:"type:varchar(64);uniqueIndex;not null" json:"payout_no"`
	AffiliateID    int64                              `gorm:"index;not null" json:"affiliate_id"`
	CommissionIDs  datatypes.JSONSlice[int64]         `json:"commission_ids"`
	Amount         decimal.Decimal                    `gorm:"type:decimal(20,2);not null" json:"amount"`
	Method         string                             `gorm:"type:varchar(32);not null" json:"method"`
	Status         string                             `gorm:"type:varchar(20);index;not null" json:"status"`
	TransactionRef string                             `gorm:"type:varchar(128)" json:"transaction_ref"`
	FailureReason  string                             `gorm:"type:varchar(256)" json:"failure_reason"`
	CancelReason   string                             `gorm:"type:varchar(256)" json:"cancel_reason"`
	Metadata       datatypes.JSONType[PayoutMetadata] `json:"metadata"`
	CreatedBy      string                             `gorm:"type:varchar(64)" json:"created_by"`
	ProcessedAt    *time.Time                         `json:"processed_at"`
	CompletedAt    *time.Time                         `json:"completed_at"`
	FailedAt       *time.Time                         `json:"failed_at"`
	CancelledAt    *time.Time                         `json:"cancelled_at"`
	CreatedAt      time.Time                          `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time                          `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payout) TableName() string {
	return "affiliate_payout"
}
