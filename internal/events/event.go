// Package events 领域事件
//
// 事件先随业务数据在同一个事务里写入本地消息表（outbox），事务提交后
// 再投递给进程内订阅者；Kafka 的投递由 OutboxSender 异步完成。
package events

import (
	"time"
)

// 事件类型
const (
	ClickRecorded          = "click.recorded"
	ConversionCreated      = "conversion.created"
	CommissionCreated      = "commission.created"
	CommissionApproved     = "commission.approved"
	CommissionRejected     = "commission.rejected"
	CommissionPaid         = "commission.paid"
	PayoutCreated          = "payout.created"
	PayoutProcessing       = "payout.processing"
	PayoutCompleted        = "payout.completed"
	PayoutFailed           = "payout.failed"
	PayoutCancelled        = "payout.cancelled"
	FraudAffiliateFlagged  = "fraud.affiliate.flagged"
	FraudReviewQueued      = "fraud.review.queued"
	AffiliateEnrolled      = "affiliate.enrolled"
	AffiliateStatusChanged = "affiliate.status_changed"
	AffiliateRateChanged   = "affiliate.rate_changed"
	EarningsReconciled     = "affiliate.earnings_reconciled"
)

// Event 领域事件
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   int64                  `json:"aggregate_id"`
	AffiliateID   int64                  `json:"affiliate_id"`
	OccurredAt    time.Time              `json:"occurred_at"`
	Data          map[string]interface{} `json:"data,omitempty"`
}
