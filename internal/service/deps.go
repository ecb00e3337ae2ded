package service

import (
	"affiliate/internal/config"
	"affiliate/internal/events"
	"affiliate/internal/infrastructure/cache"
	"affiliate/internal/infrastructure/lock"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps 各服务共用的基础设施，由 main 统一创建后注入
type Deps struct {
	DB        *gorm.DB
	Cache     cache.Cache
	Publisher *events.Publisher
	Audit     *AuditLedger
	Clock     clockz.Clock
	Config    *config.Config
	Logger    *zap.Logger
}

// Services 组装好的全部服务
type Services struct {
	Affiliates  *AffiliateService
	Attribution *AttributionStore
	Commissions *CommissionCalculator
	Fraud       *FraudScorer
	Payouts     *PayoutBatcher
	Tracking    *TrackingService
	Reconciler  *EarningsReconciler
	Audit       *AuditLedger
}

// NewServices locker 可以为空，此时打款只依赖数据库的行锁
func NewServices(deps Deps, locker *lock.PayoutLocker) *Services {
	clicks := NewClickRecorder(deps)
	attribution := NewAttributionStore(deps, clicks)
	matcher := NewConversionMatcher(deps, attribution)
	commissions := NewCommissionCalculator(deps)
	scorer := NewFraudScorer(deps, nil)

	return &Services{
		Affiliates:  NewAffiliateService(deps),
		Attribution: attribution,
		Commissions: commissions,
		Fraud:       scorer,
		Payouts:     NewPayoutBatcher(deps, locker, commissions),
		Tracking:    NewTrackingService(deps, attribution, matcher, scorer, commissions),
		Reconciler:  NewEarningsReconciler(deps),
		Audit:       deps.Audit,
	}
}
