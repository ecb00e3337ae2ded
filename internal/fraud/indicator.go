// Package fraud 风控指标
//
// 每个指标是一个独立的策略，命中时返回固定分值，未命中返回 nil。
// 评分只是命中指标分值的简单相加，新增指标只需要注册，不需要改聚合逻辑。
package fraud

import (
	"context"
	"time"

	"affiliate/internal/config"
	"affiliate/internal/model"

	"github.com/shopspring/decimal"
)

// Signal 一次待评估的点击或转化
type Signal struct {
	Subject      string // model.FraudSubjectClick / model.FraudSubjectConversion
	AffiliateID  int64
	SessionID    string
	ConversionID int64
	IPAddress    string
	UserAgent    string
	ReferrerURL  string
	Country      string
	Device       string
	OrderAmount  decimal.Decimal
	ClickedAt    time.Time
	OccurredAt   time.Time
	// NewClick 点击是否新建，同一会话的重复点击为 false
	NewClick bool
}

// Indicator 风控指标
// 返回 error 表示计数器不可用，调用方按未命中处理
type Indicator interface {
	Name() string
	Evaluate(ctx context.Context, sig *Signal) (*model.FraudIndicator, error)
}

// Registry 按分析对象登记的指标集合
type Registry struct {
	indicators map[string][]Indicator
}

func NewRegistry() *Registry {
	return &Registry{indicators: make(map[string][]Indicator)}
}

// Register 同一个指标可以登记到多个分析对象上
func (r *Registry) Register(ind Indicator, subjects ...string) {
	for _, s := range subjects {
		r.indicators[s] = append(r.indicators[s], ind)
	}
}

func (r *Registry) For(subject string) []Indicator {
	return r.indicators[subject]
}

// Score 命中指标分值之和
func Score(fired []model.FraudIndicator) int {
	total := 0
	for _, ind := range fired {
		total += ind.Score
	}
	return total
}

// Classify 按分数段得出风险等级和处置建议
func Classify(score int, cfg config.FraudConfig) (riskLevel, recommendation string) {
	switch {
	case score >= cfg.CriticalThreshold:
		return model.RiskLevelCritical, model.RecommendationBlock
	case score >= cfg.HighThreshold:
		return model.RiskLevelHigh, model.RecommendationReview
	case score >= cfg.MediumThreshold:
		return model.RiskLevelMedium, model.RecommendationReview
	case score >= cfg.LowThreshold:
		return model.RiskLevelLow, model.RecommendationAllow
	default:
		return model.RiskLevelSafe, model.RecommendationAllow
	}
}
