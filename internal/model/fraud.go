package model

import (
	"time"

	"gorm.io/datatypes"
)

// 风险等级
const (
	RiskLevelSafe     = "safe"
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// 处置建议
const (
	RecommendationAllow  = "allow"
	RecommendationReview = "review"
	RecommendationBlock  = "block"
)

// 分析对象
const (
	FraudSubjectClick      = "click"
	FraudSubjectConversion = "conversion"
	FraudSubjectAffiliate  = "affiliate"
)

// 指标严重程度
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// FraudIndicator 单个命中的风控指标
type FraudIndicator struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Score    int    `json:"score"`
	Details  string `json:"details"`
}

// FraudAnalysisResult 风控分析结果，创建后不再修改
type FraudAnalysisResult struct {
	ID             int64                               `gorm:"primaryKey;autoIncrement" json:"id"`
	AffiliateID    int64                               `gorm:"index;not null" json:"affiliate_id"`
	ConversionID   *int64                              `gorm:"index" json:"conversion_id"`
	SessionID      string                              `gorm:"type:varchar(128);index" json:"session_id"`
	Subject        string                              `gorm:"type:varchar(20);not null" json:"subject"`
	Indicators     datatypes.JSONSlice[FraudIndicator] `json:"indicators"`
	Score          int                                 `gorm:"not null" json:"score"`
	RiskLevel      string                              `gorm:"type:varchar(20);index;not null" json:"risk_level"`
	Recommendation string                              `gorm:"type:varchar(20);index;not null" json:"recommendation"`
	CreatedAt      time.Time                           `gorm:"index" json:"created_at"`
}

func (FraudAnalysisResult) TableName() string {
	return "fraud_analysis_result"
}
