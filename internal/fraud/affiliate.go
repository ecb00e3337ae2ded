package fraud

import (
	"fmt"
	"strings"
	"time"

	"affiliate/internal/config"
	"affiliate/internal/model"

	"github.com/shopspring/decimal"
)

// 推广员整体分析的判定阈值
const (
	minSessionDiversity = 0.3
	minIPDiversity      = 0.2
	minAmountDiversity  = 0.3

	anomalyConversionRate   = 30.0 // 百分比
	anomalySecondsToConvert = 60.0
	anomalyIPDiversity      = 0.3
	anomalyDeviceDiversity  = 0.2
)

// 速度统计窗口
var velocityWindows = []time.Duration{time.Minute, 5 * time.Minute, time.Hour, WindowDay}

type ClickPatterns struct {
	TotalClicks    int      `json:"total_clicks"`
	UniqueSessions int      `json:"unique_sessions"`
	UniqueIPs      int      `json:"unique_ips"`
	Suspicious     bool     `json:"suspicious"`
	Reasons        []string `json:"reasons"`
}

type ConversionPatterns struct {
	TotalConversions int             `json:"total_conversions"`
	UniqueAmounts    int             `json:"unique_amounts"`
	AverageAmount    decimal.Decimal `json:"average_amount"`
	Suspicious       bool            `json:"suspicious"`
	Reasons          []string        `json:"reasons"`
}

// AffiliateMetrics 最近 24 小时的比率指标
// AverageSecondsToConvert 只统计能找到点击时间的转化，TimedConversions 为 0 时无意义
type AffiliateMetrics struct {
	Clicks                  int     `json:"clicks"`
	Conversions             int     `json:"conversions"`
	ConversionRate          float64 `json:"conversion_rate"`
	AverageSecondsToConvert float64 `json:"average_seconds_to_convert"`
	TimedConversions        int     `json:"timed_conversions"`
	IPDiversity             float64 `json:"ip_diversity"`
	DeviceDiversity         float64 `json:"device_diversity"`
}

// AffiliatePatterns 推广员最近的行为特征
type AffiliatePatterns struct {
	Clicks       ClickPatterns      `json:"click_patterns"`
	Conversions  ConversionPatterns `json:"conversion_patterns"`
	Velocity     map[string]int     `json:"velocity"`
	Metrics      AffiliateMetrics   `json:"metrics"`
	AnomalyScore int                `json:"anomaly_score"`
}

// AnalyzeClickPatterns 会话或 IP 过于集中视为可疑
func AnalyzeClickPatterns(clicks []*model.Click) ClickPatterns {
	p := ClickPatterns{TotalClicks: len(clicks), Reasons: []string{}}
	sessions := make(map[string]struct{}, len(clicks))
	ips := make(map[string]struct{}, len(clicks))
	for _, c := range clicks {
		sessions[c.SessionID] = struct{}{}
		ips[c.IPAddress] = struct{}{}
	}
	p.UniqueSessions = len(sessions)
	p.UniqueIPs = len(ips)

	total := float64(p.TotalClicks)
	if float64(p.UniqueSessions) < total*minSessionDiversity {
		p.Suspicious = true
		p.Reasons = append(p.Reasons, "low_session_diversity")
	}
	if float64(p.UniqueIPs) < total*minIPDiversity {
		p.Suspicious = true
		p.Reasons = append(p.Reasons, "low_ip_diversity")
	}
	return p
}

// AnalyzeConversionPatterns 订单金额过于集中视为可疑
func AnalyzeConversionPatterns(conversions []*model.Conversion) ConversionPatterns {
	p := ConversionPatterns{TotalConversions: len(conversions), AverageAmount: decimal.Zero, Reasons: []string{}}
	if len(conversions) == 0 {
		return p
	}

	amounts := make(map[string]struct{}, len(conversions))
	sum := decimal.Zero
	for _, c := range conversions {
		amounts[c.OrderAmount.StringFixed(2)] = struct{}{}
		sum = sum.Add(c.OrderAmount)
	}
	p.UniqueAmounts = len(amounts)
	p.AverageAmount = sum.Div(decimal.NewFromInt(int64(len(conversions)))).Round(2)

	if float64(p.UniqueAmounts) < float64(p.TotalConversions)*minAmountDiversity {
		p.Suspicious = true
		p.Reasons = append(p.Reasons, "low_amount_diversity")
	}
	return p
}

// Velocity 各窗口内的点击数，key 为窗口秒数，如 "60s"
func Velocity(clicks []*model.Click, now time.Time) map[string]int {
	out := make(map[string]int, len(velocityWindows))
	for _, w := range velocityWindows {
		key := fmt.Sprintf("%ds", int(w.Seconds()))
		out[key] = 0
		for _, c := range clicks {
			if now.Sub(c.CreatedAt) <= w {
				out[key]++
			}
		}
	}
	return out
}

// ComputeMetrics clickedAt 为转化对应点击的时间
func ComputeMetrics(clicks []*model.Click, conversions []*model.Conversion, clickedAt map[int64]time.Time) AffiliateMetrics {
	m := AffiliateMetrics{Clicks: len(clicks), Conversions: len(conversions)}

	var totalSeconds float64
	for _, c := range conversions {
		at, ok := clickedAt[c.ClickID]
		if !ok {
			continue
		}
		totalSeconds += c.CreatedAt.Sub(at).Seconds()
		m.TimedConversions++
	}
	if m.TimedConversions > 0 {
		m.AverageSecondsToConvert = totalSeconds / float64(m.TimedConversions)
	}

	if m.Clicks == 0 {
		return m
	}
	ips := make(map[string]struct{}, len(clicks))
	devices := make(map[string]struct{}, len(clicks))
	for _, c := range clicks {
		ips[c.IPAddress] = struct{}{}
		devices[c.Device] = struct{}{}
	}
	total := float64(m.Clicks)
	m.ConversionRate = float64(m.Conversions) / total * 100
	m.IPDiversity = float64(len(ips)) / total
	m.DeviceDiversity = float64(len(devices)) / total
	return m
}

// AnomalyScore 偏离正常行为的程度，0-100
// 没有点击时比率指标无意义，返回 0
func AnomalyScore(m AffiliateMetrics) int {
	if m.Clicks == 0 {
		return 0
	}
	score := 0
	if m.ConversionRate > anomalyConversionRate {
		score += 20
	}
	if m.TimedConversions > 0 && m.AverageSecondsToConvert < anomalySecondsToConvert {
		score += 30
	}
	if m.IPDiversity < anomalyIPDiversity {
		score += 25
	}
	if m.DeviceDiversity < anomalyDeviceDiversity {
		score += 25
	}
	if score > 100 {
		score = 100
	}
	return score
}

// AssessAffiliate 把行为特征换算成命中指标
func AssessAffiliate(p AffiliatePatterns, cfg config.FraudConfig) []model.FraudIndicator {
	fired := make([]model.FraudIndicator, 0, 3)
	if p.Clicks.Suspicious {
		fired = append(fired, model.FraudIndicator{
			Type:     "click_flooding",
			Severity: model.SeverityHigh,
			Score:    cfg.ClickPatternPoints,
			Details: fmt.Sprintf("clicks=%d sessions=%d ips=%d reasons=%s window=24h",
				p.Clicks.TotalClicks, p.Clicks.UniqueSessions, p.Clicks.UniqueIPs, strings.Join(p.Clicks.Reasons, ",")),
		})
	}
	if p.Conversions.Suspicious {
		fired = append(fired, model.FraudIndicator{
			Type:     "conversion_pattern",
			Severity: model.SeverityHigh,
			Score:    cfg.AmountPatternPoints,
			Details: fmt.Sprintf("conversions=%d unique_amounts=%d reasons=%s window=7d",
				p.Conversions.TotalConversions, p.Conversions.UniqueAmounts, strings.Join(p.Conversions.Reasons, ",")),
		})
	}
	if p.AnomalyScore > cfg.AnomalyAlertScore {
		fired = append(fired, model.FraudIndicator{
			Type:     "bot_activity",
			Severity: model.SeverityCritical,
			Score:    p.AnomalyScore,
			Details:  fmt.Sprintf("anomaly_score=%d", p.AnomalyScore),
		})
	}
	return fired
}

// Recommendations 给运营的处置建议
func Recommendations(riskLevel string, p AffiliatePatterns, cfg config.FraudConfig) []string {
	out := make([]string, 0)
	switch riskLevel {
	case model.RiskLevelCritical:
		out = append(out, "建议立即暂停推广员", "需要人工复核近期全部交易")
	case model.RiskLevelHigh:
		out = append(out, "加强对该推广员的监控", "要求补充身份验证")
	}
	if p.Clicks.Suspicious {
		out = append(out, "排查点击来源")
	}
	if p.Conversions.Suspicious {
		out = append(out, "核实转化订单真实性")
	}
	if p.AnomalyScore > cfg.AnomalyAlertScore {
		out = append(out, "考虑收紧校验规则")
	}
	return out
}
