package fraud

import (
	"context"
	"fmt"
	"strings"

	"affiliate/internal/infrastructure/cache"
	"affiliate/internal/model"
)

// ClickFlooding 同一会话一分钟内的点击次数
type ClickFlooding struct {
	Cache     cache.Cache
	Threshold int64
	Points    int
}

func (i *ClickFlooding) Name() string { return "click_flooding" }

func (i *ClickFlooding) Evaluate(ctx context.Context, sig *Signal) (*model.FraudIndicator, error) {
	count, err := i.Cache.Incr(ctx, sessionClicksKey(sig.AffiliateID, sig.SessionID), WindowMinute)
	if err != nil {
		return nil, err
	}
	if count <= i.Threshold {
		return nil, nil
	}
	return &model.FraudIndicator{
		Type:     i.Name(),
		Severity: model.SeverityHigh,
		Score:    i.Points,
		Details:  fmt.Sprintf("clicks=%d threshold=%d window=1m", count, i.Threshold),
	}, nil
}

// IPVelocity 同一 IP 一小时内的点击次数
type IPVelocity struct {
	Cache     cache.Cache
	Threshold int64
	Points    int
}

func (i *IPVelocity) Name() string { return "ip_velocity" }

func (i *IPVelocity) Evaluate(ctx context.Context, sig *Signal) (*model.FraudIndicator, error) {
	if sig.IPAddress == "" {
		return nil, nil
	}
	count, err := i.Cache.Incr(ctx, ipHourKey(sig.IPAddress), WindowHour)
	if err != nil {
		return nil, err
	}
	if count <= i.Threshold {
		return nil, nil
	}
	return &model.FraudIndicator{
		Type:     i.Name(),
		Severity: model.SeverityMedium,
		Score:    i.Points,
		Details:  fmt.Sprintf("ip=%s clicks=%d threshold=%d window=1h", sig.IPAddress, count, i.Threshold),
	}, nil
}

// IPFanout 24 小时内共用同一 IP 的推广员数量
type IPFanout struct {
	Cache         cache.Cache
	MaxAffiliates int64
	Points        int
}

func (i *IPFanout) Name() string { return "ip_fanout" }

func (i *IPFanout) Evaluate(ctx context.Context, sig *Signal) (*model.FraudIndicator, error) {
	if sig.IPAddress == "" {
		return nil, nil
	}
	count, err := i.Cache.SAdd(ctx, ipAffiliatesKey(sig.IPAddress), fmt.Sprint(sig.AffiliateID), WindowDay)
	if err != nil {
		return nil, err
	}
	if count <= i.MaxAffiliates {
		return nil, nil
	}
	return &model.FraudIndicator{
		Type:     i.Name(),
		Severity: model.SeverityHigh,
		Score:    i.Points,
		Details:  fmt.Sprintf("ip=%s affiliates=%d threshold=%d window=24h", sig.IPAddress, count, i.MaxAffiliates),
	}, nil
}

// BotActivity 爬虫特征 UA，或缺失、过短的 UA
type BotActivity struct {
	Patterns     []string
	Points       int
	MinLength    int
	ShortUAScore int
}

func (i *BotActivity) Name() string { return "bot_activity" }

func (i *BotActivity) Evaluate(_ context.Context, sig *Signal) (*model.FraudIndicator, error) {
	ua := strings.ToLower(sig.UserAgent)
	for _, p := range i.Patterns {
		if p != "" && strings.Contains(ua, strings.ToLower(p)) {
			return &model.FraudIndicator{
				Type:     i.Name(),
				Severity: model.SeverityHigh,
				Score:    i.Points,
				Details:  fmt.Sprintf("user_agent matches %q", p),
			}, nil
		}
	}
	if len(sig.UserAgent) < i.MinLength {
		return &model.FraudIndicator{
			Type:     i.Name(),
			Severity: model.SeverityMedium,
			Score:    i.ShortUAScore,
			Details:  fmt.Sprintf("user_agent missing or shorter than %d", i.MinLength),
		}, nil
	}
	return nil, nil
}

// ReferrerSpam 来源页命中垃圾站点特征
type ReferrerSpam struct {
	Patterns []string
	Points   int
}

func (i *ReferrerSpam) Name() string { return "referrer_spam" }

func (i *ReferrerSpam) Evaluate(_ context.Context, sig *Signal) (*model.FraudIndicator, error) {
	if sig.ReferrerURL == "" {
		return nil, nil
	}
	ref := strings.ToLower(sig.ReferrerURL)
	for _, p := range i.Patterns {
		if p != "" && strings.Contains(ref, strings.ToLower(p)) {
			return &model.FraudIndicator{
				Type:     i.Name(),
				Severity: model.SeverityMedium,
				Score:    i.Points,
				Details:  fmt.Sprintf("referrer matches %q", p),
			}, nil
		}
	}
	return nil, nil
}

// GeoAnomaly 禁止的国家，或同一推广员一小时内出现过多国家
type GeoAnomaly struct {
	Cache         cache.Cache
	MaxCountries  int64
	Points        int
	Blocked       []string
	BlockedPoints int
}

func (i *GeoAnomaly) Name() string { return "geo_anomaly" }

func (i *GeoAnomaly) Evaluate(ctx context.Context, sig *Signal) (*model.FraudIndicator, error) {
	if sig.Country == "" {
		return nil, nil
	}
	country := strings.ToUpper(sig.Country)
	for _, b := range i.Blocked {
		if strings.EqualFold(b, country) {
			return &model.FraudIndicator{
				Type:     i.Name(),
				Severity: model.SeverityCritical,
				Score:    i.BlockedPoints,
				Details:  fmt.Sprintf("country=%s is blocked", country),
			}, nil
		}
	}

	count, err := i.Cache.SAdd(ctx, geoKey(sig.AffiliateID), country, WindowHour)
	if err != nil {
		return nil, err
	}
	if count <= i.MaxCountries {
		return nil, nil
	}
	return &model.FraudIndicator{
		Type:     i.Name(),
		Severity: model.SeverityHigh,
		Score:    i.Points,
		Details:  fmt.Sprintf("countries=%d threshold=%d window=1h", count, i.MaxCountries),
	}, nil
}
