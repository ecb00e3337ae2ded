package fraud

import (
	"context"
	"errors"
	"fmt"

	"affiliate/internal/infrastructure/cache"
	"affiliate/internal/model"
)

// RapidConversion 点击到下单的间隔过短
type RapidConversion struct {
	MinSeconds int
	Points     int
}

func (i *RapidConversion) Name() string { return "rapid_conversion" }

func (i *RapidConversion) Evaluate(_ context.Context, sig *Signal) (*model.FraudIndicator, error) {
	if sig.ClickedAt.IsZero() {
		return nil, nil
	}
	elapsed := sig.OccurredAt.Sub(sig.ClickedAt)
	if elapsed.Seconds() >= float64(i.MinSeconds) {
		return nil, nil
	}
	return &model.FraudIndicator{
		Type:     i.Name(),
		Severity: model.SeverityHigh,
		Score:    i.Points,
		Details:  fmt.Sprintf("seconds_from_click=%.0f threshold=%d", elapsed.Seconds(), i.MinSeconds),
	}, nil
}

// IdenticalAmounts 24 小时内同一推广员重复出现相同订单金额
type IdenticalAmounts struct {
	Cache  cache.Cache
	Max    int64
	Points int
}

func (i *IdenticalAmounts) Name() string { return "conversion_pattern" }

func (i *IdenticalAmounts) Evaluate(ctx context.Context, sig *Signal) (*model.FraudIndicator, error) {
	count, err := i.Cache.Incr(ctx, amountKey(sig.AffiliateID, sig.OrderAmount), WindowDay)
	if err != nil {
		return nil, err
	}
	if count <= i.Max {
		return nil, nil
	}
	return &model.FraudIndicator{
		Type:     i.Name(),
		Severity: model.SeverityHigh,
		Score:    i.Points,
		Details:  fmt.Sprintf("identical_amounts=%d amount=%s window=24h", count, sig.OrderAmount.StringFixed(2)),
	}, nil
}

// ConversionRate 24 小时转化率异常
// 同时登记在点击和转化上：新建的点击累计分母，转化时累计分子并判断
type ConversionRate struct {
	Cache     cache.Cache
	MaxRate   float64
	MinClicks int64
	Points    int
}

func (i *ConversionRate) Name() string { return "conversion_rate" }

func (i *ConversionRate) Evaluate(ctx context.Context, sig *Signal) (*model.FraudIndicator, error) {
	if sig.Subject == model.FraudSubjectClick {
		if !sig.NewClick {
			return nil, nil
		}
		_, err := i.Cache.Incr(ctx, affiliateClicksKey(sig.AffiliateID), WindowDay)
		return nil, err
	}

	conversions, err := i.Cache.Incr(ctx, affiliateConversionsKey(sig.AffiliateID), WindowDay)
	if err != nil {
		return nil, err
	}
	raw, err := i.Cache.Get(ctx, affiliateClicksKey(sig.AffiliateID))
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	var clicks int64
	if _, err := fmt.Sscan(raw, &clicks); err != nil || clicks < i.MinClicks || clicks == 0 {
		return nil, nil
	}

	rate := float64(conversions) / float64(clicks)
	if rate <= i.MaxRate {
		return nil, nil
	}
	return &model.FraudIndicator{
		Type:     i.Name(),
		Severity: model.SeverityMedium,
		Score:    i.Points,
		Details:  fmt.Sprintf("rate=%.2f clicks=%d conversions=%d threshold=%.2f window=24h", rate, clicks, conversions, i.MaxRate),
	}, nil
}

// IPConversions 24 小时内同一 IP 为同一推广员带来的转化数
type IPConversions struct {
	Cache  cache.Cache
	Max    int64
	Points int
}

func (i *IPConversions) Name() string { return "ip_conversions" }

func (i *IPConversions) Evaluate(ctx context.Context, sig *Signal) (*model.FraudIndicator, error) {
	if sig.IPAddress == "" {
		return nil, nil
	}
	count, err := i.Cache.Incr(ctx, ipConversionsKey(sig.AffiliateID, sig.IPAddress), WindowDay)
	if err != nil {
		return nil, err
	}
	if count <= i.Max {
		return nil, nil
	}
	return &model.FraudIndicator{
		Type:     i.Name(),
		Severity: model.SeverityHigh,
		Score:    i.Points,
		Details:  fmt.Sprintf("ip=%s conversions=%d threshold=%d window=24h", sig.IPAddress, count, i.Max),
	}, nil
}

// DeviceMismatch 同一会话 7 天内出现的设备数
// 点击时只记录设备，转化时判断
type DeviceMismatch struct {
	Cache      cache.Cache
	MaxDevices int64
	Points     int
}

func (i *DeviceMismatch) Name() string { return "device_mismatch" }

func (i *DeviceMismatch) Evaluate(ctx context.Context, sig *Signal) (*model.FraudIndicator, error) {
	if sig.Device == "" || sig.SessionID == "" {
		return nil, nil
	}
	count, err := i.Cache.SAdd(ctx, sessionDevicesKey(sig.SessionID), sig.Device, WindowWeek)
	if err != nil {
		return nil, err
	}
	if sig.Subject != model.FraudSubjectConversion || count <= i.MaxDevices {
		return nil, nil
	}
	return &model.FraudIndicator{
		Type:     i.Name(),
		Severity: model.SeverityMedium,
		Score:    i.Points,
		Details:  fmt.Sprintf("devices=%d threshold=%d window=7d", count, i.MaxDevices),
	}, nil
}
