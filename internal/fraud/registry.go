package fraud

import (
	"affiliate/internal/config"
	"affiliate/internal/infrastructure/cache"
	"affiliate/internal/model"
)

// DefaultRegistry 按配置组装全部内置指标
func DefaultRegistry(cfg config.FraudConfig, c cache.Cache) *Registry {
	r := NewRegistry()

	r.Register(&ClickFlooding{Cache: c, Threshold: cfg.ClickFloodPerMinute, Points: cfg.ClickFloodPoints}, model.FraudSubjectClick)
	r.Register(&IPVelocity{Cache: c, Threshold: cfg.IPClicksPerHour, Points: cfg.IPVelocityPoints}, model.FraudSubjectClick)
	r.Register(&IPFanout{Cache: c, MaxAffiliates: cfg.IPMaxAffiliates, Points: cfg.IPFanoutPoints}, model.FraudSubjectClick)
	r.Register(&BotActivity{
		Patterns:     cfg.BotPatterns,
		Points:       cfg.BotPoints,
		MinLength:    cfg.MinUserAgentLength,
		ShortUAScore: cfg.ShortUserAgentPoints,
	}, model.FraudSubjectClick)
	r.Register(&ReferrerSpam{Patterns: cfg.SpamReferrerPatterns, Points: cfg.ReferrerSpamPoints}, model.FraudSubjectClick)
	r.Register(&GeoAnomaly{
		Cache:         c,
		MaxCountries:  cfg.MaxCountriesPerHour,
		Points:        cfg.GeoAnomalyPoints,
		Blocked:       cfg.BlockedCountries,
		BlockedPoints: cfg.BlockedCountryPoints,
	}, model.FraudSubjectClick)

	r.Register(&RapidConversion{MinSeconds: cfg.MinConversionSeconds, Points: cfg.RapidConversionPoints}, model.FraudSubjectConversion)
	r.Register(&IdenticalAmounts{Cache: c, Max: cfg.MaxIdenticalAmounts, Points: cfg.IdenticalAmountPoints}, model.FraudSubjectConversion)
	r.Register(&ConversionRate{
		Cache:     c,
		MaxRate:   cfg.MaxConversionRate,
		MinClicks: cfg.MinClicksForRate,
		Points:    cfg.ConversionRatePoints,
	}, model.FraudSubjectClick, model.FraudSubjectConversion)
	r.Register(&IPConversions{Cache: c, Max: cfg.MaxIPConversions, Points: cfg.IPConversionPoints}, model.FraudSubjectConversion)
	r.Register(&DeviceMismatch{Cache: c, MaxDevices: cfg.MaxDevicesPerSession, Points: cfg.DeviceMismatchPoints}, model.FraudSubjectClick, model.FraudSubjectConversion)

	return r
}
