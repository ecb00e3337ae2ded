package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
	Business BusinessConfig `mapstructure:"business"`
	Fraud    FraudConfig    `mapstructure:"fraud"`
}

type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`
	BaseURL string `mapstructure:"base_url"` // 推广链接的落地页地址
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	OpTimeoutMs int    `mapstructure:"op_timeout_ms"`
}

// OpTimeout 单次缓存操作超时，超时按未命中处理
func (c RedisConfig) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutMs) * time.Millisecond
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Tracking   string `mapstructure:"tracking"`
	Commission string `mapstructure:"commission"`
	Payout     string `mapstructure:"payout"`
	Fraud      string `mapstructure:"fraud"`
	Affiliate  string `mapstructure:"affiliate"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // console / json
}

type BusinessConfig struct {
	AttributionWindowHours   int     `mapstructure:"attribution_window_hours"`
	DefaultCommissionRate    float64 `mapstructure:"default_commission_rate"`
	MinimumPayout            float64 `mapstructure:"minimum_payout"`
	PayoutLockSeconds        int     `mapstructure:"payout_lock_seconds"`
	ReconcileIntervalSeconds int     `mapstructure:"reconcile_interval_seconds"`
	OutboxIntervalMs         int     `mapstructure:"outbox_interval_ms"`
	OutboxBatchSize          int     `mapstructure:"outbox_batch_size"`
	MaxRetryCount            int     `mapstructure:"max_retry_count"`
	EventWorkers             int     `mapstructure:"event_workers"`
}

func (c BusinessConfig) AttributionWindow() time.Duration {
	return time.Duration(c.AttributionWindowHours) * time.Hour
}

func (c BusinessConfig) PayoutLockTTL() time.Duration {
	return time.Duration(c.PayoutLockSeconds) * time.Second
}

func (c BusinessConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func (c BusinessConfig) OutboxInterval() time.Duration {
	return time.Duration(c.OutboxIntervalMs) * time.Millisecond
}

// FraudConfig 风控阈值与分值
// 各指标的阈值和分值都是可调的策略参数
type FraudConfig struct {
	ClickFloodPerMinute   int64    `mapstructure:"click_flood_per_minute"`
	ClickFloodPoints      int      `mapstructure:"click_flood_points"`
	IPClicksPerHour       int64    `mapstructure:"ip_clicks_per_hour"`
	IPVelocityPoints      int      `mapstructure:"ip_velocity_points"`
	IPMaxAffiliates       int64    `mapstructure:"ip_max_affiliates"`
	IPFanoutPoints        int      `mapstructure:"ip_fanout_points"`
	BotPatterns           []string `mapstructure:"bot_patterns"`
	BotPoints             int      `mapstructure:"bot_points"`
	MinUserAgentLength    int      `mapstructure:"min_user_agent_length"`
	ShortUserAgentPoints  int      `mapstructure:"short_user_agent_points"`
	SpamReferrerPatterns  []string `mapstructure:"spam_referrer_patterns"`
	ReferrerSpamPoints    int      `mapstructure:"referrer_spam_points"`
	MaxCountriesPerHour   int64    `mapstructure:"max_countries_per_hour"`
	GeoAnomalyPoints      int      `mapstructure:"geo_anomaly_points"`
	BlockedCountries      []string `mapstructure:"blocked_countries"`
	BlockedCountryPoints  int      `mapstructure:"blocked_country_points"`
	MinConversionSeconds  int      `mapstructure:"min_conversion_seconds"`
	RapidConversionPoints int      `mapstructure:"rapid_conversion_points"`
	MaxIdenticalAmounts   int64    `mapstructure:"max_identical_amounts"`
	IdenticalAmountPoints int      `mapstructure:"identical_amount_points"`
	MaxConversionRate     float64  `mapstructure:"max_conversion_rate"`
	MinClicksForRate      int64    `mapstructure:"min_clicks_for_rate"`
	ConversionRatePoints  int      `mapstructure:"conversion_rate_points"`
	MaxIPConversions      int64    `mapstructure:"max_ip_conversions"`
	IPConversionPoints    int      `mapstructure:"ip_conversion_points"`
	MaxDevicesPerSession  int64    `mapstructure:"max_devices_per_session"`
	DeviceMismatchPoints  int      `mapstructure:"device_mismatch_points"`
	LowThreshold          int      `mapstructure:"low_threshold"`
	MediumThreshold       int      `mapstructure:"medium_threshold"`
	HighThreshold         int      `mapstructure:"high_threshold"`
	CriticalThreshold     int      `mapstructure:"critical_threshold"`
	ClickPatternPoints    int      `mapstructure:"click_pattern_points"`
	AmountPatternPoints   int      `mapstructure:"amount_pattern_points"`
	AnomalyAlertScore     int      `mapstructure:"anomaly_alert_score"`
	HistorySize           int64    `mapstructure:"history_size"`
	HistoryTTLHours       int      `mapstructure:"history_ttl_hours"`
}

func (c FraudConfig) HistoryTTL() time.Duration {
	return time.Duration(c.HistoryTTLHours) * time.Hour
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.base_url", "http://localhost:3000")

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.database", "affiliate")
	v.SetDefault("mysql.max_open_conns", 100)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.log_level", "warn")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.op_timeout_ms", 200)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.tracking", "affiliate-tracking")
	v.SetDefault("kafka.topic.commission", "affiliate-commission")
	v.SetDefault("kafka.topic.payout", "affiliate-payout")
	v.SetDefault("kafka.topic.fraud", "affiliate-fraud")
	v.SetDefault("kafka.topic.affiliate", "affiliate-user")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")

	v.SetDefault("business.attribution_window_hours", 30*24)
	v.SetDefault("business.default_commission_rate", 10)
	v.SetDefault("business.minimum_payout", 50)
	v.SetDefault("business.payout_lock_seconds", 30)
	v.SetDefault("business.reconcile_interval_seconds", 600)
	v.SetDefault("business.outbox_interval_ms", 100)
	v.SetDefault("business.outbox_batch_size", 100)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.event_workers", 4)

	v.SetDefault("fraud.click_flood_per_minute", 10)
	v.SetDefault("fraud.click_flood_points", 40)
	v.SetDefault("fraud.ip_clicks_per_hour", 50)
	v.SetDefault("fraud.ip_velocity_points", 25)
	v.SetDefault("fraud.ip_max_affiliates", 3)
	v.SetDefault("fraud.ip_fanout_points", 35)
	v.SetDefault("fraud.bot_patterns", []string{"bot", "crawler", "spider", "scraper", "curl", "wget", "python", "headless", "phantom", "selenium"})
	v.SetDefault("fraud.bot_points", 50)
	v.SetDefault("fraud.min_user_agent_length", 20)
	v.SetDefault("fraud.short_user_agent_points", 20)
	v.SetDefault("fraud.spam_referrer_patterns", []string{"spam", "bot", "test", "casino", "xxx", "porn", "viagra", "pills"})
	v.SetDefault("fraud.referrer_spam_points", 25)
	v.SetDefault("fraud.max_countries_per_hour", 3)
	v.SetDefault("fraud.geo_anomaly_points", 40)
	v.SetDefault("fraud.blocked_countries", []string{})
	v.SetDefault("fraud.blocked_country_points", 60)
	v.SetDefault("fraud.min_conversion_seconds", 30)
	v.SetDefault("fraud.rapid_conversion_points", 45)
	v.SetDefault("fraud.max_identical_amounts", 3)
	v.SetDefault("fraud.identical_amount_points", 35)
	v.SetDefault("fraud.max_conversion_rate", 0.5)
	v.SetDefault("fraud.min_clicks_for_rate", 10)
	v.SetDefault("fraud.conversion_rate_points", 30)
	v.SetDefault("fraud.max_ip_conversions", 3)
	v.SetDefault("fraud.ip_conversion_points", 40)
	v.SetDefault("fraud.max_devices_per_session", 2)
	v.SetDefault("fraud.device_mismatch_points", 25)
	v.SetDefault("fraud.low_threshold", 20)
	v.SetDefault("fraud.medium_threshold", 40)
	v.SetDefault("fraud.high_threshold", 60)
	v.SetDefault("fraud.critical_threshold", 80)
	v.SetDefault("fraud.click_pattern_points", 30)
	v.SetDefault("fraud.amount_pattern_points", 40)
	v.SetDefault("fraud.anomaly_alert_score", 50)
	v.SetDefault("fraud.history_size", 100)
	v.SetDefault("fraud.history_ttl_hours", 7*24)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AFFILIATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default 只包含默认值的配置，不读取文件
func Default() *Config {
	cfg := &Config{}
	if err := newViper().Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("解析默认配置失败: %v", err))
	}
	return cfg
}

// Load 加载配置文件，未配置的项使用默认值，环境变量 AFFILIATE_* 优先
func Load(configPath string) (*Config, error) {
	v := newViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	GlobalConfig = cfg
	return cfg, nil
}
