package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/payment"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Security SecurityConfig `mapstructure:"security"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	// Payment 驱动 -> 配置档 -> 配置项
	Payment map[string]map[string]map[string]interface{} `mapstructure:"payment"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug / release
}

// LogConfig 日志配置
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ToLoggerOptions 转换为 logger 配置
func (c LogConfig) ToLoggerOptions() logger.Options {
	return logger.Options{
		Dir:        c.Dir,
		Filename:   c.Filename,
		Level:      c.Level,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// GatewayConfig 出站网关请求配置
type GatewayConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Timeout 出站请求超时
func (c GatewayConfig) Timeout() time.Duration {
	return secondsOr(c.TimeoutSeconds, 12)
}

// NotifyConfig 异步通知处理配置
type NotifyConfig struct {
	DedupeTTLSeconds      int    `mapstructure:"dedupe_ttl_seconds"`
	ForwardURL            string `mapstructure:"forward_url"`
	ForwardTimeoutSeconds int    `mapstructure:"forward_timeout_seconds"`
	MaxRetry              int    `mapstructure:"max_retry"`
}

// DedupeTTL 通知去重键有效期
func (c NotifyConfig) DedupeTTL() time.Duration {
	return secondsOr(c.DedupeTTLSeconds, 86400)
}

// ForwardTimeout 通知转发超时
func (c NotifyConfig) ForwardTimeout() time.Duration {
	return secondsOr(c.ForwardTimeoutSeconds, 10)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// QueueConfig 异步队列配置
type QueueConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Host        string         `mapstructure:"host"`
	Port        int            `mapstructure:"port"`
	Password    string         `mapstructure:"password"`
	DB          int            `mapstructure:"db"`
	Concurrency int            `mapstructure:"concurrency"`
	Queues      map[string]int `mapstructure:"queues"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig 接口限流配置
type RateLimitConfig struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxRequests   int `mapstructure:"max_requests"`
}

// JWTConfig 调用方令牌配置，secret 为空时业务接口一律拒绝。
type JWTConfig struct {
	SecretKey   string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// Expire 签发令牌有效期
func (c JWTConfig) Expire() time.Duration {
	hours := c.ExpireHours
	if hours <= 0 {
		hours = 720
	}
	return time.Duration(hours) * time.Hour
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Drivers 转换为注册表使用的驱动配置
func (c *Config) Drivers() payment.Drivers {
	drivers := make(payment.Drivers, len(c.Payment))
	for driver, profiles := range c.Payment {
		section := make(map[string]payment.Settings, len(profiles))
		for profile, settings := range profiles {
			section[profile] = payment.Settings(settings)
		}
		drivers[driver] = section
	}
	return drivers
}

// Load 从 config.yml 加载配置
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("../")   // 如果从 cmd/server 运行
	v.AddConfigPath("./etc") // etc 文件夹

	if err := v.ReadInConfig(); err != nil {
		logger.Warnw("config_file_read_failed",
			"error", err,
			"fallback", "env_or_defaults",
		)
	} else {
		logger.Infow("config_file_loaded", "file", v.ConfigFileUsed())
	}
	return decode(v)
}

// LoadFile 从指定文件加载配置，文件缺失或格式错误时返回错误。
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s failed: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.filename", "paygate.log")
	v.SetDefault("log.level", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("gateway.timeout_seconds", 12)
	v.SetDefault("notify.dedupe_ttl_seconds", 86400)
	v.SetDefault("notify.forward_url", "")
	v.SetDefault("notify.forward_timeout_seconds", 10)
	v.SetDefault("notify.max_retry", 8)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "paygate")
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "127.0.0.1")
	v.SetDefault("queue.port", 6379)
	v.SetDefault("queue.password", "")
	v.SetDefault("queue.db", 1)
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.queues", map[string]int{
		"critical": 10,
		"default":  5,
	})
	v.SetDefault("security.rate_limit.window_seconds", 60)
	v.SetDefault("security.rate_limit.max_requests", 120)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expire_hours", 720)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "paygate")

	// 环境变量支持，server.port -> SERVER_PORT
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		logger.Errorw("config_unmarshal_failed", "error", err)
		return nil, fmt.Errorf("配置解析失败: %w", err)
	}
	if cfg.Payment == nil {
		cfg.Payment = map[string]map[string]map[string]interface{}{}
	}
	return &cfg, nil
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
