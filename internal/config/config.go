// Package config 提供配置管理
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Lock     LockConfig
	Notify   NotifyConfig
	Engine   EngineConfig
	Metrics  MetricsConfig
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name         string
	Env          string
	Port         int
	LogLevel     string
	LogFormat    string
	StoreBackend string  // memory/postgres
	RateLimitRPS float64 // 每个客户端每秒请求数，0 表示不限流
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN 返回数据库连接字符串
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Addr 返回Redis地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LockConfig 分配提交锁配置
type LockConfig struct {
	Backend string // memory/redis
	TTL     time.Duration
	Wait    time.Duration // 获取锁的最长等待时间
}

// NotifyConfig 分配通知配置
type NotifyConfig struct {
	Backend string // log/redis
	Stream  string
}

// EngineConfig 覆盖与分配引擎配置
type EngineConfig struct {
	MaxHoursPerDay         float64
	ContinuityLookbackDays int
	Workers                int
	MaxAlternatives        int
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "carecover")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_PORT", 7012)
	v.SetDefault("APP_LOG_LEVEL", "info")
	v.SetDefault("APP_LOG_FORMAT", "console")
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("APP_RATE_LIMIT_RPS", 100.0)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_NAME", "carecover")
	v.SetDefault("DB_USER", "carecover")
	v.SetDefault("DB_PASSWORD", "carecover")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 10)

	v.SetDefault("LOCK_BACKEND", "memory")
	v.SetDefault("LOCK_TTL", 10*time.Second)
	v.SetDefault("LOCK_WAIT", 3*time.Second)

	v.SetDefault("NOTIFY_BACKEND", "log")
	v.SetDefault("NOTIFY_STREAM", "carecover:assignments")

	v.SetDefault("ENGINE_MAX_HOURS_PER_DAY", 10.0)
	v.SetDefault("ENGINE_CONTINUITY_LOOKBACK_DAYS", 30)
	v.SetDefault("ENGINE_WORKERS", 4)
	v.SetDefault("ENGINE_MAX_ALTERNATIVES", 3)

	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("METRICS_PATH", "/metrics")
}

// Load 从环境变量（及可选的配置文件）加载配置
// configFile 为空时尝试读取当前目录下的 .env，文件缺失不视为错误
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	} else {
		v.SetConfigFile(".env")
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		App: AppConfig{
			Name:         v.GetString("APP_NAME"),
			Env:          v.GetString("APP_ENV"),
			Port:         v.GetInt("APP_PORT"),
			LogLevel:     v.GetString("APP_LOG_LEVEL"),
			LogFormat:    v.GetString("APP_LOG_FORMAT"),
			StoreBackend: v.GetString("STORE_BACKEND"),
			RateLimitRPS: v.GetFloat64("APP_RATE_LIMIT_RPS"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("DB_HOST"),
			Port:            v.GetInt("DB_PORT"),
			Name:            v.GetString("DB_NAME"),
			User:            v.GetString("DB_USER"),
			Password:        v.GetString("DB_PASSWORD"),
			SSLMode:         v.GetString("DB_SSL_MODE"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			PoolSize: v.GetInt("REDIS_POOL_SIZE"),
		},
		Lock: LockConfig{
			Backend: v.GetString("LOCK_BACKEND"),
			TTL:     v.GetDuration("LOCK_TTL"),
			Wait:    v.GetDuration("LOCK_WAIT"),
		},
		Notify: NotifyConfig{
			Backend: v.GetString("NOTIFY_BACKEND"),
			Stream:  v.GetString("NOTIFY_STREAM"),
		},
		Engine: EngineConfig{
			MaxHoursPerDay:         v.GetFloat64("ENGINE_MAX_HOURS_PER_DAY"),
			ContinuityLookbackDays: v.GetInt("ENGINE_CONTINUITY_LOOKBACK_DAYS"),
			Workers:                v.GetInt("ENGINE_WORKERS"),
			MaxAlternatives:        v.GetInt("ENGINE_MAX_ALTERNATIVES"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("METRICS_ENABLED"),
			Path:    v.GetString("METRICS_PATH"),
		},
	}
}

// Validate 检查配置一致性
func (c *Config) Validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("APP_PORT 无效: %d", c.App.Port)
	}
	switch c.App.StoreBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("STORE_BACKEND 必须为 memory 或 postgres: %q", c.App.StoreBackend)
	}
	if c.App.RateLimitRPS < 0 {
		return fmt.Errorf("APP_RATE_LIMIT_RPS 不能为负数")
	}
	switch c.Lock.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("LOCK_BACKEND 必须为 memory 或 redis: %q", c.Lock.Backend)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("LOCK_TTL 必须大于0")
	}
	switch c.Notify.Backend {
	case "log", "redis":
	default:
		return fmt.Errorf("NOTIFY_BACKEND 必须为 log 或 redis: %q", c.Notify.Backend)
	}
	if c.Notify.Backend == "redis" && c.Notify.Stream == "" {
		return fmt.Errorf("NOTIFY_BACKEND=redis 时 NOTIFY_STREAM 不能为空")
	}
	if c.Engine.MaxHoursPerDay < 0 {
		return fmt.Errorf("ENGINE_MAX_HOURS_PER_DAY 不能为负数")
	}
	if c.Engine.ContinuityLookbackDays < 0 {
		return fmt.Errorf("ENGINE_CONTINUITY_LOOKBACK_DAYS 不能为负数")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("ENGINE_WORKERS 必须大于0")
	}
	if c.Engine.MaxAlternatives < 0 {
		return fmt.Errorf("ENGINE_MAX_ALTERNATIVES 不能为负数")
	}
	return nil
}

// UsesRedis 是否需要 Redis 连接
func (c *Config) UsesRedis() bool {
	return c.Lock.Backend == "redis" || c.Notify.Backend == "redis"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
