package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
// Driver 支持 "postgres"（多操作员部署）和 "sqlite"（单机嵌入式部署）
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Path     string // sqlite 数据文件路径
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取 PostgreSQL 连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TelemetryConfig 遥测连接配置
type TelemetryConfig struct {
	Endpoint  string // 如 "ws://broker-proxy:9001/realtime" 或 "tcp://broker:1883"
	Token     string // 可选的 bearer 凭证
	Transport string // "websocket" 或 "mqtt"

	HandshakeTimeout     time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	// MQTT 传输专用：入站/出站主题
	MQTTInboundTopic string
	MQTTControlTopic string
}

// CatalogConfig 目录服务配置（机器/传感器/PLC 列表）
type CatalogConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Config 服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig

	Telemetry TelemetryConfig
	Catalog   CatalogConfig

	// 最新测量值缓存配置
	Cache struct {
		KeyPrefix string // 缓存键前缀，如 "foundry:sensor:"
		LatestTTL int    // 最新值 TTL（秒）
	}

	// 旧版扁平布局迁移配置
	Migration struct {
		LegacyLayoutPath string // 为空则跳过迁移
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Driver = getEnv("DB_DRIVER", "sqlite")
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "foundry")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.Path = getEnv("DB_PATH", "foundry-dash.db")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Telemetry.Endpoint = getEnv("TELEMETRY_ENDPOINT", "ws://localhost:9001/realtime")
	cfg.Telemetry.Token = getEnv("TELEMETRY_TOKEN", "")
	cfg.Telemetry.Transport = getEnv("TELEMETRY_TRANSPORT", "websocket")
	cfg.Telemetry.HandshakeTimeout = getEnvDuration("TELEMETRY_HANDSHAKE_TIMEOUT", 10*time.Second)
	cfg.Telemetry.ReconnectBaseDelay = getEnvDuration("TELEMETRY_RECONNECT_BASE_DELAY", 2*time.Second)
	cfg.Telemetry.MaxReconnectAttempts = getEnvInt("TELEMETRY_MAX_RECONNECT_ATTEMPTS", 5)
	cfg.Telemetry.MQTTInboundTopic = getEnv("TELEMETRY_MQTT_INBOUND_TOPIC", "foundry/out")
	cfg.Telemetry.MQTTControlTopic = getEnv("TELEMETRY_MQTT_CONTROL_TOPIC", "foundry/in")

	cfg.Catalog.BaseURL = getEnv("CATALOG_BASE_URL", "http://localhost:8080")
	cfg.Catalog.Timeout = getEnvDuration("CATALOG_TIMEOUT", 10*time.Second)

	cfg.Cache.KeyPrefix = getEnv("CACHE_KEY_PREFIX", "foundry:sensor:")
	cfg.Cache.LatestTTL = getEnvInt("CACHE_LATEST_TTL", 300)

	cfg.Migration.LegacyLayoutPath = getEnv("LEGACY_LAYOUT_PATH", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
