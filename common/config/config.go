package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service     ServiceConfig
	Storage     StorageConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Cache       CacheConfig
	RateLimit   RateLimitConfig
	Idempotency IdempotencyConfig
	Pagination  PaginationConfig
	Telemetry   TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	CORSOrigins []string
}

// StorageConfig selects the backend for the change and resource stores
type StorageConfig struct {
	Backend string // "postgres" or "memory"
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
	AutoMigrate bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled    bool
	Backend    string // "memory" or "redis"
	DefaultTTL time.Duration
}

// RateLimitConfig holds per-role request budgets (requests per minute)
type RateLimitConfig struct {
	Enabled       bool
	GlobalLimit   int64
	AdminLimit    int64
	ProposerLimit int64
	CustomerLimit int64
}

// IdempotencyConfig controls Idempotency-Key retention
type IdempotencyConfig struct {
	TTL time.Duration
}

// PaginationConfig bounds list page sizes
type PaginationConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
			CORSOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Storage: StorageConfig{
			Backend: getEnv("STORAGE_BACKEND", "postgres"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "estatehub"),
			User:        getEnv("POSTGRES_USER", "estatehub"),
			Password:    getEnv("POSTGRES_PASSWORD", "estatehub"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
			AutoMigrate: getEnvBool("POSTGRES_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			Backend:    getEnv("CACHE_BACKEND", "memory"),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RATE_LIMIT_ENABLED", false),
			GlobalLimit:   int64(getEnvInt("RATE_LIMIT_GLOBAL", 2000)),
			AdminLimit:    int64(getEnvInt("RATE_LIMIT_ADMIN", 300)),
			ProposerLimit: int64(getEnvInt("RATE_LIMIT_PROPOSER", 60)),
			CustomerLimit: int64(getEnvInt("RATE_LIMIT_CUSTOMER", 20)),
		},
		Idempotency: IdempotencyConfig{
			TTL: getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Pagination: PaginationConfig{
			DefaultLimit: getEnvInt("PAGE_DEFAULT_LIMIT", 20),
			MaxLimit:     getEnvInt("PAGE_MAX_LIMIT", 100),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Storage.Backend {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Enabled && !c.Redis.Enabled {
			return fmt.Errorf("redis cache backend requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("unknown cache backend: %s", c.Cache.Backend)
	}

	if c.RateLimit.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("rate limiting requires REDIS_ENABLED=true")
	}

	if c.Pagination.DefaultLimit < 1 || c.Pagination.MaxLimit < c.Pagination.DefaultLimit {
		return fmt.Errorf("invalid pagination limits: default=%d max=%d",
			c.Pagination.DefaultLimit, c.Pagination.MaxLimit)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvSlice parses a comma-separated list
func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
