package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
)

// Config holds all configuration for the search analytics service.
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Database   DatabaseConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Currency   CurrencyConfig
	Analytics  AnalyticsConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

// StoreConfig selects where raw events live.
type StoreConfig struct {
	Backend string
	// EnsureSchema creates missing tables on startup.
	EnsureSchema bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type ClickHouseConfig struct {
	Addrs       []string
	Database    string
	User        string
	Password    string
	DialTimeout time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled        bool
	IngestRPS      float64
	IngestBurst    int
	DashboardRPS   float64
	DashboardBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// CurrencyConfig configures the EUR exchange rate provider.
type CurrencyConfig struct {
	APIURL  string
	Timeout time.Duration
	// SnapshotTTL bounds how long a day's rate table is shared through Redis.
	SnapshotTTL time.Duration
}

// AnalyticsConfig tunes the attribution engine.
type AnalyticsConfig struct {
	ProductIDPrefix string
	TopQueriesLimit int
	LongQueryWords  int
	MaxWindowDays   int // 0 means unlimited
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("SEARCH_ANALYTICS_HTTP_ADDR", ":8080"),
			Env:             getEnv("SEARCH_ANALYTICS_ENV", "development"),
			ShutdownTimeout: getDurationEnv("SEARCH_ANALYTICS_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Store: StoreConfig{
			Backend:      strings.ToLower(getEnv("SEARCH_ANALYTICS_STORE_BACKEND", BackendPostgres)),
			EnsureSchema: getBoolEnv("SEARCH_ANALYTICS_STORE_ENSURE_SCHEMA", true),
		},
		Database: DatabaseConfig{
			Host:     getEnv("SEARCH_ANALYTICS_DB_HOST", "localhost"),
			Port:     getIntEnv("SEARCH_ANALYTICS_DB_PORT", 5432),
			User:     getEnv("SEARCH_ANALYTICS_DB_USER", "searchanalytics"),
			Password: getEnv("SEARCH_ANALYTICS_DB_PASSWORD", "searchanalytics_secret"),
			DBName:   getEnv("SEARCH_ANALYTICS_DB_NAME", "searchanalytics"),
			SSLMode:  getEnv("SEARCH_ANALYTICS_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("SEARCH_ANALYTICS_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("SEARCH_ANALYTICS_DB_MIN_CONNS", 5),
		},
		ClickHouse: ClickHouseConfig{
			Addrs:       getSliceEnv("SEARCH_ANALYTICS_CLICKHOUSE_ADDRS", []string{"localhost:9000"}),
			Database:    getEnv("SEARCH_ANALYTICS_CLICKHOUSE_DB", "search_analytics"),
			User:        getEnv("SEARCH_ANALYTICS_CLICKHOUSE_USER", "default"),
			Password:    getEnv("SEARCH_ANALYTICS_CLICKHOUSE_PASSWORD", ""),
			DialTimeout: getDurationEnv("SEARCH_ANALYTICS_CLICKHOUSE_DIAL_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("SEARCH_ANALYTICS_REDIS_ENABLED", true),
			Addr:     getEnv("SEARCH_ANALYTICS_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("SEARCH_ANALYTICS_REDIS_PASSWORD", ""),
			DB:       getIntEnv("SEARCH_ANALYTICS_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("SEARCH_ANALYTICS_AUTH_ENABLED", true),
			JWTSecret: getEnv("SEARCH_ANALYTICS_JWT_SECRET", ""),
			SkipPaths: getSliceEnv("SEARCH_ANALYTICS_AUTH_SKIP_PATHS", []string{"/health", "/metrics", "/api/v1/events/"}),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getBoolEnv("SEARCH_ANALYTICS_RATE_LIMIT_ENABLED", true),
			IngestRPS:      getFloatEnv("SEARCH_ANALYTICS_RATE_LIMIT_INGEST_RPS", 500),
			IngestBurst:    getIntEnv("SEARCH_ANALYTICS_RATE_LIMIT_INGEST_BURST", 100),
			DashboardRPS:   getFloatEnv("SEARCH_ANALYTICS_RATE_LIMIT_DASHBOARD_RPS", 20),
			DashboardBurst: getIntEnv("SEARCH_ANALYTICS_RATE_LIMIT_DASHBOARD_BURST", 10),
		},
		Log: LogConfig{
			Level:  getEnv("SEARCH_ANALYTICS_LOG_LEVEL", "info"),
			Format: getEnv("SEARCH_ANALYTICS_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("SEARCH_ANALYTICS_METRICS_ENABLED", true),
			Path:    getEnv("SEARCH_ANALYTICS_METRICS_PATH", "/metrics"),
		},
		Currency: CurrencyConfig{
			APIURL:      getEnv("SEARCH_ANALYTICS_FX_API_URL", "https://api.exchangerate-api.com/v4/latest/EUR"),
			Timeout:     getDurationEnv("SEARCH_ANALYTICS_FX_TIMEOUT", 5*time.Second),
			SnapshotTTL: getDurationEnv("SEARCH_ANALYTICS_FX_SNAPSHOT_TTL", 26*time.Hour),
		},
		Analytics: AnalyticsConfig{
			ProductIDPrefix: getEnv("SEARCH_ANALYTICS_PRODUCT_ID_PREFIX", "gid://shopify/Product/"),
			TopQueriesLimit: getIntEnv("SEARCH_ANALYTICS_TOP_QUERIES_LIMIT", 10),
			LongQueryWords:  getIntEnv("SEARCH_ANALYTICS_LONG_QUERY_WORDS", 3),
			MaxWindowDays:   getIntEnv("SEARCH_ANALYTICS_MAX_WINDOW_DAYS", 366),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("SEARCH_ANALYTICS_JWT_SECRET is required when auth is enabled")
	}
	switch c.Store.Backend {
	case BackendMemory, BackendPostgres, BackendClickHouse:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Analytics.LongQueryWords < 1 {
		return fmt.Errorf("SEARCH_ANALYTICS_LONG_QUERY_WORDS must be positive")
	}
	if c.Analytics.MaxWindowDays < 0 {
		return fmt.Errorf("SEARCH_ANALYTICS_MAX_WINDOW_DAYS must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
