// Package config loads trading engine configuration from defaults, optional
// TOML files, and environment variables (later sources win).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the trading engine.
type Config struct {
	Environment string         `toml:"environment"`
	Server      ServerConfig   `toml:"server"`
	Storage     StorageConfig  `toml:"storage"`
	Quote       QuoteConfig    `toml:"quote"`
	Trading     TradingConfig  `toml:"trading"`
	Snapshot    SnapshotConfig `toml:"snapshot"`
	Auth        AuthConfig     `toml:"auth"`
	Logging     LoggingConfig  `toml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string `toml:"port"`
	RequestTimeout  string `toml:"request_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// GetRequestTimeout bounds a single API request, including quote fetches.
func (c *ServerConfig) GetRequestTimeout() time.Duration {
	return parseDuration(c.RequestTimeout, 5*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown window.
func (c *ServerConfig) GetShutdownTimeout() time.Duration {
	return parseDuration(c.ShutdownTimeout, 5*time.Second)
}

// StorageConfig selects the persistence backends. An empty DatabaseURL
// selects the in-memory store.
type StorageConfig struct {
	DatabaseURL string `toml:"database_url"`
	RedisURL    string `toml:"redis_url"`
	CacheTTL    string `toml:"cache_ttl"`
}

// GetCacheTTL returns the Redis read-through TTL for store records.
func (c *StorageConfig) GetCacheTTL() time.Duration {
	return parseDuration(c.CacheTTL, 30*time.Second)
}

// QuoteConfig holds quote source and price cache configuration.
type QuoteConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	RateLimit      int    `toml:"rate_limit"` // requests per second
	Timeout        string `toml:"timeout"`
	PriceTTL       string `toml:"price_ttl"`
	StaleRetention string `toml:"stale_retention"`
}

// GetTimeout returns the upstream HTTP timeout.
func (c *QuoteConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

// GetPriceTTL returns how long a fetched price is served without refetching.
func (c *QuoteConfig) GetPriceTTL() time.Duration {
	return parseDuration(c.PriceTTL, 60*time.Second)
}

// GetStaleRetention returns how long expired prices are kept for
// allow-stale reads.
func (c *QuoteConfig) GetStaleRetention() time.Duration {
	return parseDuration(c.StaleRetention, 24*time.Hour)
}

// TradingConfig holds trade execution settings.
type TradingConfig struct {
	MaxAttempts         int    `toml:"max_attempts"`
	DefaultStartingCash string `toml:"default_starting_cash"`
	// PriceHintTolerance is the accepted deviation of a client price hint
	// from the cached price, as a fraction. Empty or "0" means exact.
	PriceHintTolerance string `toml:"price_hint_tolerance"`
}

// GetDefaultStartingCash returns the cash seeded into a new main portfolio.
func (c *TradingConfig) GetDefaultStartingCash() decimal.Decimal {
	v, err := decimal.NewFromString(c.DefaultStartingCash)
	if err != nil || !v.IsPositive() {
		return decimal.NewFromInt(10000)
	}
	return v
}

// GetPriceHintTolerance returns the hint tolerance, zero when unset or
// invalid.
func (c *TradingConfig) GetPriceHintTolerance() decimal.Decimal {
	v, err := decimal.NewFromString(c.PriceHintTolerance)
	if err != nil || v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// SnapshotConfig holds snapshot scheduler settings.
type SnapshotConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
}

// GetInterval returns the snapshot cycle interval.
func (c *SnapshotConfig) GetInterval() time.Duration {
	return parseDuration(c.Interval, 5*time.Minute)
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "text"
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:            "8080",
			RequestTimeout:  "5s",
			ShutdownTimeout: "5s",
		},
		Storage: StorageConfig{
			CacheTTL: "30s",
		},
		Quote: QuoteConfig{
			BaseURL:        "https://finnhub.io/api/v1",
			RateLimit:      30,
			Timeout:        "10s",
			PriceTTL:       "60s",
			StaleRetention: "24h",
		},
		Trading: TradingConfig{
			MaxAttempts:         3,
			DefaultStartingCash: "10000",
		},
		Snapshot: SnapshotConfig{
			Enabled:  true,
			Interval: "5m",
		},
		Auth: AuthConfig{
			JWTSecret: "dev-jwt-secret-change-in-production",
			Issuer:    "trading-engine",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to cfg.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADING_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := firstEnv("TRADING_PORT", "PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("TRADING_REQUEST_TIMEOUT"); v != "" {
		cfg.Server.RequestTimeout = v
	}
	if v := firstEnv("TRADING_DATABASE_URL", "DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := firstEnv("TRADING_REDIS_URL", "REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("TRADING_QUOTE_BASE_URL"); v != "" {
		cfg.Quote.BaseURL = v
	}
	if v := firstEnv("TRADING_QUOTE_API_KEY", "FINNHUB_API_KEY"); v != "" {
		cfg.Quote.APIKey = v
	}
	if v := os.Getenv("TRADING_QUOTE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quote.RateLimit = n
		}
	}
	if v := os.Getenv("TRADING_PRICE_TTL"); v != "" {
		cfg.Quote.PriceTTL = v
	}
	if v := os.Getenv("TRADING_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trading.MaxAttempts = n
		}
	}
	if v := os.Getenv("TRADING_SNAPSHOT_INTERVAL"); v != "" {
		cfg.Snapshot.Interval = v
	}
	if v := os.Getenv("TRADING_SNAPSHOT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Snapshot.Enabled = b
		}
	}
	if v := firstEnv("TRADING_JWT_SECRET", "JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("TRADING_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRADING_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, "server.port is required")
	}
	if c.Trading.MaxAttempts < 1 {
		errs = append(errs, "trading.max_attempts must be at least 1")
	}
	if v := c.Trading.PriceHintTolerance; v != "" {
		if t, err := decimal.NewFromString(v); err != nil || t.IsNegative() || t.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Sprintf("trading.price_hint_tolerance: must be a fraction in [0, 1), got %q", v))
		}
	}
	if c.Quote.RateLimit < 1 {
		errs = append(errs, "quote.rate_limit must be at least 1")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, "auth.jwt_secret is required")
	}
	for name, v := range map[string]string{
		"quote.price_ttl":         c.Quote.PriceTTL,
		"snapshot.interval":       c.Snapshot.Interval,
		"server.request_timeout":  c.Server.RequestTimeout,
		"quote.stale_retention":   c.Quote.StaleRetention,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("%s: invalid duration %q", name, v))
		}
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, "logging.format must be json or text")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
