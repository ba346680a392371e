package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"market_session/internal/domain"
	"market_session/internal/session"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent identifies the engine to upstream providers
	DefaultUserAgent = "market-session-engine/1.0"
)

// AggregateTTL is the freshness and stale-serve budget of one cached aggregate.
type AggregateTTL struct {
	TTLSec      int `yaml:"ttl_sec"`
	StaleTTLSec int `yaml:"stale_ttl_sec"`
}

// TTL returns the freshness window
func (a AggregateTTL) TTL() time.Duration { return time.Duration(a.TTLSec) * time.Second }

// StaleTTL returns the extra stale-serve window
func (a AggregateTTL) StaleTTL() time.Duration { return time.Duration(a.StaleTTLSec) * time.Second }

// UserSeed is an account created at startup when missing.
type UserSeed struct {
	ID      uint            `yaml:"id"`
	Name    string          `yaml:"name"`
	Balance decimal.Decimal `yaml:"balance"`
}

// Config holds every setting of the engine.
// LoadConfig starts from DefaultConfig, applies the YAML file, then environment overrides.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Market struct {
		Timezone       string              `yaml:"timezone"`
		Open           string              `yaml:"open"`
		Close          string              `yaml:"close"`
		PreOpenLeadMin int                 `yaml:"pre_open_lead_min"`
		EODDelayMin    int                 `yaml:"eod_delay_min"`
		EODDurationMin int                 `yaml:"eod_duration_min"`
		Holidays       []string            `yaml:"holidays"`
		ForceOpen      bool                `yaml:"force_open"`
		Instruments    []domain.Instrument `yaml:"instruments"`
		Users          []UserSeed          `yaml:"users"`
	} `yaml:"market"`

	Feed struct {
		PollIntervalSec int `yaml:"poll_interval_sec"`
		TimeoutSec      int `yaml:"timeout_sec"`
	} `yaml:"feed"`

	Indices struct {
		PollIntervalSec int            `yaml:"poll_interval_sec"`
		List            []domain.Index `yaml:"list"`
	} `yaml:"indices"`

	Stream struct {
		Enabled  bool   `yaml:"enabled"`
		URL      string `yaml:"url"`
		AlwaysOn bool   `yaml:"always_on"`
	} `yaml:"stream"`

	Upstream struct {
		BaseURL      string  `yaml:"base_url"`
		Token        string  `yaml:"token"`
		BatchSize    int     `yaml:"batch_size"`
		RateLimitRPS float64 `yaml:"rate_limit_rps"`
		TimeoutSec   int     `yaml:"timeout_sec"`
		MaxAttempts  int     `yaml:"max_attempts"`
		BaseDelayMS  int     `yaml:"base_delay_ms"`
		MaxDelayMS   int     `yaml:"max_delay_ms"`
		JitterMS     int     `yaml:"jitter_ms"`
	} `yaml:"upstream"`

	Orders struct {
		MinQuantity       int64           `yaml:"min_quantity"`
		MaxQuantity       int64           `yaml:"max_quantity"`
		MaxOrderValue     decimal.Decimal `yaml:"max_order_value"`
		MaxPricePerShare  decimal.Decimal `yaml:"max_price_per_share"`
		PriceFreshnessSec int             `yaml:"price_freshness_sec"`
		PriceTolerance    decimal.Decimal `yaml:"price_tolerance"`
	} `yaml:"orders"`

	Cache struct {
		SweepIntervalSec  int                     `yaml:"sweep_interval_sec"`
		RefreshTimeoutSec int                     `yaml:"refresh_timeout_sec"`
		MoversLimit       int                     `yaml:"movers_limit"`
		Aggregates        map[string]AggregateTTL `yaml:"aggregates"`
	} `yaml:"cache"`

	Scheduler struct {
		TickSec int `yaml:"tick_sec"`
	} `yaml:"scheduler"`

	Database struct {
		Driver string `yaml:"driver"` // sqlite | postgres
		DSN    string `yaml:"dsn"`    // file path for sqlite
	} `yaml:"database"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Logging struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// DefaultConfig returns the NSE defaults.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "market-session"
	cfg.App.Version = "dev"

	cfg.Market.Timezone = "Asia/Kolkata"
	cfg.Market.Open = "09:15"
	cfg.Market.Close = "15:30"
	cfg.Market.PreOpenLeadMin = 2
	cfg.Market.EODDelayMin = 1
	cfg.Market.EODDurationMin = 5

	cfg.Feed.PollIntervalSec = 10
	cfg.Feed.TimeoutSec = 8

	cfg.Indices.PollIntervalSec = 5

	cfg.Upstream.BaseURL = "https://api.upstox.com/v2"
	cfg.Upstream.BatchSize = 100
	cfg.Upstream.RateLimitRPS = 5
	cfg.Upstream.TimeoutSec = 10
	cfg.Upstream.MaxAttempts = 3
	cfg.Upstream.BaseDelayMS = 1000
	cfg.Upstream.MaxDelayMS = 8000
	cfg.Upstream.JitterMS = 300

	cfg.Orders.MinQuantity = 1
	cfg.Orders.MaxQuantity = 10000
	cfg.Orders.MaxOrderValue = decimal.NewFromInt(1_000_000)
	cfg.Orders.MaxPricePerShare = decimal.NewFromInt(1_000_000)
	cfg.Orders.PriceFreshnessSec = 15
	cfg.Orders.PriceTolerance = decimal.RequireFromString("0.5")

	cfg.Cache.SweepIntervalSec = 300
	cfg.Cache.RefreshTimeoutSec = 30
	cfg.Cache.MoversLimit = 10
	cfg.Cache.Aggregates = map[string]AggregateTTL{
		"gainers":   {TTLSec: 10, StaleTTLSec: 120},
		"losers":    {TTLSec: 10, StaleTTLSec: 120},
		"sentiment": {TTLSec: 30, StaleTTLSec: 120},
	}

	cfg.Scheduler.TickSec = 60

	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "data/market.db"

	cfg.HTTP.Addr = ":8080"

	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	cfg.Logging.File = "app.log"
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28
	return &cfg
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Secrets and runtime switches come from the environment
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if _, err := c.SessionConfig(); err != nil {
		return err
	}

	if c.Feed.PollIntervalSec <= 0 {
		return &domain.ConfigError{Field: "feed.poll_interval_sec", Err: errors.New("must be positive")}
	}
	if c.Scheduler.TickSec <= 0 {
		return &domain.ConfigError{Field: "scheduler.tick_sec", Err: errors.New("must be positive")}
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return &domain.ConfigError{Field: "upstream.base_url", Err: fmt.Errorf("invalid URL: %s", c.Upstream.BaseURL)}
	}
	if c.Upstream.BatchSize <= 0 || c.Upstream.MaxAttempts <= 0 {
		return &domain.ConfigError{Field: "upstream", Err: errors.New("batch_size and max_attempts must be positive")}
	}
	if c.Stream.Enabled && !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
		return &domain.ConfigError{Field: "stream.url", Err: fmt.Errorf("invalid WS URL: %s", c.Stream.URL)}
	}

	if c.Orders.MinQuantity <= 0 || c.Orders.MaxQuantity < c.Orders.MinQuantity {
		return &domain.ConfigError{Field: "orders", Err: errors.New("quantity bounds must satisfy 0 < min <= max")}
	}
	if !c.Orders.MaxOrderValue.IsPositive() || !c.Orders.MaxPricePerShare.IsPositive() {
		return &domain.ConfigError{Field: "orders", Err: errors.New("value limits must be positive")}
	}
	if c.Orders.PriceTolerance.IsNegative() {
		return &domain.ConfigError{Field: "orders.price_tolerance", Err: errors.New("must not be negative")}
	}
	if c.Orders.PriceFreshnessSec <= 0 {
		return &domain.ConfigError{Field: "orders.price_freshness_sec", Err: errors.New("must be positive")}
	}

	if c.Cache.SweepIntervalSec <= 0 {
		return &domain.ConfigError{Field: "cache.sweep_interval_sec", Err: errors.New("must be positive")}
	}

	for key, ttl := range c.Cache.Aggregates {
		if ttl.TTLSec <= 0 || ttl.StaleTTLSec < 0 {
			return &domain.ConfigError{Field: "cache.aggregates." + key, Err: errors.New("ttl must be positive and stale ttl non-negative")}
		}
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return &domain.ConfigError{Field: "database.driver", Err: fmt.Errorf("unsupported driver %q", c.Database.Driver)}
	}

	for _, inst := range c.Market.Instruments {
		if inst.Symbol == "" || inst.InstrumentKey == "" {
			return &domain.ConfigError{Field: "market.instruments", Err: errors.New("symbol and instrument_key are required")}
		}
	}

	if len(c.Indices.List) > 0 && c.Indices.PollIntervalSec <= 0 {
		return &domain.ConfigError{Field: "indices.poll_interval_sec", Err: errors.New("must be positive")}
	}
	seen := make(map[string]struct{}, len(c.Indices.List))
	for _, idx := range c.Indices.List {
		if idx.Name == "" || idx.InstrumentKey == "" {
			return &domain.ConfigError{Field: "indices.list", Err: errors.New("name and instrument_key are required")}
		}
		key := strings.ToUpper(idx.Name)
		if _, dup := seen[key]; dup {
			return &domain.ConfigError{Field: "indices.list", Err: fmt.Errorf("duplicate index %q", idx.Name)}
		}
		seen[key] = struct{}{}
	}

	return nil
}

// SessionConfig converts the market section into a session clock configuration.
func (c *Config) SessionConfig() (session.Config, error) {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return session.Config{}, &domain.ConfigError{Field: "market.timezone", Err: err}
	}
	open, err := session.ParseTimeOfDay(c.Market.Open)
	if err != nil {
		return session.Config{}, &domain.ConfigError{Field: "market.open", Err: err}
	}
	closeAt, err := session.ParseTimeOfDay(c.Market.Close)
	if err != nil {
		return session.Config{}, &domain.ConfigError{Field: "market.close", Err: err}
	}
	if closeAt.Hour*60+closeAt.Minute <= open.Hour*60+open.Minute {
		return session.Config{}, &domain.ConfigError{Field: "market.close", Err: fmt.Errorf("close %s must be after open %s", c.Market.Close, c.Market.Open)}
	}
	for _, d := range c.Market.Holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return session.Config{}, &domain.ConfigError{Field: "market.holidays", Err: err}
		}
	}

	return session.Config{
		Location:    loc,
		Open:        open,
		Close:       closeAt,
		PreOpenLead: time.Duration(c.Market.PreOpenLeadMin) * time.Minute,
		EODDelay:    time.Duration(c.Market.EODDelayMin) * time.Minute,
		EODDuration: time.Duration(c.Market.EODDurationMin) * time.Minute,
		Holidays:    c.Market.Holidays,
		ForceOpen:   c.Market.ForceOpen,
	}, nil
}

// RetryPolicy builds the upstream retry policy.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.Upstream.MaxAttempts,
		BaseDelay:   time.Duration(c.Upstream.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(c.Upstream.MaxDelayMS) * time.Millisecond,
		Jitter:      time.Duration(c.Upstream.JitterMS) * time.Millisecond,
	}
}

// Aggregate returns the TTLs for an aggregate key, falling back to 10s / 120s.
func (c *Config) Aggregate(name string) AggregateTTL {
	if ttl, ok := c.Cache.Aggregates[name]; ok {
		return ttl
	}
	return AggregateTTL{TTLSec: 10, StaleTTLSec: 120}
}

// overrideWithEnv replaces settings with environment values when present.
func overrideWithEnv(cfg *Config) {
	if token := os.Getenv("MARKET_UPSTREAM_TOKEN"); token != "" {
		cfg.Upstream.Token = token
	}
	if driver := os.Getenv("MARKET_DB_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn := os.Getenv("MARKET_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("MARKET_HTTP_ADDR"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	if level := os.Getenv("MARKET_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if v, ok := envBool("FORCE_MARKET_OPEN"); ok {
		cfg.Market.ForceOpen = v
	}
	if v, ok := envBool("ALWAYS_ON_WEBSOCKET"); ok {
		cfg.Stream.AlwaysOn = v
	}
}

func envBool(key string) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(strings.ToLower(raw))
	if err != nil {
		return false, false
	}
	return v, true
}
