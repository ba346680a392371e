package infra

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"market_session/internal/domain"

	"github.com/shopspring/decimal"
)

const sampleConfig = `
app:
  name: market-session-test
market:
  open: "09:15"
  close: "15:30"
  holidays: ["2025-08-15", "2025-10-02"]
  instruments:
    - symbol: RELIANCE
      instrument_key: "NSE_EQ|INE002A01018"
      exchange: NSE
indices:
  list:
    - name: NIFTY 50
      instrument_key: "NSE_INDEX|Nifty 50"
      tag: Benchmark
orders:
  price_tolerance: "1.25"
  max_quantity: 500
cache:
  aggregates:
    gainers:
      ttl_sec: 5
      stale_ttl_sec: 60
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.App.Name != "market-session-test" {
		t.Errorf("expected app name override, got %s", cfg.App.Name)
	}
	if !cfg.Orders.PriceTolerance.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("expected tolerance 1.25, got %s", cfg.Orders.PriceTolerance)
	}
	if cfg.Orders.MaxQuantity != 500 || cfg.Orders.MinQuantity != 1 {
		t.Errorf("expected quantity bounds 1..500, got %d..%d", cfg.Orders.MinQuantity, cfg.Orders.MaxQuantity)
	}
	if cfg.Feed.PollIntervalSec != 10 {
		t.Errorf("expected default poll interval, got %d", cfg.Feed.PollIntervalSec)
	}
	if got := cfg.Aggregate("gainers"); got.TTL() != 5*time.Second || got.StaleTTL() != time.Minute {
		t.Errorf("unexpected gainers ttl: %+v", got)
	}
	if got := cfg.Aggregate("losers"); got.TTLSec != 10 {
		t.Errorf("defaults should survive a partial aggregates map, got %+v", got)
	}
	if len(cfg.Market.Instruments) != 1 || cfg.Market.Instruments[0].InstrumentKey != "NSE_EQ|INE002A01018" {
		t.Errorf("unexpected instruments: %+v", cfg.Market.Instruments)
	}
	if len(cfg.Indices.List) != 1 || cfg.Indices.List[0].Tag != "Benchmark" || cfg.Indices.PollIntervalSec != 5 {
		t.Fatalf("unexpected indices: %+v", cfg.Indices)
	}
	if inst := cfg.Indices.List[0].Instrument(); inst.Symbol != "NIFTY 50" || inst.InstrumentKey != "NSE_INDEX|Nifty 50" {
		t.Errorf("unexpected index instrument: %+v", inst)
	}

	sc, err := cfg.SessionConfig()
	if err != nil {
		t.Fatalf("SessionConfig failed: %v", err)
	}
	if sc.Location.String() != "Asia/Kolkata" || len(sc.Holidays) != 2 || sc.PreOpenLead != 2*time.Minute {
		t.Errorf("unexpected session config: %+v", sc)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("MARKET_UPSTREAM_TOKEN", "secret-token")
	t.Setenv("FORCE_MARKET_OPEN", "true")
	t.Setenv("MARKET_DB_DSN", "/tmp/override.db")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Upstream.Token != "secret-token" {
		t.Errorf("expected token from env, got %q", cfg.Upstream.Token)
	}
	if !cfg.Market.ForceOpen {
		t.Error("expected FORCE_MARKET_OPEN to enable force open")
	}
	if cfg.Database.DSN != "/tmp/override.db" {
		t.Errorf("expected DSN from env, got %s", cfg.Database.DSN)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad timezone", func(c *Config) { c.Market.Timezone = "Mars/Olympus" }, "market.timezone"},
		{"close before open", func(c *Config) { c.Market.Close = "09:00" }, "market.close"},
		{"bad holiday", func(c *Config) { c.Market.Holidays = []string{"15-08-2025"} }, "market.holidays"},
		{"zero poll", func(c *Config) { c.Feed.PollIntervalSec = 0 }, "feed.poll_interval_sec"},
		{"quantity bounds", func(c *Config) { c.Orders.MaxQuantity = 0 }, "orders"},
		{"negative tolerance", func(c *Config) { c.Orders.PriceTolerance = decimal.NewFromInt(-1) }, "orders.price_tolerance"},
		{"zero sweep", func(c *Config) { c.Cache.SweepIntervalSec = 0 }, "cache.sweep_interval_sec"},
		{"stream url", func(c *Config) { c.Stream.Enabled = true; c.Stream.URL = "http://x" }, "stream.url"},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"index without key", func(c *Config) { c.Indices.List = []domain.Index{{Name: "NIFTY 50"}} }, "indices.list"},
		{"duplicate index", func(c *Config) {
			c.Indices.List = []domain.Index{{Name: "NIFTY 50", InstrumentKey: "a"}, {Name: "nifty 50", InstrumentKey: "b"}}
		}, "indices.list"},
		{"zero index poll", func(c *Config) {
			c.Indices.List = []domain.Index{{Name: "SENSEX", InstrumentKey: "BSE_INDEX|SENSEX"}}
			c.Indices.PollIntervalSec = 0
		}, "indices.poll_interval_sec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cerr *domain.ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, cerr.Field)
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}
