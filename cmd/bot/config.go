package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/usecase"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	Web struct {
		Addr string `yaml:"addr"`
	} `yaml:"web"`

	Exchange struct {
		RESTURL           string        `yaml:"rest_url"`
		WSURL             string        `yaml:"ws_url"`
		Symbol            string        `yaml:"symbol"`
		BaseAsset         string        `yaml:"base_asset"`
		QuoteAsset        string        `yaml:"quote_asset"`
		RecvWindow        int64         `yaml:"recv_window"`
		KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	} `yaml:"exchange"`

	Trading struct {
		BuyNotional         decimal.Decimal `yaml:"buy_notional"`
		FeeRate             decimal.Decimal `yaml:"fee_rate"`
		ProfitEpsilon       decimal.Decimal `yaml:"profit_epsilon"`
		DegradedMargin      decimal.Decimal `yaml:"degraded_margin"`
		SellFallback        string          `yaml:"sell_fallback"`
		FallbackSpread      decimal.Decimal `yaml:"fallback_spread"`
		MinNotionalOverride decimal.Decimal `yaml:"min_notional_override"`
	} `yaml:"trading"`

	Cycle    usecase.CycleConfig    `yaml:"cycle"`
	Retry    usecase.RetryConfig    `yaml:"retry"`
	Market   usecase.MarketConfig   `yaml:"market"`
	Advisory struct {
		usecase.AdvisoryConfig `yaml:",inline"`
		BaseURL                string  `yaml:"base_url"`
		Model                  string  `yaml:"model"`
		Referer                string  `yaml:"referer"`
		Temperature            float64 `yaml:"temperature"`
	} `yaml:"advisory"`

	Storage struct {
		Driver     string `yaml:"driver"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"storage"`

	Lease struct {
		Key string        `yaml:"key"`
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"lease"`

	Journal struct {
		Dir       string        `yaml:"dir"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"journal"`

	Secrets Secrets `yaml:"-"`
}

// Secrets never live in the YAML file.
type Secrets struct {
	BinanceAPIKey    string
	BinanceAPISecret string
	OpenRouterAPIKey string
	TelegramToken    string
	TelegramChatID   int64
	DatabaseURL      string
	RedisURL         string
}

func defaultConfig() *Config {
	cfg := &Config{LogLevel: "info"}
	cfg.Web.Addr = ":8080"
	cfg.Exchange.Symbol = "TRUMPUSDC"
	cfg.Exchange.BaseAsset = "TRUMP"
	cfg.Exchange.QuoteAsset = "USDC"
	cfg.Exchange.RecvWindow = 5000
	cfg.Exchange.KeepaliveInterval = 30 * time.Minute
	cfg.Trading.BuyNotional = decimal.NewFromInt(10)
	cfg.Trading.FeeRate = decimal.RequireFromString("0.001")
	cfg.Trading.ProfitEpsilon = decimal.RequireFromString("0.01")
	cfg.Trading.DegradedMargin = decimal.RequireFromString("0.005")
	cfg.Trading.SellFallback = usecase.SellFallbackSkip
	cfg.Trading.FallbackSpread = decimal.RequireFromString("0.003")
	cfg.Trading.MinNotionalOverride = decimal.NewFromInt(5)
	cfg.Cycle = usecase.DefaultCycleConfig()
	cfg.Retry = usecase.DefaultRetryConfig()
	cfg.Market = usecase.DefaultMarketConfig()
	cfg.Advisory.AdvisoryConfig = usecase.DefaultAdvisoryConfig()
	cfg.Advisory.Temperature = 0.2
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = "cycle.db"
	cfg.Lease.Key = "cycle_trader:lease"
	cfg.Lease.TTL = 30 * time.Second
	cfg.Journal.Dir = "logs"
	cfg.Journal.Retention = 72 * time.Hour
	return cfg
}

// loadConfig reads the YAML file over the defaults, then secrets from the
// environment. A missing .env is fine.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	_ = godotenv.Load()
	if err := cfg.loadSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadSecrets() error {
	c.Secrets = Secrets{
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		c.Secrets.TelegramChatID = id
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Exchange.Symbol == "" || c.Exchange.BaseAsset == "" || c.Exchange.QuoteAsset == "" {
		errs = append(errs, errors.New("exchange.symbol, base_asset and quote_asset are required"))
	}
	if !c.Trading.BuyNotional.IsPositive() {
		errs = append(errs, errors.New("trading.buy_notional must be positive"))
	}
	if c.Trading.FeeRate.IsNegative() || c.Trading.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("trading.fee_rate must be in [0,1)"))
	}
	if !c.Trading.ProfitEpsilon.IsPositive() {
		errs = append(errs, errors.New("trading.profit_epsilon must be positive"))
	}
	switch c.Trading.SellFallback {
	case usecase.SellFallbackSkip, usecase.SellFallbackDeterministic:
	default:
		errs = append(errs, fmt.Errorf("trading.sell_fallback must be %q or %q", usecase.SellFallbackSkip, usecase.SellFallbackDeterministic))
	}
	if c.Trading.SellFallback == usecase.SellFallbackDeterministic && !c.Trading.FallbackSpread.IsPositive() {
		errs = append(errs, errors.New("trading.fallback_spread must be positive with the deterministic fallback"))
	}
	if c.Advisory.ConfidenceFloor < 0 || c.Advisory.ConfidenceFloor > 1 {
		errs = append(errs, errors.New("advisory.confidence_floor must be in [0,1]"))
	}
	if c.Advisory.Timeout <= 0 {
		errs = append(errs, errors.New("advisory.timeout must be positive"))
	}
	if c.Cycle.TickInterval <= 0 || c.Cycle.PollInterval <= 0 {
		errs = append(errs, errors.New("cycle.tick_interval and cycle.poll_interval must be positive"))
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for sqlite"))
		}
	case "postgres":
		if c.Secrets.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Secrets.BinanceAPIKey == "" || c.Secrets.BinanceAPISecret == "" {
		errs = append(errs, errors.New("BINANCE_API_KEY and BINANCE_API_SECRET are required"))
	}
	if c.Secrets.OpenRouterAPIKey == "" {
		errs = append(errs, errors.New("OPENROUTER_API_KEY is required"))
	}
	return errors.Join(errs...)
}
