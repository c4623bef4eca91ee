package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/infrastructure/exchange"
	"github.com/vitos/cycle_trader/internal/infrastructure/storage"
	"github.com/vitos/cycle_trader/internal/usecase"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange struct {
		RESTURL    string `yaml:"rest_url"`
		Symbol     string `yaml:"symbol"`
		BaseAsset  string `yaml:"base_asset"`
		QuoteAsset string `yaml:"quote_asset"`
		RecvWindow int64  `yaml:"recv_window"`
	} `yaml:"exchange"`
	Trading struct {
		FeeRate decimal.Decimal `yaml:"fee_rate"`
	} `yaml:"trading"`
	Storage struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"storage"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// check_exchange prints what reconciliation would conclude right now.
// It never places or cancels anything.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	_ = godotenv.Load()

	adapter := exchange.NewBinanceAdapter(exchange.BinanceConfig{
		APIKey:     os.Getenv("BINANCE_API_KEY"),
		APISecret:  os.Getenv("BINANCE_API_SECRET"),
		BaseURL:    cfg.Exchange.RESTURL,
		Symbol:     cfg.Exchange.Symbol,
		BaseAsset:  cfg.Exchange.BaseAsset,
		QuoteAsset: cfg.Exchange.QuoteAsset,
		RecvWindow: cfg.Exchange.RecvWindow,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Checking %s on %s...\n", cfg.Exchange.Symbol, adapter.Client().BaseURL)

	if err := adapter.SyncTime(ctx); err != nil {
		fmt.Printf("❌ Failed to sync time: %v\n", err)
	}

	price, err := adapter.GetLastPrice(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ Last price: %s\n", price)
	}

	rules, err := adapter.GetSymbolRules(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get symbol rules: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Rules: tick=%s step=%s min_qty=%s min_notional=%s\n",
		rules.TickSize, rules.StepSize, rules.MinQuantity, rules.MinNotional)

	store, err := storage.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		fmt.Printf("❌ Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	reconciler := usecase.NewReconciler(adapter, adapter, store, usecase.ReconcilerConfig{
		Symbol:     cfg.Exchange.Symbol,
		BaseAsset:  cfg.Exchange.BaseAsset,
		QuoteAsset: cfg.Exchange.QuoteAsset,
		FeeRate:    cfg.Trading.FeeRate,
	}, zap.NewNop())

	res, err := reconciler.Reconcile(ctx)
	if err != nil {
		fmt.Printf("❌ Reconciliation failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Printf("✅ Reconciled state: %s\n%s\n", res.State, out)
}
