package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/vitos/cycle_trader/internal/domain"
	"github.com/vitos/cycle_trader/internal/infrastructure/advisor"
	"github.com/vitos/cycle_trader/internal/infrastructure/exchange"
	"github.com/vitos/cycle_trader/internal/infrastructure/journal"
	"github.com/vitos/cycle_trader/internal/infrastructure/lease"
	"github.com/vitos/cycle_trader/internal/infrastructure/logger"
	"github.com/vitos/cycle_trader/internal/infrastructure/metrics"
	"github.com/vitos/cycle_trader/internal/infrastructure/notify"
	"github.com/vitos/cycle_trader/internal/infrastructure/storage"
	"github.com/vitos/cycle_trader/internal/usecase"
	"github.com/vitos/cycle_trader/internal/web"
	"go.uber.org/zap"
)

// store is what the bot needs from either storage driver.
type store interface {
	domain.TradeRepository
	domain.CostBasisStore
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. Load Config
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewFileLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.Info("Shutting down...", zap.String("signal", sig.String()))
		cancel()
	}()

	// 3. Single-instance lease
	if cfg.Secrets.RedisURL != "" {
		release, err := holdLease(ctx, cancel, cfg, log)
		if err != nil {
			log.Fatal("Failed to acquire lease", zap.Error(err))
		}
		defer release()
	}

	// 4. Init Storage
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to init storage", zap.Error(err), zap.String("driver", cfg.Storage.Driver))
	}
	defer closeStore()

	// 5. Init Exchange
	binanceAdapter := exchange.NewBinanceAdapter(exchange.BinanceConfig{
		APIKey:     cfg.Secrets.BinanceAPIKey,
		APISecret:  cfg.Secrets.BinanceAPISecret,
		BaseURL:    cfg.Exchange.RESTURL,
		Symbol:     cfg.Exchange.Symbol,
		BaseAsset:  cfg.Exchange.BaseAsset,
		QuoteAsset: cfg.Exchange.QuoteAsset,
		RecvWindow: cfg.Exchange.RecvWindow,
	}, log)
	if err := binanceAdapter.SyncTime(ctx); err != nil {
		log.Warn("Failed to sync exchange time", zap.Error(err))
	}
	stream := exchange.NewUserStream(binanceAdapter.Client(), exchange.UserStreamConfig{
		WSURL:             cfg.Exchange.WSURL,
		Symbol:            cfg.Exchange.Symbol,
		KeepaliveInterval: cfg.Exchange.KeepaliveInterval,
	}, log)

	// 6. Telemetry
	recorder := metrics.NewRecorder()
	jrnl := journal.NewJournal(cfg.Journal.Dir, cfg.Journal.Retention, log)
	go jrnl.Run(ctx)
	telemetry := usecase.NewTelemetry(usecase.NewRepositorySink(st, log), recorder, jrnl)

	alerter := newAlerter(cfg, log)

	// 7. Init Services
	executor := usecase.NewTradeExecutor(binanceAdapter, cfg.Retry, recorder, log)
	validator, err := usecase.NewMarginValidator(cfg.Trading.FeeRate, cfg.Trading.ProfitEpsilon, cfg.Trading.DegradedMargin)
	if err != nil {
		log.Fatal("Invalid margin settings", zap.Error(err))
	}
	fills := usecase.NewFillProcessor(cfg.Exchange.Symbol, cfg.Exchange.BaseAsset, cfg.Exchange.QuoteAsset, cfg.Trading.FeeRate)
	reconciler := usecase.NewReconciler(executor, binanceAdapter, st, usecase.ReconcilerConfig{
		Symbol:     cfg.Exchange.Symbol,
		BaseAsset:  cfg.Exchange.BaseAsset,
		QuoteAsset: cfg.Exchange.QuoteAsset,
		FeeRate:    cfg.Trading.FeeRate,
		Retry:      cfg.Retry,
	}, log)
	core := usecase.NewCore(executor, validator, fills, reconciler, st, telemetry, alerter, usecase.CoreConfig{
		Symbol:              cfg.Exchange.Symbol,
		BaseAsset:           cfg.Exchange.BaseAsset,
		QuoteAsset:          cfg.Exchange.QuoteAsset,
		BuyNotional:         cfg.Trading.BuyNotional,
		SellFallback:        cfg.Trading.SellFallback,
		FallbackSpread:      cfg.Trading.FallbackSpread,
		MinNotionalOverride: cfg.Trading.MinNotionalOverride,
	}, log)

	llm := advisor.NewOpenRouterAdvisor(advisor.Config{
		BaseURL:     cfg.Advisory.BaseURL,
		APIKey:      cfg.Secrets.OpenRouterAPIKey,
		Model:       cfg.Advisory.Model,
		Referer:     cfg.Advisory.Referer,
		Temperature: cfg.Advisory.Temperature,
	}, &http.Client{}, log)
	gateway := usecase.NewAdvisoryGateway(llm, cfg.Advisory.AdvisoryConfig, telemetry, log)
	marketService := usecase.NewMarketService(binanceAdapter, cfg.Exchange.Symbol, cfg.Market)

	driver := usecase.NewCycleDriver(core, gateway, marketService, stream, recorder, cfg.Cycle, log)

	// 8. Start Web Server
	srv := web.NewServer(cfg.Web.Addr, core, st, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("Web server failed", zap.Error(err))
			cancel()
		}
	}()

	// 9. Run until shutdown
	if err := driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Cycle driver stopped", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
	log.Info("Server exited")
}

// openStore returns the configured repository and its closer.
func openStore(ctx context.Context, cfg *Config) (store, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Secrets.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := storage.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil
	default:
		sq, err := storage.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return sq, func() { sq.Close() }, nil
	}
}

// holdLease acquires the lease and cancels the bot if it is ever lost.
func holdLease(ctx context.Context, cancel context.CancelFunc, cfg *Config, log *zap.Logger) (func(), error) {
	opts, err := redis.ParseURL(cfg.Secrets.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	l := lease.NewRedisLease(rdb, cfg.Lease.Key, cfg.Lease.TTL, log)
	if err := l.Acquire(ctx); err != nil {
		rdb.Close()
		return nil, err
	}
	log.Info("Lease acquired", zap.String("key", cfg.Lease.Key), zap.String("token", l.Token()))

	go func() {
		if err := l.Keep(ctx); errors.Is(err, lease.ErrLost) {
			log.Error("Lost single-instance lease, stopping", zap.Error(err))
			cancel()
		}
	}()

	return func() {
		releaseCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		if err := l.Release(releaseCtx); err != nil {
			log.Warn("Failed to release lease", zap.Error(err))
		}
		rdb.Close()
	}, nil
}

func newAlerter(cfg *Config, log *zap.Logger) domain.Alerter {
	if cfg.Secrets.TelegramToken == "" || cfg.Secrets.TelegramChatID == 0 {
		return notify.NewLogAlerter(log)
	}
	tg, err := notify.NewTelegramAlerter(cfg.Secrets.TelegramToken, cfg.Secrets.TelegramChatID, cfg.Exchange.Symbol, "", log)
	if err != nil {
		log.Warn("Telegram unavailable, alerts go to the log", zap.Error(err))
		return notify.NewLogAlerter(log)
	}
	return tg
}
