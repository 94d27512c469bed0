package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"position-core/internal/api"
	"position-core/internal/balance"
	"position-core/internal/engine"
	"position-core/internal/events"
	"position-core/internal/gateway"
	"position-core/internal/market"
	"position-core/internal/matching"
	"position-core/internal/monitor"
	"position-core/internal/notify"
	"position-core/internal/price"
	"position-core/internal/reconciliation"
	"position-core/internal/risk"
	"position-core/internal/scheduler"
	"position-core/internal/state"
	"position-core/pkg/cache"
	"position-core/pkg/config"
	"position-core/pkg/crypto"
	"position-core/pkg/db"
	futures "position-core/pkg/exchanges/binance/futures_usdt"
	"position-core/pkg/i18n"
	marketbinance "position-core/pkg/market/binance"
)

const (
	version          = "1.0.0"
	demoAccountID    = "virtual-demo"
	registryTTL      = 30 * time.Minute
	priceCacheMaxAge = 10 * time.Minute
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.AppEnv == "production" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting position engine",
		zap.String("version", version),
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.Strings("symbols", cfg.BinanceSymbols),
		zap.Bool("mock_feed", cfg.UseMockFeed))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	if dir := filepath.Dir(cfg.DBPath); dir != "" && cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("create data dir", zap.Error(err))
		}
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}
	seedDemoAccount(ctx, database, cfg, logger)

	fees, err := cfg.FeeSchedule()
	if err != nil {
		logger.Fatal("load fee schedule", zap.Error(err))
	}

	// Optional Redis: shared price cache and cross-instance task lock
	var (
		shared price.SharedStore
		locker scheduler.Locker
	)
	if cfg.RedisAddr != "" {
		rdb, err := cache.NewRedisClient(ctx, cache.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			logger.Warn("redis unavailable, running without shared cache", zap.Error(err))
		} else {
			defer rdb.Close()
			shared = cache.NewRedisPriceStore(rdb)
			if cfg.EnableLeaderLock {
				locker = cache.NewRedisLocker(rdb)
			}
			logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))
		}
	}

	// Prices
	bus := events.NewBus()
	priceCache := cache.NewShardedPriceCache()
	marketData := marketbinance.NewMarketDataClient(cfg.BinanceTestnet, true)
	oracle := price.NewOracle(priceCache, marketData, shared, price.Config{
		MaxAge:  cfg.PriceMaxAge,
		Timeout: cfg.PriceTimeout,
	}, logger)

	// Lifecycle events go to the bus and to notification senders
	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	dispatcher := notify.NewDispatcher(bus, senders, i18n.Language(cfg.Language), notify.Options{Retries: 2}, logger)

	// Core
	registry := state.NewRegistry()
	ledger := balance.NewLedger(database)
	matcher := matching.NewEngine(database, ledger, registry, matching.Config{
		Fees:              fees,
		SlippagePct:       cfg.SlippagePct,
		MaintenanceMargin: cfg.MaintenanceMargin,
		FundingInterval:   cfg.FundingInterval,
		Limits:            risk.DefaultLimits(),
	}, dispatcher, logger)
	metrics := monitor.NewSystemMetrics()

	// Live accounts need the credential keyring; without it only virtual
	// accounts are managed.
	var (
		gateways    *gateway.Manager
		monitorGws  monitor.Gateways
		syncService *reconciliation.Service
	)
	keyring, err := crypto.KeyringFromEnv()
	if err != nil {
		logger.Warn("credential keyring unavailable, exchange sync disabled", zap.Error(err))
	} else {
		gateways = gateway.NewManager(database.Queries(), keyring, gateway.BinanceFactory(cfg.BinanceTestnet, logger), gateway.DefaultConfig(), logger)
		gateways.Start(ctx)
		defer gateways.Stop()
		monitorGws = gateways
		syncService = reconciliation.NewService(database, registry, gateways, dispatcher, metrics,
			reconciliation.Config{Workers: cfg.SyncWorkers}, logger)
	}

	mon := monitor.New(database, registry, oracle, matcher, monitorGws, dispatcher, metrics, monitor.Config{
		Workers:     cfg.MonitorWorkers,
		WarnPercent: cfg.LiquidationWarnPct,
		WarnLevel:   cfg.LiquidationWarnLeverage,
	}, logger)

	// Background loops
	go dispatcher.Run(ctx)
	go oracle.Run(ctx, bus)
	go matcher.Run(ctx, bus)

	if cfg.UseMockFeed {
		(&market.MockFeed{Bus: bus, Symbols: cfg.BinanceSymbols, Logger: logger}).Start(ctx)
	} else {
		(&market.Feed{
			Stream:  marketbinance.NewStreamClient(cfg.BinanceTestnet, logger),
			Poll:    marketData,
			Bus:     bus,
			Symbols: cfg.BinanceSymbols,
			Logger:  logger,
		}).Start(ctx)
	}

	// Scheduled work; every task is single-flight and optionally leader-locked
	runner := scheduler.NewRunner(ctx, logger)
	taskOpts := func(ttl time.Duration) []scheduler.TaskOption {
		opts := []scheduler.TaskOption{scheduler.WithLogger(logger)}
		if locker != nil {
			opts = append(opts, scheduler.WithLocker(locker, ttl))
		}
		return opts
	}
	schedule := func(interval time.Duration, name string, fn func(context.Context) error) *scheduler.Task {
		task := scheduler.NewTask(name, fn, taskOpts(2*interval)...)
		if _, err := runner.Every(interval, task); err != nil {
			logger.Fatal("schedule task", zap.String("task", name), zap.Error(err))
		}
		return task
	}

	schedule(cfg.MonitorInterval, "position-monitor", func(ctx context.Context) error {
		_, err := mon.Scan(ctx)
		return err
	})
	var syncTask engine.TaskRunner
	if syncService != nil {
		syncTask = schedule(cfg.SyncInterval, "exchange-sync", func(ctx context.Context) error {
			_, err := syncService.SyncAll(ctx)
			metrics.SetGatewayPoolStats(gateways.Stats())
			return err
		})
	}
	if !cfg.UseMockFeed {
		fundingClient := futures.NewClient(futures.Config{Testnet: cfg.BinanceTestnet}, logger)
		schedule(cfg.FundingCheckInterval, "funding-settlement",
			market.FundingJob(fundingClient, matcher, cfg.BinanceSymbols, logger))
	}
	schedule(5*time.Minute, "housekeeping", func(context.Context) error {
		pruned := registry.Prune(registryTTL)
		stale := priceCache.Cleanup(priceCacheMaxAge)
		if pruned > 0 || stale > 0 {
			logger.Debug("housekeeping", zap.Int("closed_ids_pruned", pruned), zap.Int("stale_prices", stale))
		}
		return nil
	})
	runner.Start()

	// HTTP
	svc := engine.NewImpl(engine.Config{
		DB:       database,
		Matching: matcher,
		Monitor:  mon,
		Sync:     syncService,
		SyncTask: syncTask,
		Prices:   oracle,
		Bus:      bus,
		Tasks:    runner,
		Notifier: dispatcher,
		TrailingDefault: db.TrailingStop{
			Type:              db.TrailingType(cfg.TrailingDefaultType),
			Distance:          cfg.TrailingDefaultDistance,
			ActivationPercent: cfg.TrailingDefaultActivation,
		},
		Meta:   engine.Meta{Version: version, UseMockFeed: cfg.UseMockFeed, Symbols: cfg.BinanceSymbols},
		Logger: logger,
	})
	server := api.NewServer(svc, bus, metrics, api.Options{
		RateLimit: cfg.APIRateLimit,
		Burst:     cfg.APIBurst,
	}, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	// Graceful shutdown: stop intake first, then let in-flight work finish
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	runner.Stop()
	cancel()

	stats := dispatcher.Stats()
	logger.Info("stopped",
		zap.Uint64("notifications_sent", stats.Sent),
		zap.Uint64("notifications_dropped", stats.Dropped),
		zap.Uint64("bus_dropped", bus.Dropped()))
}

// seedDemoAccount creates a virtual account on first start so the API is
// usable out of the box.
func seedDemoAccount(ctx context.Context, database *db.Database, cfg *config.Config, logger *zap.Logger) {
	if !cfg.SeedVirtualBalance.IsPositive() {
		return
	}
	q := database.Queries()
	if _, err := q.GetAccount(ctx, demoAccountID); err == nil {
		return
	} else if !errors.Is(err, db.ErrNotFound) {
		logger.Warn("check demo account", zap.Error(err))
		return
	}
	err := q.CreateAccount(ctx, db.Account{
		ID:           demoAccountID,
		Name:         "Demo",
		Exchange:     "binance",
		ExchangeType: "virtual",
		IsVirtual:    true,
		IsActive:     true,
		Balance:      cfg.SeedVirtualBalance,
	})
	if err != nil {
		logger.Warn("seed demo account", zap.Error(err))
		return
	}
	logger.Info("seeded virtual account",
		zap.String("account_id", demoAccountID),
		zap.String("balance", cfg.SeedVirtualBalance.String()))
}
