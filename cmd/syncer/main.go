package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"catalog_syncer/internal/api"
	"catalog_syncer/internal/config"
	"catalog_syncer/internal/currency"
	"catalog_syncer/internal/lock"
	"catalog_syncer/internal/metrics"
	"catalog_syncer/internal/publisher"
	"catalog_syncer/internal/scheduler"
	"catalog_syncer/internal/service"
	"catalog_syncer/internal/source"
	"catalog_syncer/internal/source/shopify"
	"catalog_syncer/internal/source/shoptet"
	"catalog_syncer/internal/source/shopware"
	"catalog_syncer/internal/source/woocommerce"
	"catalog_syncer/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("catalog syncer stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	logger.Info("connected to database")

	if cfg.Database.Migrate {
		if err := postgres.Migrate(db, logger); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	locker, closeLocker, err := newLocker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	// A disabled publisher stays a nil interface.
	var pub service.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:               cfg.RabbitMQ.URL,
			Exchange:          cfg.RabbitMQ.Exchange,
			ProductRoutingKey: cfg.RabbitMQ.ProductRoutingKey,
			RunRoutingKey:     cfg.RabbitMQ.RunRoutingKey,
			QueueName:         cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			return err
		}
		defer rabbitMQ.Close()
		pub = rabbitMQ
	}

	converter, err := currency.NewConverter(cfg.Currency.Base, cfg.Currency.Rates)
	if err != nil {
		return fmt.Errorf("create currency converter: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	client := source.NewClient(source.ClientConfig{
		Timeout:        cfg.API.Timeout,
		RequestsPerSec: cfg.API.RequestsPerSec,
		Burst:          cfg.API.Burst,
		MaxAttempts:    cfg.API.Retry.MaxAttempts,
		InitialBackoff: cfg.API.Retry.InitialBackoff,
		MaxBackoff:     cfg.API.Retry.MaxBackoff,
	}, logger)

	adapters := source.NewRegistry(
		shopify.New(client, shopify.Config{
			BaseURL:  cfg.Platforms.Shopify.BaseURL,
			PageSize: cfg.Platforms.Shopify.PageSize,
		}, logger),
		woocommerce.New(client, woocommerce.Config{
			BaseURL:  cfg.Platforms.WooCommerce.BaseURL,
			PageSize: cfg.Platforms.WooCommerce.PageSize,
		}, logger),
		shopware.New(client, shopware.Config{
			BaseURL:  cfg.Platforms.Shopware.BaseURL,
			PageSize: cfg.Platforms.Shopware.PageSize,
		}, logger),
		shoptet.New(client, shoptet.Config{
			BaseURL:  cfg.Platforms.Shoptet.BaseURL,
			PageSize: cfg.Platforms.Shoptet.PageSize,
		}, logger),
	)

	storeStore := postgres.NewStoreStore(db)
	syncRunStore := postgres.NewSyncRunStore(db)
	clk := clockwork.NewRealClock()

	syncService := service.NewSyncService(
		storeStore,
		postgres.NewProductStore(db),
		syncRunStore,
		postgres.NewTransactionManager(db),
		locker,
		adapters,
		converter,
		pub,
		m,
		clk,
		logger,
		cfg.Sync,
	)

	sched, err := scheduler.NewScheduler(syncService, storeStore, clk, cfg.Sync, logger)
	if err != nil {
		return err
	}

	handler := api.NewHandler(sched, syncRunStore, db, m, logger)
	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting catalog syncer",
		"platforms", adapters.Platforms(),
		"delta_interval", cfg.Sync.DeltaInterval,
		"reconcile_at", cfg.Sync.ReconcileAt,
		"http_addr", cfg.HTTP.Addr,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sched.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "error", err)
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("on-demand runs canceled at shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// newLocker returns the Redis lock when configured, else the in-process one.
func newLocker(cfg *config.Config, logger *slog.Logger) (service.Locker, func(), error) {
	if !cfg.Redis.Enabled() {
		logger.Info("using in-process run lock")
		return lock.NewLocal(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("using redis run lock", "addr", cfg.Redis.Addr)

	// The TTL outlives the longest run including its finalization.
	ttl := cfg.Sync.RunTimeout + cfg.Sync.RunTimeout/2
	return lock.NewRedis(client, "", ttl), func() { client.Close() }, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
