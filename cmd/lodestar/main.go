package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lodestar-wms/lodestar/internal/analytics"
	"github.com/lodestar-wms/lodestar/internal/app"
	"github.com/lodestar-wms/lodestar/internal/catalog"
	"github.com/lodestar-wms/lodestar/internal/observability"
	"github.com/lodestar-wms/lodestar/internal/platform/cache"
	"github.com/lodestar-wms/lodestar/internal/platform/db"
	"github.com/lodestar-wms/lodestar/internal/rbac"
	"github.com/lodestar-wms/lodestar/internal/sales"
	"github.com/lodestar-wms/lodestar/internal/shared"
	"github.com/lodestar-wms/lodestar/internal/stock"
	"github.com/lodestar-wms/lodestar/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if err := db.Migrate(cfg.PGDSN, migrations.Files); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, order locking degrades to single-process", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	validate := validator.New()

	auditLogger := shared.NewAuditLogger(pool)
	eventSink := shared.NewEventSink(pool, logger)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	rbacService := rbac.NewService(pool)
	rbacMiddleware := rbac.Middleware{Checker: rbacService, Logger: logger}
	rbacHandler := rbac.NewHandler(logger, rbacService, validate, rbacMiddleware)

	catalogRepo := catalog.NewRepository(pool)
	catalogHandler := catalog.NewHandler(logger, catalogRepo)

	stockRepo := stock.NewRepository(pool)
	stockService := stock.NewService(stockRepo, catalogRepo, auditLogger, eventSink, idempotencyStore, metrics)
	stockHandler := stock.NewHandler(logger, stockService, validate, rbacMiddleware)

	var orderLocker *cache.OrderLocker
	if redisClient != nil {
		orderLocker = cache.NewOrderLocker(redisClient, cfg.OrderLockTTL)
	}

	analyticsRecorder := analytics.NewRecorder(pool)
	analyticsHandler := analytics.NewHandler(logger, analyticsRecorder, rbacMiddleware)

	salesRepo := sales.NewRepository(pool)
	salesService := sales.NewService(salesRepo, stockService, analyticsRecorder, auditLogger, eventSink, orderLocker, metrics)
	salesHandler := sales.NewHandler(logger, salesService, validate, rbacMiddleware)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		CatalogHandler:   catalogHandler,
		StockHandler:     stockHandler,
		SalesHandler:     salesHandler,
		AnalyticsHandler: analyticsHandler,
		RBACHandler:      rbacHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
