package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fxdesk/fxdesk/internal/app"
	"github.com/fxdesk/fxdesk/internal/netting"
	"github.com/fxdesk/fxdesk/internal/netting/reports"
	"github.com/fxdesk/fxdesk/internal/observability"
	"github.com/fxdesk/fxdesk/internal/platform/cache"
	"github.com/fxdesk/fxdesk/internal/platform/db"
	"github.com/fxdesk/fxdesk/internal/shared"
	"github.com/fxdesk/fxdesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if cfg.MigrationsAuto {
		if err := db.Migrate(cfg.PGDSN, logger); err != nil {
			logger.Error("apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	metrics := observability.NewMetrics()

	var reportCache reports.Cache
	var inspector *asynq.Inspector
	if cfg.RedisAddr != "" {
		redisClient, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, using in-process report cache", slog.Any("error", err))
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}()
			redisCache := reports.NewRedisCache(redisClient, cfg.ReportCacheTTL)
			if err := redisCache.ListenForInvalidation(ctx); err != nil {
				logger.Warn("report cache invalidation listener", slog.Any("error", err))
			}
			reportCache = redisCache
			inspector = asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
			defer inspector.Close()
		}
	}
	if reportCache == nil {
		reportCache = reports.NewLocalCache(cfg.ReportCacheTTL)
	}

	nettingRepo := netting.NewPostgresRepository(dbpool)
	reportsService := reports.NewService(nettingRepo, reportCache)
	nettingService := netting.NewService(nettingRepo, shared.NewAuditLogger(dbpool), netting.ServiceConfig{
		Logger:  logger,
		Metrics: netting.NewMetrics(metrics.Registerer()),
		Cache:   reportsService,
	})
	nettingHandler := netting.NewHandler(logger, nettingService, shared.NewIdempotencyStore(dbpool))
	reportsHandler := reports.NewHandler(logger, reportsService)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		NettingHandler: nettingHandler,
		ReportsHandler: reportsHandler,
		JobsHandler:    jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
		Authenticate:   app.RequireActor([]byte(cfg.JWTSecret), cfg.JWTIssuer, logger),
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
