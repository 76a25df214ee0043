package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"go.uber.org/zap"

	"LeadFlow/config"
	"LeadFlow/internal/handler"
	"LeadFlow/internal/middleware"
	"LeadFlow/internal/queue"
	"LeadFlow/internal/router"
	"LeadFlow/internal/schedule"
	"LeadFlow/internal/service"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/metrics"
	"LeadFlow/pkg/otel"
	"LeadFlow/pkg/resilience"
	"LeadFlow/pkg/snowflake"
	"LeadFlow/storage"
	"LeadFlow/storage/redis"
)

func main() {
	// 日志部分
	logger.Init()
	defer logger.Sync()

	if err := config.Cfg.Validate(); err != nil {
		logger.Logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Logger.Info("Received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	shutdownOTel, err := otel.InitOpenTelemetry(ctx, otel.FromConfig("server"))
	if err != nil {
		logger.Logger.Fatal("Failed to initialize OpenTelemetry", zap.Error(err))
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownOTel(flushCtx); err != nil {
			logger.Logger.Warn("Failed to flush OpenTelemetry", zap.Error(err))
		}
	}()
	if err := metrics.InitMetrics(); err != nil {
		logger.Logger.Warn("Failed to initialize metrics", zap.Error(err))
	}

	// 初始化存储层，记得关闭外部连接
	if err := storage.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storage.Close()

	if err := snowflake.Init(config.Cfg.SnowflakeMachineID, config.Cfg.SnowflakeDataCenter); err != nil {
		logger.Logger.Fatal("Failed to initialize snowflake", zap.Error(err))
	}

	scheduler, err := schedule.GetOutreachScheduler()
	if err != nil {
		logger.Logger.Fatal("Failed to initialize outreach scheduler", zap.Error(err))
	}

	handler.SetServices(handler.Services{
		Reconciler:      service.Reconcile(),
		Enricher:        service.Enrichment(),
		ProviderStatus:  service.ProviderStatus(),
		OptOut:          service.OptOut(),
		Tick:            scheduler,
		Enqueue:         queue.PublishExtraction,
		ExtractionAsync: config.Cfg.ExtractionAsync,
	})

	logger.Logger.Info("Server starting",
		zap.String("service", config.Cfg.ServiceName),
		zap.String("port", config.Cfg.ServerPort),
		zap.String("environment", config.Cfg.Environment),
		zap.Bool("extraction_async", config.Cfg.ExtractionAsync),
	)

	addr := net.JoinHostPort(config.Cfg.ServerHost, config.Cfg.ServerPort)
	opts := []hertzconfig.Option{server.WithHostPorts(addr)}

	var tracingMiddleware app.HandlerFunc
	if config.Cfg.OTELEnabled {
		tracerOpt, mw := middleware.NewServerTracerConfig()
		opts = append(opts, tracerOpt)
		tracingMiddleware = mw
	}

	h := server.Default(opts...)
	if tracingMiddleware != nil {
		h.Use(tracingMiddleware)
	}

	var limiter *resilience.RateLimiter
	if config.Cfg.RateLimitEnabled {
		limiter = resilience.NewRateLimiter(redis.Client(), redis.Prefix(), config.Cfg.RateLimitMax, config.Cfg.RateLimitWindow)
	}

	router.Register(h, router.Options{
		Limiter:       limiter,
		WebhookSecret: config.Cfg.WebhookSecret,
		TickSecret:    config.Cfg.TickSecret,
	})

	// 优雅关闭：在单独的 goroutine 中监听关闭信号并调用 Shutdown
	go func() {
		<-ctx.Done()
		logger.Logger.Info("Initiating graceful shutdown...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Error("Failed to shutdown HTTP server", zap.Error(err))
		}
	}()

	logger.Logger.Info("HTTP server listening", zap.String("addr", addr))

	h.Spin()

	logger.Logger.Info("Server shutting down gracefully")
}
