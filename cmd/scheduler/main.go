package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"LeadFlow/config"
	"LeadFlow/internal/schedule"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/metrics"
	"LeadFlow/pkg/otel"
	"LeadFlow/pkg/snowflake"
	"LeadFlow/storage"
)

func main() {
	logger.Init()
	defer logger.Sync()

	if err := config.Cfg.Validate(); err != nil {
		logger.Logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Logger.Info("Scheduler received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	shutdownOTel, err := otel.InitOpenTelemetry(ctx, otel.FromConfig("scheduler"))
	if err != nil {
		logger.Logger.Fatal("Failed to initialize OpenTelemetry", zap.Error(err))
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownOTel(flushCtx)
	}()
	if err := metrics.InitMetrics(); err != nil {
		logger.Logger.Warn("Failed to initialize metrics", zap.Error(err))
	}

	if err := storage.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage for scheduler", zap.Error(err))
	}
	defer storage.Close()

	// 与 worker 和 server 使用不同的 machine id
	if err := snowflake.Init(config.Cfg.SnowflakeMachineID, config.Cfg.SnowflakeDataCenter); err != nil {
		logger.Logger.Fatal("Failed to initialize snowflake for scheduler", zap.Error(err))
	}

	s, err := schedule.GetOutreachScheduler()
	if err != nil {
		logger.Logger.Fatal("Failed to initialize outreach scheduler", zap.Error(err))
	}

	c := cron.New(cron.WithLocation(config.Cfg.Location()))

	if _, err := c.AddFunc(config.Cfg.TickCron, func() { runTick(ctx, s) }); err != nil {
		logger.Logger.Fatal("Invalid TICK_CRON", zap.String("spec", config.Cfg.TickCron), zap.Error(err))
	}
	if _, err := c.AddFunc(config.Cfg.TimeoutSweepCron, func() { runSweep(ctx, s) }); err != nil {
		logger.Logger.Fatal("Invalid TIMEOUT_SWEEP_CRON", zap.String("spec", config.Cfg.TimeoutSweepCron), zap.Error(err))
	}

	logger.Logger.Info("Scheduler service starting",
		zap.String("service", config.Cfg.ServiceName+"-scheduler"),
		zap.String("environment", config.Cfg.Environment),
		zap.String("tick_cron", config.Cfg.TickCron),
		zap.String("timeout_sweep_cron", config.Cfg.TimeoutSweepCron),
	)

	c.Start()

	<-ctx.Done()

	// 等待正在执行的任务结束
	<-c.Stop().Done()

	logger.Logger.Info("Scheduler service shutting down gracefully")
}

func runTick(ctx context.Context, s *schedule.OutreachScheduler) {
	runCtx, cancel := context.WithTimeout(ctx, config.Cfg.TickTimeout)
	defer cancel()

	report, err := s.RunAll(runCtx)
	if err != nil {
		logger.Logger.Error("Tick run failed", zap.Error(err))
		return
	}
	if report.Skipped {
		fields := []zap.Field{}
		if report.RunningSince != nil {
			fields = append(fields, zap.Time("running_since", *report.RunningSince))
		}
		logger.Logger.Warn("Previous tick still running, skipped", fields...)
		return
	}
	logger.Logger.Info("Tick run finished",
		zap.Int("tenants", len(report.Tenants)),
		zap.Duration("elapsed", time.Since(report.StartedAt)),
	)
}

func runSweep(ctx context.Context, s *schedule.OutreachScheduler) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	expired, err := s.SweepTimedOutCampaigns(runCtx)
	if err != nil {
		logger.Logger.Error("Campaign timeout sweep failed", zap.Error(err))
	}
	if expired > 0 {
		logger.Logger.Info("Expired timed out campaigns", zap.Int("count", expired))
	}
}
