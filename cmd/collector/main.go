package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/andr-235/parseVK-sub000/internal/config"
	"github.com/andr-235/parseVK-sub000/internal/crawler"
	"github.com/andr-235/parseVK-sub000/internal/pkg/logger"
	"github.com/andr-235/parseVK-sub000/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// main 是采集服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志记录器与采集服务
// 3. 启动 Redis 任务消费者与 Metrics 服务
// 4. 收到信号后优雅关闭
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !cfg.App.EnableRedisQueue {
		log.Fatal("collector daemon requires app.enable_redis_queue=true; use cmd/collect for one-off runs")
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)

	service, err := crawler.NewService(context.Background(), cfg, appLogger)
	if err != nil {
		appLogger.Error("init collector service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		defer func() {
			if r := recover(); r != nil {
				// 交给进程管理器重启，保持状态干净
				appLogger.Error("PANIC in collect worker loop", slog.Any("panic", r))
				os.Exit(1)
			}
		}()

		if err := service.StartWorker(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("collect worker stopped", slog.String("error", err.Error()))
		}
	}()

	if cfg.App.ScheduleInterval > 0 {
		sched := scheduler.NewScheduler(service.Queue(), cfg.Sources, cfg.App.ScheduleInterval, cfg.App.ScheduleLookback, appLogger)
		go func() {
			if err := sched.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error("scheduler stopped", slog.String("error", err.Error()))
			}
		}()
		go func() {
			if err := sched.StartResultListener(workerCtx); err != nil {
				appLogger.Error("result listener stopped", slog.String("error", err.Error()))
			}
		}()
	}

	metricsServer := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info("metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		appLogger.Info("received os signal", slog.String("signal", sig.String()))
	case <-workerDone:
		appLogger.Warn("collect worker exited")
	}

	// 1. 停止拉取新任务，当前任务随 context 取消并保存已抓取的部分
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		appLogger.Warn("collect worker did not stop in time")
	}

	// 2. 关闭 metrics、浏览器与连接
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("service shutdown error", slog.String("error", err.Error()))
	}

	appLogger.Info("collector service stopped gracefully")
}
