package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"SoroTask/internal/api"
	"SoroTask/internal/config"
	"SoroTask/internal/observability/metrics"
	"SoroTask/internal/task"
	"SoroTask/internal/web3/provider"
	"SoroTask/pkg/logger"
)

// main 是 SoroTask 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("sorotaskd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	l := logger.Named("sorotaskd")

	var collector *metrics.Collector
	if cfg.Observability.Metrics.Enabled {
		collector = metrics.New(nil)
	}

	store, err := openStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			l.Error("关闭任务存储失败", slog.Any("error", err))
		}
	}()

	journal, closeJournal, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer closeJournal()

	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			l.Error("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	engineOpts := []task.EngineOption{
		task.WithJournal(journal),
		task.WithEngineAlerts(buildAlerts(cfg.Observability.Alerting)),
	}
	if collector != nil {
		engineOpts = append(engineOpts, task.WithMetrics(collector))
	}

	var host task.Host
	if cfg.Web3.Enabled() {
		registry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer registry.Close()
		host = registry
		l.Info("链连接已建立", slog.Any("chains", registry.Chains()))

		if cfg.Web3.UseBlockClock {
			clock, err := registry.Clock()
			if err != nil {
				return err
			}
			engineOpts = append(engineOpts, task.WithClock(clock))
		}
	} else {
		l.Warn("未配置链端点，执行请求将被拒绝")
	}

	engine := task.NewEngine(store, host, engineOpts...)

	report, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("恢复预写日志失败: %w", err)
	}
	if report.Committed+report.Discarded+report.Failed > 0 {
		l.Info("预写日志恢复完成",
			slog.Int("committed", report.Committed),
			slog.Int("discarded", report.Discarded),
			slog.Int("failed", report.Failed))
	}

	processor := task.NewProcessor(engine, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	serverOpts := []api.Option{
		api.WithTriggerer(processor),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	}
	if collector != nil {
		serverOpts = append(serverOpts, api.WithMetrics(collector))
	}
	server := api.NewServer(cfg.Server.Address, engine, serverOpts...)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	l.Info("sorotaskd 已退出")
	return nil
}
