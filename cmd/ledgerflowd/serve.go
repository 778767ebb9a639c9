package main

import (
	"context"
	"errors"
	"log/slog"

	"LedgerFlow/internal/api"
	"LedgerFlow/internal/auth"
	"LedgerFlow/internal/observability/metrics"
	"LedgerFlow/internal/observability/tracing"
	"LedgerFlow/internal/run"
	"LedgerFlow/pkg/logger"

	"github.com/spf13/cobra"
)

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API 与运行工作池",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	cfg := c.cfg

	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.L().Warn("关闭 tracer 失败", slog.Any("error", err))
			}
		}()
	}

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	recorder := metrics.New()
	comps, err := assemble(ctx, cfg, recorder)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.close(); err != nil {
			logger.L().Warn("释放组件失败", slog.Any("error", err))
		}
	}()

	service := run.NewService(comps.store, comps.queue, cfg.Engine.MaxRetries)
	processor := run.NewProcessor(comps.factory, comps.store, comps.queue, comps.queue,
		run.WithWorkerCount(cfg.Engine.Workers),
		run.WithRunTimeout(cfg.Engine.RunTimeout),
		run.WithProcessorLogger(logger.Named("processor")),
		run.WithAlertDispatcher(buildAlerts(cfg)),
		run.WithResultSink(comps.results),
		run.WithInstruments(recorder),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("运行处理器异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Runs:      service,
		Auth:      authService,
		Results:   comps.results,
		Metrics:   recorder,
		Logger:    logger.Named("api"),
		Benchmark: cfg.Engine.BenchmarkMode,
	}, api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout))

	logger.L().Info("ledgerflowd 已启动", slog.String("address", cfg.Server.Address))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
