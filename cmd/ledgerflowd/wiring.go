package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"LedgerFlow/internal/agent"
	"LedgerFlow/internal/agent/llmagent"
	"LedgerFlow/internal/api"
	"LedgerFlow/internal/config"
	"LedgerFlow/internal/executor"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/ledger/evm"
	"LedgerFlow/internal/ledger/sim"
	"LedgerFlow/internal/observability/alerting"
	"LedgerFlow/internal/observability/metrics"
	"LedgerFlow/internal/recovery"
	"LedgerFlow/internal/run"
	"LedgerFlow/internal/scoring"
	"LedgerFlow/internal/storage/filestore"
	"LedgerFlow/internal/storage/pgstore"
	"LedgerFlow/internal/storage/sqlstore"
	"LedgerFlow/pkg/logger"

	gocache "github.com/patrickmn/go-cache"
)

// ledgerHandler 同时承担动作执行与实时快照查询。
type ledgerHandler interface {
	executor.ActionHandler
	FetchAccountSnapshot(ctx context.Context, owner string) (*flow.AccountSnapshot, error)
}

// resultStore 是评测结果的持久化后端。
type resultStore interface {
	run.ResultSink
	api.ResultLister
	Close() error
}

// components 汇总一次启动构造出的依赖，close 按构造的逆序释放。
type components struct {
	factory run.Factory
	store   run.Store
	queue   run.Queue
	results resultStore
	closers []func() error
}

func (c *components) close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// buildFactory 根据配置构造执行器工厂。
func buildFactory(ctx context.Context, cfg *config.Config, observer executor.Observer) (run.Factory, func() error, error) {
	engine, err := recovery.NewEngine(cfg.Recovery)
	if err != nil {
		return nil, nil, err
	}
	scorer := scoring.New(scoring.WithMatchThreshold(cfg.Engine.MatchThreshold))

	newLedger := func(plan *flow.FlowPlan) (ledgerHandler, error) {
		return sim.New(plan.Wallet)
	}
	closeLedger := func() error { return nil }
	if cfg.Ledger.Kind == config.LedgerEVM {
		client, err := evm.Dial(ctx, cfg.Ledger.EVM)
		if err != nil {
			return nil, nil, fmt.Errorf("连接 EVM 节点失败: %w", err)
		}
		newLedger = func(*flow.FlowPlan) (ledgerHandler, error) { return client, nil }
		closeLedger = func() error { client.Close(); return nil }
	}

	var llmAgent *llmagent.Agent
	if cfg.Agent.Kind == config.AgentLLM {
		model, err := llmagent.NewOpenAI(cfg.Agent.OpenAI)
		if err != nil {
			_ = closeLedger()
			return nil, nil, err
		}
		llmAgent, err = llmagent.New(model,
			llmagent.WithTemperature(cfg.Agent.Temperature),
			llmagent.WithMaxTokens(cfg.Agent.MaxTokens))
		if err != nil {
			_ = closeLedger()
			return nil, nil, err
		}
	}
	guardOpts := []agent.Option{agent.WithTimeout(cfg.Agent.Timeout)}
	if cfg.Agent.RPS > 0 {
		guardOpts = append(guardOpts, agent.WithRateLimit(cfg.Agent.RPS, cfg.Agent.Burst))
	}
	// 限流器需要跨运行共享。
	var sharedGuard *agent.Guard
	if llmAgent != nil {
		sharedGuard = agent.Guarded(llmAgent, guardOpts...)
	}

	factory := func(plan *flow.FlowPlan, benchmark bool) (*executor.Executor, error) {
		if plan == nil {
			return nil, errors.New("流程计划为空")
		}
		ledger, err := newLedger(plan)
		if err != nil {
			return nil, err
		}
		var ag executor.Agent = sharedGuard
		if sharedGuard == nil {
			ag = agent.Guarded(agent.NewScripted(plan), guardOpts...)
		}
		opts := []executor.Option{
			executor.WithScorer(scorer),
			executor.WithLedgerQuery(ledger),
			executor.WithBenchmarkMode(benchmark || cfg.Engine.BenchmarkMode),
			executor.WithLogger(logger.ForRun(logger.Named("executor"), "", plan.FlowID)),
		}
		if cfg.Engine.SnapshotTTL > 0 {
			opts = append(opts, executor.WithSnapshotCache(gocache.New(cfg.Engine.SnapshotTTL, 2*cfg.Engine.SnapshotTTL)))
		}
		if observer != nil {
			opts = append(opts, executor.WithObserver(observer))
		}
		return executor.New(ag, ledger, engine, opts...)
	}
	return factory, closeLedger, nil
}

// buildQueue 根据配置选择运行队列。
func buildQueue(cfg *config.Config) (run.Queue, error) {
	switch cfg.Queue.Driver {
	case config.QueueRedis:
		return run.NewRedisQueue(cfg.Queue.Redis)
	case config.QueueRabbitMQ:
		return run.NewRabbitMQQueue(cfg.Queue.RabbitMQ)
	default:
		return run.NewMemoryQueue(cfg.Queue.Buffer), nil
	}
}

// buildStores 根据存储驱动构造运行存储与结果存储。
func buildStores(ctx context.Context, cfg *config.Config) (run.Store, resultStore, error) {
	switch cfg.Storage.Driver {
	case config.StorageSQLite, config.StorageMySQL:
		if cfg.Storage.Driver == config.StorageSQLite {
			if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		db, err := sqlstore.Open(ctx, cfg.Storage.SQL)
		if err != nil {
			return nil, nil, err
		}
		return run.NewSQLStore(db), sqlstore.NewResultRepository(db), nil
	case config.StoragePostgres:
		repo, err := pgstore.Open(ctx, cfg.Storage.Postgres, logger.Named("pgstore"))
		if err != nil {
			return nil, nil, err
		}
		return run.NewMemoryStore(), repo, nil
	default:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, nil, err
		}
		repo, err := filestore.New(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return run.NewMemoryStore(), repo, nil
	}
}

// buildAlerts 构造告警分发器：审计日志总是启用，webhook 可选。
func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if hook := alerting.NewWebhook(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout, cfg.Alerting.Headers); hook != nil {
		notifiers = append(notifiers, hook)
	}
	return alerting.NewFanout(notifiers...)
}

// assemble 构造服务端所需的全部组件。
func assemble(ctx context.Context, cfg *config.Config, recorder *metrics.Recorder) (*components, error) {
	c := &components{}
	factory, closeLedger, err := buildFactory(ctx, cfg, recorder)
	if err != nil {
		return nil, err
	}
	c.factory = factory
	c.closers = append(c.closers, closeLedger)

	store, results, err := buildStores(ctx, cfg)
	if err != nil {
		_ = c.close()
		return nil, err
	}
	c.store, c.results = store, results
	c.closers = append(c.closers, store.Close, results.Close)

	queue, err := buildQueue(cfg)
	if err != nil {
		_ = c.close()
		return nil, err
	}
	c.queue = queue
	c.closers = append(c.closers, queue.Close)

	logger.L().Info("组件初始化完成",
		slog.String("agent", cfg.Agent.Kind),
		slog.String("ledger", cfg.Ledger.Kind),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("benchmark_mode", cfg.Engine.BenchmarkMode))
	return c, nil
}
