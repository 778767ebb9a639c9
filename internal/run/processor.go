package run

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/executor"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/observability/alerting"
	"LedgerFlow/pkg/logger"
)

// Factory 为一次运行构造执行器。
type Factory func(plan *flow.FlowPlan, benchmark bool) (*executor.Executor, error)

// ResultSink 持久化已结束运行的评测结果。
type ResultSink interface {
	Save(ctx context.Context, result *flow.TestResult) error
}

// Instruments 接收处理器的运行指标。
type Instruments interface {
	RunStarted()
	RunStopped()
	SetQueueDepth(n int)
}

// Processor 负责从队列消费运行并交给执行器。
type Processor struct {
	factory     Factory
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	runTimeout  time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	sink        ResultSink
	instruments Instruments
	checkpoints *checkpointRegistry
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRunTimeout 限制单次执行的总时长，0 表示不限制。
func WithRunTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.runTimeout = d
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithResultSink 配置结果持久化。
func WithResultSink(sink ResultSink) ProcessorOption {
	return func(p *Processor) {
		p.sink = sink
	}
}

// WithInstruments 配置运行指标。
func WithInstruments(instruments Instruments) ProcessorOption {
	return func(p *Processor) {
		p.instruments = instruments
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(factory Factory, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		factory:     factory,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		checkpoints: newCheckpointRegistry(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动运行处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	if d, ok := p.consumer.(Depther); ok && p.instruments != nil {
		go p.watchDepth(ctx, d)
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Suspended 返回本进程持有的挂起检查点数量。
func (p *Processor) Suspended() int {
	return p.checkpoints.len()
}

func (p *Processor) watchDepth(ctx context.Context, d Depther) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		if n, err := d.Depth(ctx); err == nil {
			p.instruments.SetQueueDepth(n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.factory == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	r, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunCompleted) || stdErrors.Is(err, ErrRunExhausted) || stdErrors.Is(err, ErrRunConflict) {
			p.logDebug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Run{ID: runID}, CodeRunProcessing, err, "claim")
		return err
	}

	if p.instruments != nil {
		p.instruments.RunStarted()
		defer p.instruments.RunStopped()
	}

	runCtx := ctx
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	var (
		exec   *executor.Executor
		result *flow.TestResult
		runErr error
	)
	if r.Resume != "" {
		entry, ok := p.checkpoints.take(r.ID)
		if !ok {
			cause := xerrors.New(CodeRunConflict, "挂起的检查点不存在，无法恢复运行")
			return p.handleExecutionFailure(ctx, r, cause)
		}
		exec = entry.exec
		result, runErr = exec.Resume(runCtx, entry.checkpoint, r.Resume)
	} else {
		exec, err = p.factory(r.Plan, r.Benchmark)
		if err != nil {
			return p.handleExecutionFailure(ctx, r, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构造执行器失败"))
		}
		result, runErr = exec.Execute(runCtx, r.Plan)
	}

	var suspended *executor.SuspendedError
	if stdErrors.As(runErr, &suspended) {
		return p.suspend(ctx, r, exec, suspended)
	}
	if result == nil {
		if runErr == nil {
			runErr = xerrors.New(CodeRunProcessing, "执行器未返回结果")
		}
		return p.handleExecutionFailure(ctx, r, runErr)
	}
	return p.complete(ctx, r, result, runErr)
}

func (p *Processor) suspend(ctx context.Context, r *Run, exec *executor.Executor, suspended *executor.SuspendedError) error {
	cp := suspended.Checkpoint
	p.checkpoints.put(r.ID, exec, cp)
	if err := p.store.MarkSuspended(ctx, r.ID, Suspension{
		StepID:      cp.StepID,
		Questions:   cp.Questions,
		LastError:   cp.LastError,
		SuspendedAt: cp.SuspendedAt,
	}); err != nil {
		p.checkpoints.take(r.ID)
		logger.L().Error("记录挂起状态失败", slog.Any("error", err), slog.String("run_id", r.ID))
		return err
	}
	logger.ForRun(logger.Audit(), r.ID, r.FlowID).Warn("运行等待用户介入",
		slog.String("step_id", cp.StepID),
		slog.String("last_error", cp.LastError),
	)
	if p.alerter != nil {
		event := alerting.Event{
			Code:       xerrors.CodeUserFulfillmentRequired,
			Message:    cp.LastError,
			Severity:   xerrors.AttributesOf(xerrors.CodeUserFulfillmentRequired).Severity,
			RunID:      r.ID,
			FlowID:     r.FlowID,
			StepID:     cp.StepID,
			Questions:  append([]string(nil), cp.Questions...),
			Metadata:   map[string]string{"stage": "suspended", "execution_id": cp.ExecutionID},
			OccurredAt: time.Now(),
		}
		if err := p.alerter.Notify(ctx, event); err != nil {
			logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("run_id", r.ID))
		}
	}
	return nil
}

func (p *Processor) complete(ctx context.Context, r *Run, result *flow.TestResult, runErr error) error {
	var (
		code    xerrors.Code
		message string
	)
	if runErr != nil {
		code = xerrors.CodeOf(runErr)
		message = runErr.Error()
	}
	if err := p.store.Complete(ctx, r.ID, result, code, message); err != nil {
		logger.L().Error("记录运行结果失败", slog.Any("error", err), slog.String("run_id", r.ID))
		return err
	}
	if p.sink != nil {
		if err := p.sink.Save(ctx, result); err != nil {
			logger.L().Error("持久化评测结果失败",
				slog.Any("error", err),
				slog.String("run_id", r.ID),
				slog.String("execution_id", result.ExecutionID))
		}
	}
	logger.ForRun(logger.Audit(), r.ID, r.FlowID).Info("运行结束",
		slog.String(logger.KeyExecutionID, result.ExecutionID),
		slog.String("status", string(result.Status)),
		slog.Float64("score", result.Score),
		slog.Float64("completion", result.CompletionPercentage),
	)
	if runErr != nil {
		p.emitAlert(ctx, r, code, runErr, "interrupted")
	}
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, r *Run, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeRunProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := r.Attempts >= r.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, r.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", r.ID))
		return storeErr
	}
	logger.ForRun(logger.Audit(), r.ID, r.FlowID).Warn("运行执行失败",
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", r.Attempts),
		slog.Int("max_retries", r.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	p.emitAlert(ctx, r, code, execErr, stage)

	if !terminal {
		if pubErr := p.producer.Publish(ctx, r.ID); pubErr != nil {
			return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 重投失败", r.ID))
		}
		p.logDebug("运行已重新排队", slog.String("run_id", r.ID), slog.Int("attempts", r.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, r *Run, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || r == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{
		"stage":       stage,
		"attempts":    fmt.Sprint(r.Attempts),
		"max_retries": fmt.Sprint(r.MaxRetries),
	}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RunID:      r.ID,
		FlowID:     r.FlowID,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", r.ID),
			slog.String("stage", stage),
		)
	}
}
