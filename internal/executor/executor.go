package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/observability/tracing"
	"LedgerFlow/internal/recovery"
	"LedgerFlow/internal/resolver"
	"LedgerFlow/internal/scoring"
	"LedgerFlow/pkg/logger"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// finalizeTimeout 是运行结束后补全占位符映射的时间上限。
const finalizeTimeout = 5 * time.Second

// Executor 串行驱动一个流程计划的全部步骤。
// 单个 Executor 可以并发执行多个互不相关的运行，每次运行持有独立的执行上下文。
type Executor struct {
	agent     Agent
	handler   ActionHandler
	engine    *recovery.Engine
	scorer    *scoring.Scorer
	query     resolver.LedgerQuery
	cache     *gocache.Cache
	benchmark bool
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

// Option 自定义执行器。
type Option func(*Executor)

// WithScorer 替换默认评分器。
func WithScorer(s *scoring.Scorer) Option {
	return func(e *Executor) {
		if s != nil {
			e.scorer = s
		}
	}
}

// WithLedgerQuery 设置实时模式下的账本查询。
func WithLedgerQuery(q resolver.LedgerQuery) Option {
	return func(e *Executor) { e.query = q }
}

// WithSnapshotCache 设置跨运行共享的账户快照缓存。
func WithSnapshotCache(c *gocache.Cache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithBenchmarkMode 强制使用基准模式解析占位符。
func WithBenchmarkMode(enabled bool) Option {
	return func(e *Executor) { e.benchmark = enabled }
}

// WithObserver 设置度量回调。
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New 创建执行器。
func New(agent Agent, handler ActionHandler, engine *recovery.Engine, opts ...Option) (*Executor, error) {
	if agent == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体未配置")
	}
	if handler == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本处理器未配置")
	}
	if engine == nil {
		var err error
		engine, err = recovery.NewEngine(recovery.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}
	e := &Executor{
		agent:    agent,
		handler:  handler,
		engine:   engine,
		scorer:   scoring.New(),
		observer: nopObserver{},
		logger:   logger.Named("executor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// execution 是单次运行的可变状态，只由驱动它的 goroutine 访问。
type execution struct {
	id       string
	plan     *flow.FlowPlan
	ectx     *flow.ExecutionContext
	res      *resolver.Resolver
	wallet   *flow.WalletContext
	trace    flow.ExecutionTrace
	errors   []string
	next     int
	aborted  bool
	failure  error
	started  time.Time
	names    []string
	resumeMu sync.Mutex
	resumed  bool
}

// Execute 执行计划直到全部步骤结束、关键步骤失败、需要用户介入或 context 结束。
// 超时或取消时仍返回已生成的结果，同时返回对应错误。
// 需要用户介入时返回 *SuspendedError，可通过 Resume 继续。
func (e *Executor) Execute(ctx context.Context, plan *flow.FlowPlan) (*flow.TestResult, error) {
	if plan == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "流程计划为空")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	ex := e.newExecution(plan)
	ctx, span := tracing.StartRunSpan(ctx, ex.id, plan.FlowID)
	defer span.End()

	e.logger.Info("flow run started",
		slog.String("execution_id", ex.id),
		slog.String("flow_id", plan.FlowID),
		slog.String("mode", ex.res.Mode().String()),
		slog.Int("steps", len(plan.Steps)))
	logger.Audit().Info("flow_run_started",
		slog.String("execution_id", ex.id),
		slog.String("flow_id", plan.FlowID))

	if _, failures := ex.res.ResolveAll(ctx, ex.names); len(failures) > 0 {
		e.logger.Debug("部分参考答案占位符暂未解析",
			slog.String("execution_id", ex.id),
			slog.Int("unresolved", len(failures)))
	}

	result, err := e.drive(ctx, ex)
	tracing.Fail(span, err)
	return result, err
}

// Resume 根据用户答复继续一个已挂起的运行。每个检查点只能恢复一次。
func (e *Executor) Resume(ctx context.Context, cp *Checkpoint, resp recovery.Response) (*flow.TestResult, error) {
	if cp == nil || cp.exec == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "检查点无效")
	}
	ex := cp.exec
	ex.resumeMu.Lock()
	if ex.resumed {
		ex.resumeMu.Unlock()
		return nil, xerrors.New(xerrors.CodeConflict, "检查点已被恢复")
	}
	ex.resumed = true
	ex.resumeMu.Unlock()

	ctx, span := tracing.StartRunSpan(ctx, ex.id, ex.plan.FlowID)
	defer span.End()

	step := ex.plan.Steps[ex.next]
	e.logger.Info("flow run resumed",
		slog.String("execution_id", ex.id),
		slog.String("step_id", step.StepID),
		slog.String("response", string(resp)))

	switch resp {
	case recovery.ResponseRetry:
	case recovery.ResponseSkip:
		cause := xerrors.New(xerrors.CodeUserFulfillmentRequired, "用户选择跳过该步骤")
		e.fail(ex, step, e.now(), cause, cp.attempts, "", nil)
		ex.next++
	case recovery.ResponseAbort:
		cause := xerrors.New(xerrors.CodeStepAborted, "用户中止了运行")
		e.fail(ex, step, e.now(), cause, cp.attempts, "", nil)
		ex.next++
		ex.aborted = true
		if ex.failure == nil {
			ex.failure = cause
		}
	default:
		ex.resumeMu.Lock()
		ex.resumed = false
		ex.resumeMu.Unlock()
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的用户答复: %s", resp))
	}

	result, err := e.drive(ctx, ex)
	tracing.Fail(span, err)
	return result, err
}

func (e *Executor) newExecution(plan *flow.FlowPlan) *execution {
	ectx := flow.NewExecutionContext(len(plan.Steps))
	opts := []resolver.Option{
		resolver.WithMode(resolver.DetectMode(e.benchmark, plan)),
		resolver.WithLogger(e.logger.With(slog.String("component", "resolver"))),
	}
	if e.query != nil {
		opts = append(opts, resolver.WithLedgerQuery(e.query))
	}
	if e.cache != nil {
		opts = append(opts, resolver.WithSnapshotCache(e.cache))
	}
	return &execution{
		id:      uuid.NewString(),
		plan:    plan,
		ectx:    ectx,
		res:     resolver.New(plan, ectx, opts...),
		started: e.now(),
		names:   plan.GroundTruthNames(),
	}
}

func (e *Executor) drive(ctx context.Context, ex *execution) (*flow.TestResult, error) {
	for !ex.aborted && ex.next < len(ex.plan.Steps) {
		if err := ctx.Err(); err != nil {
			e.fail(ex, ex.plan.Steps[ex.next], e.now(), flow.ContextError(err), 1, "", nil)
			ex.next++
			break
		}
		if suspended := e.runStep(ctx, ex, ex.plan.Steps[ex.next]); suspended != nil {
			e.logger.Warn("flow run suspended",
				slog.String("execution_id", ex.id),
				slog.String("step_id", suspended.Checkpoint.StepID))
			logger.Audit().Info("flow_run_suspended",
				slog.String("execution_id", ex.id),
				slog.String("step_id", suspended.Checkpoint.StepID))
			return nil, suspended
		}
		ex.next++
	}
	e.skipRemaining(ex)
	return e.finish(ctx, ex)
}

// runStep 执行单个步骤直到成功、放弃或需要用户介入。
func (e *Executor) runStep(ctx context.Context, ex *execution, step flow.FlowStep) *SuspendedError {
	ctx, span := tracing.StartStepSpan(ctx, step.StepID, step.Critical)
	defer span.End()

	start := e.now()
	m := newMachine(step.StepID, e.logger)

	prompt, stepCtx, wallet, err := e.prepare(ctx, ex, step)
	if err != nil {
		m.to(StateStepFailed)
		tracing.Fail(span, err)
		e.fail(ex, step, start, err, 1, "", nil)
		return nil
	}

	st := e.engine.NewState(step.StepID)
	current := step
	alternative := ""
	priorErr := ""
	for attempt := 1; ; attempt++ {
		m.to(StateAwaitingAction)
		action, obs, err := e.attempt(ctx, ex, m, current, Request{
			FlowID:        ex.plan.FlowID,
			StepID:        step.StepID,
			Prompt:        prompt,
			Context:       stepCtx,
			Wallet:        wallet,
			Scratch:       ex.ectx.ScratchSnapshot(),
			PriorError:    priorErr,
			Attempt:       attempt,
			Alternative:   alternative,
			ExpectedTools: current.ExpectedTools,
		})
		if err == nil {
			m.to(StateStepSucceeded)
			e.succeed(ex, step, start, action, obs, attempt, alternative)
			return nil
		}
		m.to(StateStepFailed)
		tracing.Fail(span, err)

		decision := e.engine.AttemptRecovery(current, st, err)
		e.observer.RecoveryDecided(decision.Kind)
		e.logger.Info("recovery decision",
			slog.String("execution_id", ex.id),
			slog.String("step_id", step.StepID),
			slog.String("kind", string(decision.Kind)),
			slog.Duration("delay", decision.Delay),
			slog.String("reason", decision.Reason))

		switch decision.Kind {
		case recovery.KindRetry:
			if werr := sleep(ctx, decision.Delay); werr != nil {
				e.fail(ex, step, start, flow.ContextError(werr), attempt, alternative, action)
				return nil
			}
		case recovery.KindAlternativeFlow:
			current = recovery.ApplyAlternative(step, *decision.Alternative)
			alternative = decision.Alternative.Name
			p, serr := ex.res.Substitute(ctx, current.Prompt)
			if serr != nil {
				e.fail(ex, step, start, serr, attempt, alternative, action)
				return nil
			}
			prompt = p
		case recovery.KindUserFulfillment:
			return e.suspend(ex, step, decision, err, attempt)
		default:
			e.fail(ex, step, start, err, attempt, alternative, action)
			return nil
		}
		priorErr = flow.ErrorText(err)
	}
}

// prepare 解析步骤提示中的占位符并生成钱包上下文。
func (e *Executor) prepare(ctx context.Context, ex *execution, step flow.FlowStep) (string, string, flow.WalletContext, error) {
	if ex.wallet == nil {
		w, err := ex.res.WalletContext(ctx)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return "", "", flow.WalletContext{}, flow.ContextError(cerr)
			}
			return "", "", flow.WalletContext{}, flow.ResolutionError("WALLET_CONTEXT", err)
		}
		ex.wallet = &w
	}
	prompt, err := ex.res.Substitute(ctx, step.Prompt)
	if err == nil {
		var stepCtx string
		stepCtx, err = ex.res.Substitute(ctx, step.Context)
		if err == nil {
			wallet := ex.wallet.Clone()
			wallet.CurrentStep = ex.next
			wallet.Placeholders = ex.res.KeyMap()
			return prompt, stepCtx, wallet, nil
		}
	}
	if cerr := ctx.Err(); cerr != nil {
		return "", "", flow.WalletContext{}, flow.ContextError(cerr)
	}
	return "", "", flow.WalletContext{}, err
}

// attempt 完成一次 AwaitingAction → Applying → Observed 往返，并把结果写入轨迹。
func (e *Executor) attempt(ctx context.Context, ex *execution, m *machine, step flow.FlowStep, req Request) (*flow.AgentAction, *flow.AgentObservation, error) {
	ctx, span := tracing.StartAttemptSpan(ctx, step.StepID, req.Attempt, req.Alternative)
	defer span.End()

	entry := flow.TraceEntry{StepID: step.StepID, Attempt: req.Attempt, Alternative: req.Alternative, At: e.now()}
	record := func(err error) {
		if err != nil {
			entry.Error = flow.ErrorText(err)
			entry.ErrorCode = string(xerrors.CodeOf(err))
			tracing.Fail(span, err)
		}
		ex.trace.Append(entry)
	}

	action, err := await(ctx, func(ctx context.Context) (*flow.AgentAction, error) {
		return e.agent.Propose(ctx, req)
	})
	if err == nil && (action == nil || len(action.Operations) == 0) {
		err = xerrors.New(xerrors.CodeAgentFailure, "智能体返回了空动作")
	}
	if err != nil {
		err = e.wrapFailure(ctx, err, func(err error) error { return flow.AgentError(err) })
		record(err)
		return nil, nil, err
	}

	proposed := *action
	proposed.StepID = step.StepID
	proposed.Operations = append([]flow.Operation(nil), action.Operations...)
	entry.Action = &proposed

	m.to(StateApplying)
	obs, err := await(ctx, func(ctx context.Context) (*flow.AgentObservation, error) {
		return e.handler.Apply(ctx, proposed)
	})
	if err == nil && obs == nil {
		err = xerrors.New(xerrors.CodeHandlerFailure, "账本处理器未返回观察结果")
	}
	if err != nil {
		err = e.wrapFailure(ctx, err, func(err error) error { return flow.HandlerError("", err) })
		record(err)
		return &proposed, nil, err
	}

	m.to(StateObserved)
	entry.Observation = obs
	if !obs.Succeeded() {
		msg := obs.LastTransactionError
		if msg == "" {
			msg = fmt.Sprintf("交易状态为 %s", obs.LastTransactionStatus)
		}
		err = flow.HandlerError(msg, nil)
		record(err)
		return &proposed, obs, err
	}
	record(nil)
	return &proposed, obs, nil
}

func (e *Executor) wrapFailure(ctx context.Context, err error, wrap func(error) error) error {
	if cerr := ctx.Err(); cerr != nil {
		return flow.ContextError(cerr)
	}
	if flow.IsFatal(err) {
		if _, ok := xerrors.From(err); !ok {
			return flow.ContextError(err)
		}
		return err
	}
	return wrap(err)
}

func (e *Executor) succeed(ex *execution, step flow.FlowStep, start time.Time, action *flow.AgentAction, obs *flow.AgentObservation, attempt int, alternative string) {
	output := make(map[string]any, len(obs.Output)+len(step.Outputs))
	for k, v := range obs.Output {
		output[k] = v
	}
	captured, errs := extractOutputs(step, obs)
	for key, v := range captured {
		output[key] = v
		ex.ectx.SetScratch(key, v)
	}
	for _, err := range errs {
		ex.errors = append(ex.errors, fmt.Sprintf("%s: %v", step.StepID, err))
		e.logger.Warn("步骤输出提取失败",
			slog.String("execution_id", ex.id),
			slog.String("step_id", step.StepID),
			slog.Any("error", err))
	}
	if len(output) == 0 {
		output = nil
	}

	duration := e.now().Sub(start)
	e.record(ex, flow.StepResult{
		StepID:           step.StepID,
		Success:          true,
		Critical:         step.Critical,
		DurationMS:       duration.Milliseconds(),
		ToolCalls:        action.ToolNames(),
		Output:           output,
		RecoveryAttempts: attempt - 1,
		Alternative:      alternative,
	})
	if ex.wallet != nil {
		ex.wallet.CurrentStep = ex.next + 1
	}
	e.observer.StepCompleted(ex.plan.FlowID, step.StepID, "succeeded", duration)
	e.logger.Info("step succeeded",
		slog.String("execution_id", ex.id),
		slog.String("step_id", step.StepID),
		slog.Int("attempts", attempt),
		slog.Float64("completion", ex.ectx.CompletionPercentage()))
}

// fail 记录失败步骤。超时、取消与关键步骤失败会终止整个运行。
func (e *Executor) fail(ex *execution, step flow.FlowStep, start time.Time, err error, attempt int, alternative string, action *flow.AgentAction) {
	duration := e.now().Sub(start)
	result := flow.StepResult{
		StepID:           step.StepID,
		Success:          false,
		Critical:         step.Critical,
		DurationMS:       duration.Milliseconds(),
		ErrorMessage:     flow.ErrorText(err),
		ErrorCode:        string(xerrors.CodeOf(err)),
		RecoveryAttempts: max(attempt-1, 0),
		Alternative:      alternative,
	}
	if action != nil {
		result.ToolCalls = action.ToolNames()
	}
	e.record(ex, result)
	ex.errors = append(ex.errors, fmt.Sprintf("%s: %s", step.StepID, result.ErrorMessage))
	if n := len(ex.trace.Entries); n == 0 || ex.trace.Entries[n-1].StepID != step.StepID {
		// 未进入尝试就失败的步骤补一条终结记录。
		ex.trace.Append(flow.TraceEntry{
			StepID:    step.StepID,
			Attempt:   max(attempt, 1),
			Error:     result.ErrorMessage,
			ErrorCode: result.ErrorCode,
			At:        e.now(),
		})
	}

	switch code := xerrors.CodeOf(err); {
	case code == xerrors.CodeTimeout || code == xerrors.CodeStepAborted:
		ex.aborted = true
		if ex.failure == nil {
			ex.failure = err
		}
	case step.Critical:
		ex.aborted = true
	}

	e.observer.StepCompleted(ex.plan.FlowID, step.StepID, "failed", duration)
	e.logger.Warn("step failed",
		slog.String("execution_id", ex.id),
		slog.String("step_id", step.StepID),
		slog.Bool("critical", step.Critical),
		slog.String("code", result.ErrorCode),
		slog.String("error", result.ErrorMessage))
}

func (e *Executor) record(ex *execution, result flow.StepResult) {
	if err := ex.ectx.Record(result); err != nil {
		e.logger.Error("记录步骤结果失败",
			slog.String("execution_id", ex.id),
			slog.String("step_id", result.StepID),
			slog.Any("error", err))
	}
}

func (e *Executor) skipRemaining(ex *execution) {
	reason := "前序关键步骤失败，未执行"
	if ex.failure != nil {
		reason = fmt.Sprintf("运行已终止，未执行: %s", flow.ErrorText(ex.failure))
	}
	for ; ex.next < len(ex.plan.Steps); ex.next++ {
		step := ex.plan.Steps[ex.next]
		e.record(ex, flow.StepResult{
			StepID:       step.StepID,
			Skipped:      true,
			Critical:     step.Critical,
			ErrorMessage: reason,
			ErrorCode:    string(xerrors.CodeStepAborted),
		})
		e.observer.StepCompleted(ex.plan.FlowID, step.StepID, "skipped", 0)
	}
}

func (e *Executor) suspend(ex *execution, step flow.FlowStep, decision recovery.Decision, cause error, attempt int) *SuspendedError {
	cp := &Checkpoint{
		ExecutionID: ex.id,
		FlowID:      ex.plan.FlowID,
		StepID:      step.StepID,
		Questions:   decision.Questions,
		LastError:   flow.ErrorText(cause),
		SuspendedAt: e.now(),
		attempts:    attempt,
		exec:        ex,
	}
	e.observer.StepCompleted(ex.plan.FlowID, step.StepID, "suspended", e.now().Sub(cp.SuspendedAt))
	return &SuspendedError{
		Checkpoint: cp,
		cause: xerrors.Wrap(xerrors.CodeUserFulfillmentRequired, cause,
			fmt.Sprintf("步骤 %s 需要用户介入", step.StepID),
			xerrors.WithMetadata("step_id", step.StepID)),
	}
}

func (e *Executor) finish(ctx context.Context, ex *execution) (*flow.TestResult, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	ex.res.ResolveAll(fctx, ex.names)
	keyMap := ex.res.KeyMap()

	breakdown := e.scorer.Score(ex.plan, ex.trace, keyMap)
	steps := ex.ectx.Results()
	finished := e.now()

	status := flow.FinalStatusSucceeded
	if ex.aborted {
		status = flow.FinalStatusFailed
	}

	metrics := flow.FlowMetrics{
		TotalDurationMS: finished.Sub(ex.started).Milliseconds(),
		TotalToolCalls:  len(ex.trace.ToolCalls()),
	}
	for _, s := range steps {
		metrics.TotalRecoveryAttempt += s.RecoveryAttempts
		switch {
		case s.Success:
			metrics.SuccessfulSteps++
		case s.Skipped:
			metrics.SkippedSteps++
		default:
			metrics.FailedSteps++
			if s.Critical {
				metrics.CriticalFailures++
			} else {
				metrics.NonCriticalFailures++
			}
		}
	}

	result := &flow.TestResult{
		ExecutionID:          ex.id,
		FlowID:               ex.plan.FlowID,
		Prompt:               ex.plan.Prompt,
		Status:               status,
		Score:                breakdown.FinalScore,
		Breakdown:            breakdown,
		CompletionPercentage: ex.ectx.CompletionPercentage(),
		Steps:                steps,
		Trace:                ex.trace,
		Metrics:              metrics,
		Errors:               append([]string(nil), ex.errors...),
		KeyMap:               keyMap,
		StartedAt:            ex.started,
		FinishedAt:           finished,
	}

	e.observer.RunCompleted(status, result.Score, finished.Sub(ex.started))
	e.logger.Info("flow run finished",
		slog.String("execution_id", ex.id),
		slog.String("flow_id", ex.plan.FlowID),
		slog.String("status", string(status)),
		slog.Float64("score", result.Score),
		slog.Float64("completion", result.CompletionPercentage))
	logger.Audit().Info("flow_run_finished",
		slog.String("execution_id", ex.id),
		slog.String("flow_id", ex.plan.FlowID),
		slog.String("status", string(status)),
		slog.Float64("score", result.Score))

	return result, ex.failure
}
