package agent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/executor"
	"LedgerFlow/internal/flow"
	"LedgerFlow/pkg/logger"

	"golang.org/x/time/rate"
)

// Guard 为智能体调用增加限速与单次调用超时。
type Guard struct {
	inner   executor.Agent
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// Option 定义可选的 Guard 配置。
type Option func(*Guard)

// WithTimeout 设置单次调用智能体的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(g *Guard) {
		if timeout <= 0 {
			g.timeout = 0
			return
		}
		g.timeout = timeout
	}
}

// WithRateLimit 设置每秒允许的调用次数与突发量，rps 不大于 0 时不限速。
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Guard) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// Guarded 包装一个智能体。
func Guarded(inner executor.Agent, opts ...Option) *Guard {
	g := &Guard{inner: inner, logger: logger.Named("agent")}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Propose 在限速与超时约束下调用被包装的智能体。
func (g *Guard) Propose(ctx context.Context, req executor.Request) (*flow.AgentAction, error) {
	if g.inner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置智能体")
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "智能体调用被限速")
		}
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	started := time.Now()
	action, err := g.inner.Propose(callCtx, req)
	if err != nil {
		// 外层 context 结束时交由执行器处理，单次调用超时则允许重试。
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "智能体推理超时")
		}
		return nil, err
	}
	g.logger.Debug("agent proposed action",
		slog.String("flow_id", req.FlowID),
		slog.String("step_id", req.StepID),
		slog.Int("attempt", req.Attempt),
		slog.Duration("latency", time.Since(started)))
	return action, nil
}
