package recovery

import (
	"fmt"
	"log/slog"
	"time"

	"LedgerFlow/internal/flow"
	"LedgerFlow/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

// Kind 是恢复决策的类型。
type Kind string

const (
	KindRetry           Kind = "retry"
	KindAlternativeFlow Kind = "alternative_flow"
	KindUserFulfillment Kind = "user_fulfillment"
	KindGiveUp          Kind = "give_up"
)

// Decision 是一次恢复尝试的结论。执行器负责实际等待与重新执行。
type Decision struct {
	Kind        Kind
	Delay       time.Duration
	Attempt     int
	Alternative *flow.Alternative
	Questions   []string
	Reason      string
}

// State 记录单个步骤的恢复进度，每个步骤独立持有。
type State struct {
	StepID       string
	Retries      int
	Alternatives int
	LastError    error

	firstFailure time.Time
	schedule     backoff.BackOff
	tried        map[string]bool
}

// Elapsed 返回自首次失败以来的恢复耗时。
func (s *State) Elapsed(now time.Time) time.Duration {
	if s.firstFailure.IsZero() {
		return 0
	}
	return now.Sub(s.firstFailure)
}

// Engine 根据配置决定失败步骤的下一步处理方式。Engine 本身无可变状态，可被多个运行共享。
type Engine struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option 定义恢复引擎的可选配置。
type Option func(*Engine)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine 创建恢复引擎。
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("recovery")
	}
	return e, nil
}

// Config 返回引擎使用的配置副本。
func (e *Engine) Config() Config {
	return e.cfg
}

// NewState 为步骤创建新的恢复状态。
func (e *Engine) NewState(stepID string) *State {
	return &State{
		StepID:   stepID,
		schedule: e.cfg.Schedule(),
		tried:    make(map[string]bool),
	}
}

// AttemptRecovery 在步骤失败后给出下一步决策：
// 预算内重试，预算耗尽后尝试替代流程，再请求用户介入，否则放弃。
func (e *Engine) AttemptRecovery(step flow.FlowStep, st *State, lastErr error) Decision {
	st.LastError = lastErr
	now := e.now()
	if st.firstFailure.IsZero() {
		st.firstFailure = now
	}

	if flow.IsFatal(lastErr) {
		return e.decide(step, st, Decision{Kind: KindGiveUp, Reason: "错误不可恢复: " + flow.ErrorText(lastErr)})
	}

	if d, ok := e.retry(st, now); ok {
		return e.decide(step, st, d)
	}

	if e.cfg.EnableAlternativeFlows {
		if alt, ok := nextAlternative(step, st.tried, lastErr); ok {
			st.tried[alt.Name] = true
			st.Alternatives++
			return e.decide(step, st, Decision{
				Kind:        KindAlternativeFlow,
				Alternative: &alt,
				Reason:      fmt.Sprintf("重试预算耗尽，切换替代流程 %s", alt.Name),
			})
		}
	}

	if e.cfg.EnableUserFulfillment {
		return e.decide(step, st, Decision{
			Kind:      KindUserFulfillment,
			Questions: Questions(step, lastErr),
			Reason:    fmt.Sprintf("自动恢复已用尽，请求用户介入（错误类别 %s）", Classify(lastErr)),
		})
	}

	return e.decide(step, st, Decision{Kind: KindGiveUp, Reason: fmt.Sprintf("恢复预算耗尽，共重试 %d 次", st.Retries)})
}

func (e *Engine) retry(st *State, now time.Time) (Decision, bool) {
	budget := e.cfg.RecoveryBudget()
	elapsed := st.Elapsed(now)
	if elapsed >= budget {
		return Decision{}, false
	}
	if e.cfg.MaxAttempts > 0 && st.Retries >= e.cfg.MaxAttempts {
		return Decision{}, false
	}
	delay := st.schedule.NextBackOff()
	if delay == backoff.Stop || elapsed+delay > budget {
		return Decision{}, false
	}
	st.Retries++
	return Decision{Kind: KindRetry, Delay: delay, Attempt: st.Retries}, true
}

func (e *Engine) decide(step flow.FlowStep, st *State, d Decision) Decision {
	e.logger.Debug("recovery decision",
		slog.String("step_id", step.StepID),
		slog.String("kind", string(d.Kind)),
		slog.Duration("delay", d.Delay),
		slog.Int("retries", st.Retries),
		slog.String("reason", d.Reason),
	)
	return d
}
