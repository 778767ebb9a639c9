package executor

import (
	"context"
	"time"

	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/recovery"
)

// Request 是交给智能体的单步输入。
type Request struct {
	FlowID        string
	StepID        string
	Prompt        string
	Context       string
	Wallet        flow.WalletContext
	Scratch       map[string]any
	PriorError    string
	Attempt       int
	Alternative   string
	ExpectedTools []string
}

// Agent 为当前步骤提出动作。调用方的 context 携带截止时间。
type Agent interface {
	Propose(ctx context.Context, req Request) (*flow.AgentAction, error)
}

// ActionHandler 原子地执行一个动作中的全部操作并返回观察结果。
type ActionHandler interface {
	Apply(ctx context.Context, action flow.AgentAction) (*flow.AgentObservation, error)
}

// AgentFunc 允许普通函数充当 Agent。
type AgentFunc func(ctx context.Context, req Request) (*flow.AgentAction, error)

func (f AgentFunc) Propose(ctx context.Context, req Request) (*flow.AgentAction, error) {
	return f(ctx, req)
}

// HandlerFunc 允许普通函数充当 ActionHandler。
type HandlerFunc func(ctx context.Context, action flow.AgentAction) (*flow.AgentObservation, error)

func (f HandlerFunc) Apply(ctx context.Context, action flow.AgentAction) (*flow.AgentObservation, error) {
	return f(ctx, action)
}

// Observer 接收执行过程中的度量事件。
type Observer interface {
	StepCompleted(flowID, stepID, outcome string, d time.Duration)
	RecoveryDecided(kind recovery.Kind)
	RunCompleted(status flow.FinalStatus, score float64, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) StepCompleted(string, string, string, time.Duration)   {}
func (nopObserver) RecoveryDecided(recovery.Kind)                         {}
func (nopObserver) RunCompleted(flow.FinalStatus, float64, time.Duration) {}

// await 在独立 goroutine 中执行 fn，context 结束时立即放弃等待。
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// sleep 以定时器实现可取消的等待。
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
