package run

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"LedgerFlow/internal/executor"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/observability/alerting"
	"LedgerFlow/internal/recovery"
)

func testPlan(id string) *flow.FlowPlan {
	return &flow.FlowPlan{
		FlowID: id,
		Prompt: "move funds",
		Wallet: flow.WalletContext{
			Owner:          "USER_WALLET_PUBKEY",
			NativeSymbol:   "SOL",
			NativeBalance:  "1000000000",
			NativeDecimals: 9,
		},
		Steps: []flow.FlowStep{
			{StepID: "step_1", Prompt: "first", Critical: true},
			{StepID: "step_2", Prompt: "second", Critical: true},
		},
	}
}

var echoAgent = executor.AgentFunc(func(_ context.Context, req executor.Request) (*flow.AgentAction, error) {
	return &flow.AgentAction{
		Tools: []string{"noop"},
		Operations: []flow.Operation{{
			ProgramID: "noop",
			Accounts:  []flow.AccountMeta{{Pubkey: req.Wallet.Owner, IsSigner: true, IsWritable: true}},
			Data:      req.StepID,
		}},
	}, nil
})

// fakeHandler 在 broken 为 true 时让 step_1 以永久错误失败。
type fakeHandler struct {
	applied atomic.Int32
	broken  atomic.Bool
	latency time.Duration
}

func (h *fakeHandler) Apply(ctx context.Context, action flow.AgentAction) (*flow.AgentObservation, error) {
	if h.latency > 0 {
		select {
		case <-time.After(h.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.applied.Add(1)
	if action.StepID == "step_1" && h.broken.Load() {
		return &flow.AgentObservation{
			LastTransactionStatus: flow.StatusFailure,
			LastTransactionError:  "insufficient funds: balance 0",
		}, nil
	}
	return &flow.AgentObservation{LastTransactionStatus: flow.StatusSuccess}, nil
}

func factoryFor(handler executor.ActionHandler) Factory {
	return func(_ *flow.FlowPlan, benchmark bool) (*executor.Executor, error) {
		cfg := recovery.DefaultConfig()
		cfg.MaxRecoveryTimeMS = 0
		cfg.EnableUserFulfillment = true
		engine, err := recovery.NewEngine(cfg)
		if err != nil {
			return nil, err
		}
		return executor.New(echoAgent, handler, engine, executor.WithBenchmarkMode(benchmark))
	}
}

type memorySink struct {
	mu      sync.Mutex
	results []*flow.TestResult
}

func (s *memorySink) Save(_ context.Context, result *flow.TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

type countingInstruments struct {
	started atomic.Int32
	stopped atomic.Int32
}

func (c *countingInstruments) RunStarted() { c.started.Add(1) }
func (c *countingInstruments) RunStopped() { c.stopped.Add(1) }
func (c *countingInstruments) SetQueueDepth(int) {}
