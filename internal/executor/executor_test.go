package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/recovery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoStepPlan(firstCritical bool) *flow.FlowPlan {
	return &flow.FlowPlan{
		FlowID: "two-steps",
		Prompt: "do two things",
		Wallet: flow.WalletContext{
			Owner:          "USER_WALLET_PUBKEY",
			NativeSymbol:   "SOL",
			NativeBalance:  "1000000000",
			NativeDecimals: 9,
		},
		Steps: []flow.FlowStep{
			{StepID: "step_1", Prompt: "first thing for {USER_WALLET_PUBKEY}", Critical: firstCritical},
			{StepID: "step_2", Prompt: "second thing", Critical: true},
		},
	}
}

func fixedAction(req Request) *flow.AgentAction {
	return &flow.AgentAction{
		Tools: []string{"noop"},
		Operations: []flow.Operation{{
			ProgramID: "noop",
			Accounts:  []flow.AccountMeta{{Pubkey: req.Wallet.Owner, IsSigner: true, IsWritable: true}},
			Data:      req.StepID,
		}},
	}
}

var echoAgent = AgentFunc(func(_ context.Context, req Request) (*flow.AgentAction, error) {
	return fixedAction(req), nil
})

func success(output map[string]any) *flow.AgentObservation {
	return &flow.AgentObservation{LastTransactionStatus: flow.StatusSuccess, Output: output}
}

func failure(msg string) *flow.AgentObservation {
	return &flow.AgentObservation{LastTransactionStatus: flow.StatusFailure, LastTransactionError: msg}
}

func engineWith(t *testing.T, mutate func(*recovery.Config)) *recovery.Engine {
	t.Helper()
	cfg := recovery.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := recovery.NewEngine(cfg)
	require.NoError(t, err)
	return engine
}

func noBudget(cfg *recovery.Config) { cfg.MaxRecoveryTimeMS = 0 }

func askUser(cfg *recovery.Config) {
	noBudget(cfg)
	cfg.EnableUserFulfillment = true
}

func fastRetry(cfg *recovery.Config) {
	cfg.BaseRetryDelayMS = 1
	cfg.MaxRetryDelayMS = 5
	cfg.MaxRecoveryTimeMS = 2000
}

type recordingObserver struct {
	mu       sync.Mutex
	steps    []string
	runs     []flow.FinalStatus
	recovery []recovery.Kind
}

func (o *recordingObserver) StepCompleted(_, stepID, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, stepID+":"+outcome)
}

func (o *recordingObserver) RecoveryDecided(kind recovery.Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recovery = append(o.recovery, kind)
}

func (o *recordingObserver) RunCompleted(status flow.FinalStatus, _ float64, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, status)
}

func TestCriticalFailureAbortsRun(t *testing.T) {
	handler := HandlerFunc(func(context.Context, flow.AgentAction) (*flow.AgentObservation, error) {
		return failure("simulated failure"), nil
	})
	obs := &recordingObserver{}
	exec, err := New(echoAgent, handler, engineWith(t, noBudget), WithObserver(obs))
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), twoStepPlan(true))
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, flow.FinalStatusFailed, result.Status)
	require.Len(t, result.Steps, 2)
	assert.False(t, result.Steps[0].Success)
	assert.Equal(t, "simulated failure", result.Steps[0].ErrorMessage)
	assert.True(t, result.Steps[1].Skipped)
	assert.Equal(t, 0.0, result.CompletionPercentage)
	assert.Equal(t, 1, result.Metrics.CriticalFailures)
	assert.Equal(t, 1, result.Metrics.SkippedSteps)
	assert.GreaterOrEqual(t, result.Score, 0.0)
	assert.LessOrEqual(t, result.Score, 1.0)
	assert.Equal(t, []recovery.Kind{recovery.KindGiveUp}, obs.recovery)
	assert.Equal(t, []string{"step_1:failed", "step_2:skipped"}, obs.steps)
	assert.Equal(t, []flow.FinalStatus{flow.FinalStatusFailed}, obs.runs)
}

func TestNonCriticalFailureContinues(t *testing.T) {
	handler := HandlerFunc(func(_ context.Context, action flow.AgentAction) (*flow.AgentObservation, error) {
		if action.StepID == "step_1" {
			return failure("simulated failure"), nil
		}
		return success(nil), nil
	})
	exec, err := New(echoAgent, handler, engineWith(t, noBudget))
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), twoStepPlan(false))
	require.NoError(t, err)

	assert.Equal(t, flow.FinalStatusSucceeded, result.Status)
	require.Len(t, result.Steps, 2)
	assert.False(t, result.Steps[0].Success)
	assert.True(t, result.Steps[1].Success)
	assert.Equal(t, 50.0, result.CompletionPercentage)
	assert.Equal(t, 1, result.Metrics.NonCriticalFailures)
	assert.Len(t, result.Errors, 1)
}

func TestSingleCriticalStepHandlerFailure(t *testing.T) {
	handler := HandlerFunc(func(context.Context, flow.AgentAction) (*flow.AgentObservation, error) {
		return failure("insufficient funds"), nil
	})
	exec, err := New(echoAgent, handler, engineWith(t, noBudget))
	require.NoError(t, err)

	plan := twoStepPlan(true)
	plan.Steps = plan.Steps[:1]
	result, err := exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, flow.FinalStatusFailed, result.Status)
	assert.Equal(t, 0.0, result.Breakdown.OnchainScore)
	assert.InDelta(t, 0.75, result.Score, 1e-9)
}

func TestNonCriticalLastStepExhaustsRetries(t *testing.T) {
	handler := HandlerFunc(func(_ context.Context, action flow.AgentAction) (*flow.AgentObservation, error) {
		if action.StepID == "step_2" {
			return failure("simulated failure"), nil
		}
		return success(nil), nil
	})
	shortBudget := func(cfg *recovery.Config) {
		cfg.BaseRetryDelayMS = 1
		cfg.MaxRetryDelayMS = 2
		cfg.MaxRecoveryTimeMS = 20
	}
	exec, err := New(echoAgent, handler, engineWith(t, shortBudget))
	require.NoError(t, err)

	plan := twoStepPlan(true)
	plan.Steps[1].Critical = false
	result, err := exec.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, flow.FinalStatusSucceeded, result.Status)
	assert.Equal(t, 50.0, result.CompletionPercentage)
	require.Len(t, result.Steps, 2)
	assert.True(t, result.Steps[0].Success)
	assert.False(t, result.Steps[1].Success)
	assert.Positive(t, result.Steps[1].RecoveryAttempts)
	assert.Equal(t, 0.0, result.Breakdown.OnchainScore, "final step never succeeded on the ledger")
}

func TestEarlierSuccessDoesNotCreditFailedFinalStep(t *testing.T) {
	agent := AgentFunc(func(_ context.Context, req Request) (*flow.AgentAction, error) {
		if req.StepID == "step_2" {
			return nil, errors.New("model unavailable")
		}
		return fixedAction(req), nil
	})
	handler := HandlerFunc(func(context.Context, flow.AgentAction) (*flow.AgentObservation, error) {
		return success(nil), nil
	})
	exec, err := New(agent, handler, engineWith(t, noBudget))
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), twoStepPlan(true))
	require.NoError(t, err)

	assert.Equal(t, flow.FinalStatusFailed, result.Status)
	assert.True(t, result.Steps[0].Success)
	assert.False(t, result.Steps[1].Success)
	assert.Equal(t, 0.0, result.Breakdown.OnchainScore)
	assert.Less(t, result.Score, 1.0)
}

func TestUnresolvedFinalStepGetsNoOnchainCredit(t *testing.T) {
	handler := HandlerFunc(func(context.Context, flow.AgentAction) (*flow.AgentObservation, error) {
		return success(nil), nil
	})
	exec, err := New(echoAgent, handler, engineWith(t, noBudget))
	require.NoError(t, err)

	plan := twoStepPlan(true)
	plan.Steps[1].Prompt = "send to {NOBODY_KNOWS}"
	result, err := exec.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, flow.FinalStatusFailed, result.Status)
	assert.Equal(t, 0.0, result.Breakdown.OnchainScore)
	require.Len(t, result.Trace.Entries, 2)
	assert.Equal(t, "step_2", result.Trace.Entries[1].StepID)
}

func TestRetryFeedsPriorErrorToAgent(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []Request
		calls    int
	)
	agent := AgentFunc(func(_ context.Context, req Request) (*flow.AgentAction, error) {
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		return fixedAction(req), nil
	})
	handler := HandlerFunc(func(context.Context, flow.AgentAction) (*flow.AgentObservation, error) {
		calls++
		if calls == 1 {
			return failure("network error: connection reset"), nil
		}
		return success(nil), nil
	})
	exec, err := New(agent, handler, engineWith(t, fastRetry))
	require.NoError(t, err)

	plan := twoStepPlan(true)
	plan.Steps = plan.Steps[:1]
	result, err := exec.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, flow.FinalStatusSucceeded, result.Status)
	assert.Equal(t, 1, result.Steps[0].RecoveryAttempts)
	require.Len(t, result.Trace.Entries, 2)
	assert.Equal(t, "network error: connection reset", result.Trace.Entries[0].Error)
	require.Len(t, requests, 2)
	assert.Equal(t, "first thing for USER_WALLET_PUBKEY", requests[0].Prompt)
	assert.Empty(t, requests[0].PriorError)
	assert.Equal(t, 2, requests[1].Attempt)
	assert.Equal(t, "network error: connection reset", requests[1].PriorError)
	assert.Equal(t, 2, result.Metrics.TotalToolCalls)
}

func TestEmptyActionIsRetried(t *testing.T) {
	calls := 0
	agent := AgentFunc(func(_ context.Context, req Request) (*flow.AgentAction, error) {
		calls++
		if calls == 1 {
			return &flow.AgentAction{}, nil
		}
		return fixedAction(req), nil
	})
	handler := HandlerFunc(func(context.Context, flow.AgentAction) (*flow.AgentObservation, error) {
		return success(nil), nil
	})
	exec, err := New(agent, handler, engineWith(t, fastRetry))
	require.NoError(t, err)

	plan := twoStepPlan(true)
	plan.Steps = plan.Steps[:1]
	result, err := exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, result.Steps[0].Success)
	assert.Equal(t, string(xerrors.CodeAgentFailure), result.Trace.Entries[0].ErrorCode)
}

func TestTimeoutReturnsPartialResult(t *testing.T) {
	agent := AgentFunc(func(ctx context.Context, _ Request) (*flow.AgentAction, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	handler := HandlerFunc(func(context.Context, flow.AgentAction) (*flow.AgentObservation, error) {
		return success(nil), nil
	})
	exec, err := New(agent, handler, engineWith(t, fastRetry))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	result, err := exec.Execute(ctx, twoStepPlan(false))

	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTimeout))
	require.NotNil(t, result)
	assert.Equal(t, flow.FinalStatusFailed, result.Status)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, string(xerrors.CodeTimeout), result.Steps[0].ErrorCode)
	assert.True(t, result.Steps[1].Skipped)
}

func TestStepOutputsFlowIntoLaterPrompts(t *testing.T) {
	var prompts []string
	agent := AgentFunc(func(_ context.Context, req Request) (*flow.AgentAction, error) {
		prompts = append(prompts, req.Prompt)
		return fixedAction(req), nil
	})
	handler := HandlerFunc(func(_ context.Context, action flow.AgentAction) (*flow.AgentObservation, error) {
		if action.StepID == "step_1" {
			return success(map[string]any{"amount_out": "42"}), nil
		}
		return success(nil), nil
	})
	exec, err := New(agent, handler, engineWith(t, nil))
	require.NoError(t, err)

	plan := twoStepPlan(true)
	plan.Steps[0].Outputs = map[string]string{"received": "$.output.amount_out"}
	plan.Steps[1].Prompt = "send {received} onwards"
	result, err := exec.Execute(context.Background(), plan)
	require.NoError(t, err)

	require.Len(t, prompts, 2)
	assert.Equal(t, "send 42 onwards", prompts[1])
	assert.Equal(t, "42", result.Steps[0].Output["received"])
	assert.Equal(t, "42", result.KeyMap["received"])
	assert.Equal(t, 100.0, result.CompletionPercentage)
}

func TestMissingOutputIsReported(t *testing.T) {
	handler := HandlerFunc(func(context.Context, flow.AgentAction) (*flow.AgentObservation, error) {
		return success(nil), nil
	})
	exec, err := New(echoAgent, handler, engineWith(t, nil))
	require.NoError(t, err)

	plan := twoStepPlan(true)
	plan.Steps = plan.Steps[:1]
	plan.Steps[0].Outputs = map[string]string{"received": "$.output.amount_out"}
	result, err := exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, result.Steps[0].Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "received")
}

func TestUnresolvedPlaceholderFailsStep(t *testing.T) {
	exec, err := New(echoAgent, HandlerFunc(func(context.Context, flow.AgentAction) (*flow.AgentObservation, error) {
		return success(nil), nil
	}), engineWith(t, nil))
	require.NoError(t, err)

	plan := twoStepPlan(true)
	plan.Steps[0].Prompt = "send to {NOBODY_KNOWS}"
	result, err := exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, flow.FinalStatusFailed, result.Status)
	assert.Equal(t, string(xerrors.CodeUnresolvedPlaceholder), result.Steps[0].ErrorCode)
	require.Len(t, result.Trace.Entries, 1)
	entry := result.Trace.Entries[0]
	assert.Nil(t, entry.Action)
	assert.Nil(t, entry.Observation)
	assert.Equal(t, string(xerrors.CodeUnresolvedPlaceholder), entry.ErrorCode)
}

func suspendingHandler(fixed *bool) ActionHandler {
	return HandlerFunc(func(_ context.Context, action flow.AgentAction) (*flow.AgentObservation, error) {
		if action.StepID == "step_1" && !*fixed {
			return failure("insufficient funds: balance 0"), nil
		}
		return success(nil), nil
	})
}

func suspend(t *testing.T, exec *Executor, plan *flow.FlowPlan) *Checkpoint {
	t.Helper()
	result, err := exec.Execute(context.Background(), plan)
	require.Nil(t, result)
	var suspended *SuspendedError
	require.True(t, errors.As(err, &suspended), "expected suspension, got %v", err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUserFulfillmentRequired))
	cp := suspended.Checkpoint
	assert.Equal(t, "step_1", cp.StepID)
	assert.NotEmpty(t, cp.Questions)
	assert.True(t, strings.HasPrefix(cp.LastError, "insufficient funds"))
	return cp
}

func TestResumeSkip(t *testing.T) {
	fixed := false
	exec, err := New(echoAgent, suspendingHandler(&fixed), engineWith(t, askUser))
	require.NoError(t, err)
	cp := suspend(t, exec, twoStepPlan(false))

	result, err := exec.Resume(context.Background(), cp, recovery.ResponseSkip)
	require.NoError(t, err)
	assert.Equal(t, flow.FinalStatusSucceeded, result.Status)
	assert.False(t, result.Steps[0].Success)
	assert.True(t, result.Steps[1].Success)

	_, err = exec.Resume(context.Background(), cp, recovery.ResponseRetry)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
}

func TestResumeRetry(t *testing.T) {
	fixed := false
	exec, err := New(echoAgent, suspendingHandler(&fixed), engineWith(t, askUser))
	require.NoError(t, err)
	cp := suspend(t, exec, twoStepPlan(true))

	fixed = true
	result, err := exec.Resume(context.Background(), cp, recovery.ResponseRetry)
	require.NoError(t, err)
	assert.Equal(t, flow.FinalStatusSucceeded, result.Status)
	assert.Equal(t, 100.0, result.CompletionPercentage)
	assert.Len(t, result.Trace.Entries, 3)
}

func TestResumeAbort(t *testing.T) {
	fixed := false
	exec, err := New(echoAgent, suspendingHandler(&fixed), engineWith(t, askUser))
	require.NoError(t, err)
	cp := suspend(t, exec, twoStepPlan(false))

	result, err := exec.Resume(context.Background(), cp, recovery.ResponseAbort)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStepAborted))
	require.NotNil(t, result)
	assert.Equal(t, flow.FinalStatusFailed, result.Status)
	require.Len(t, result.Steps, 2)
	assert.True(t, result.Steps[1].Skipped)
}

func TestInvalidPlanRejected(t *testing.T) {
	exec, err := New(echoAgent, HandlerFunc(func(context.Context, flow.AgentAction) (*flow.AgentObservation, error) {
		return success(nil), nil
	}), nil)
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), &flow.FlowPlan{FlowID: "x"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatePrepared, StateAwaitingAction))
	assert.True(t, CanTransition(StateApplying, StateObserved))
	assert.True(t, CanTransition(StateStepFailed, StateAwaitingAction))
	assert.False(t, CanTransition(StateStepSucceeded, StateAwaitingAction))
	assert.False(t, CanTransition(StatePrepared, StateObserved))
}
