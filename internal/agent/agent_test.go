package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/executor"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/ledger/sim"
	"LedgerFlow/internal/recovery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const swapThenTransfer = `
flow_id: swap-then-transfer
prompt: swap 1 SOL to USDC and send it to my friend
subject_wallet_info:
  owner: USER_WALLET_PUBKEY
  native_symbol: SOL
  native_balance: "2000000000"
  native_price_usd: 150
  assets:
    - asset_id: USDC_MINT
      symbol: USDC
      balance: "0"
      decimals: 6
      price_usd: 1
key_map:
  RECIPIENT_WALLET_PUBKEY: FRIEND
steps:
  - step_id: swap
    prompt: "swap 1 SOL from {USER_WALLET_PUBKEY} to USDC"
    expected_tools: [swap]
    outputs:
      usdc_received: "$.output.amount_out"
  - step_id: transfer
    prompt: "send {usdc_received} USDC to {RECIPIENT_WALLET_PUBKEY}"
    expected_tools: [token_transfer]
ground_truth:
  expected_tool_calls: [swap, token_transfer]
  expected_instructions:
    - step_id: swap
      program_id: swap
      accounts:
        - {pubkey: USER_WALLET_PUBKEY, is_signer: true, is_writable: true}
      data: '{"asset_in":"native","asset_out":"USDC_MINT","amount_in":"1000000000"}'
    - step_id: transfer
      program_id: token
      accounts:
        - {pubkey: USER_WALLET_PUBKEY, is_signer: true, is_writable: true}
        - {pubkey: RECIPIENT_WALLET_PUBKEY, is_signer: false, is_writable: true}
      data: '{"asset":"USDC_MINT","amount":"{usdc_received}"}'
`

type blockingAgent struct{}

func (blockingAgent) Propose(ctx context.Context, _ executor.Request) (*flow.AgentAction, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGuardTimeoutIsRetryable(t *testing.T) {
	g := Guarded(blockingAgent{}, WithTimeout(10*time.Millisecond))
	_, err := g.Propose(context.Background(), executor.Request{StepID: "swap"})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAgentFailure))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGuardPassesThroughParentDeadline(t *testing.T) {
	g := Guarded(blockingAgent{}, WithTimeout(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.Propose(ctx, executor.Request{StepID: "swap"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, xerrors.HasCode(err, xerrors.CodeAgentFailure))
}

func TestGuardRateLimit(t *testing.T) {
	calls := 0
	inner := executor.AgentFunc(func(context.Context, executor.Request) (*flow.AgentAction, error) {
		calls++
		return &flow.AgentAction{}, nil
	})
	g := Guarded(inner, WithRateLimit(20, 1))
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := g.Propose(context.Background(), executor.Request{})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestScriptedSubstitutesResolvedValues(t *testing.T) {
	plan, err := flow.ParsePlan([]byte(swapThenTransfer))
	require.NoError(t, err)

	action, err := NewScripted(plan).Propose(context.Background(), executor.Request{
		StepID:  "transfer",
		Wallet:  flow.WalletContext{Placeholders: map[string]string{"RECIPIENT_WALLET_PUBKEY": "FRIEND"}},
		Scratch: map[string]any{"usdc_received": "150000000"},
	})
	require.NoError(t, err)
	require.Len(t, action.Operations, 1)
	op := action.Operations[0]
	assert.Equal(t, "FRIEND", op.Accounts[1].Pubkey)
	assert.Equal(t, "USER_WALLET_PUBKEY", op.Accounts[0].Pubkey)
	assert.Equal(t, `{"asset":"USDC_MINT","amount":"150000000"}`, op.Data)
}

func TestScriptedUnknownStep(t *testing.T) {
	plan, err := flow.ParsePlan([]byte(swapThenTransfer))
	require.NoError(t, err)
	_, err = NewScripted(plan).Propose(context.Background(), executor.Request{StepID: "nope"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAgentFailure))
}

func TestScriptedRunAgainstSimulatedLedger(t *testing.T) {
	plan, err := flow.ParsePlan([]byte(swapThenTransfer))
	require.NoError(t, err)
	ledger, err := sim.New(plan.Wallet)
	require.NoError(t, err)
	engine, err := recovery.NewEngine(recovery.DefaultConfig())
	require.NoError(t, err)

	exec, err := executor.New(Guarded(NewScripted(plan), WithTimeout(time.Second)), ledger, engine)
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, flow.FinalStatusSucceeded, result.Status)
	assert.Equal(t, 100.0, result.CompletionPercentage)
	assert.InDelta(t, 1.0, result.Score, 1e-9)
	assert.Equal(t, "150000000", result.KeyMap["usdc_received"])
	assert.Equal(t, "150000000", ledger.TokenBalance("FRIEND", "USDC_MINT").String())
	assert.Equal(t, "1000000000", ledger.Balance("USER_WALLET_PUBKEY").String())
}
