package flow

import (
	"strings"
	"time"
)

// StatusSuccess 是账本执行成功时的状态标识。
const (
	StatusSuccess = "Success"
	StatusFailure = "Failure"
)

// FinalStatus 表示一次评测运行的最终状态。
type FinalStatus string

const (
	FinalStatusSucceeded FinalStatus = "Succeeded"
	FinalStatusFailed    FinalStatus = "Failed"
)

// Asset 描述钱包中的一种资产。余额使用最小单位的十进制字符串表示。
type Asset struct {
	AssetID  string  `yaml:"asset_id" json:"asset_id"`
	Symbol   string  `yaml:"symbol" json:"symbol"`
	Balance  string  `yaml:"balance" json:"balance"`
	Decimals int     `yaml:"decimals" json:"decimals"`
	PriceUSD float64 `yaml:"price_usd,omitempty" json:"price_usd,omitempty"`
}

// AccountSnapshot 是账本查询返回的账户快照。
type AccountSnapshot struct {
	Owner          string    `json:"owner"`
	NativeSymbol   string    `json:"native_symbol"`
	NativeBalance  string    `json:"native_balance"`
	NativeDecimals int       `json:"native_decimals"`
	NativePriceUSD float64   `json:"native_price_usd,omitempty"`
	Assets         []Asset   `json:"assets,omitempty"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// WalletContext 记录生成计划时的钱包状态。
type WalletContext struct {
	Owner          string            `yaml:"owner" json:"owner"`
	NativeSymbol   string            `yaml:"native_symbol" json:"native_symbol"`
	NativeBalance  string            `yaml:"native_balance" json:"native_balance"`
	NativeDecimals int               `yaml:"native_decimals" json:"native_decimals"`
	NativePriceUSD float64           `yaml:"native_price_usd,omitempty" json:"native_price_usd,omitempty"`
	Assets         []Asset           `yaml:"assets" json:"assets,omitempty"`
	TotalValueUSD  float64           `yaml:"-" json:"total_value_usd"`
	CurrentStep    int               `yaml:"-" json:"current_step"`
	Placeholders   map[string]string `yaml:"-" json:"placeholders,omitempty"`
}

// WalletFromSnapshot 基于账户快照构造钱包上下文并计算总价值。
func WalletFromSnapshot(s AccountSnapshot) WalletContext {
	w := WalletContext{
		Owner:          s.Owner,
		NativeSymbol:   s.NativeSymbol,
		NativeBalance:  s.NativeBalance,
		NativeDecimals: s.NativeDecimals,
		NativePriceUSD: s.NativePriceUSD,
		Assets:         append([]Asset(nil), s.Assets...),
	}
	w.TotalValueUSD = w.ComputeTotalValue()
	return w
}

// AssetBySymbol 按符号查找资产，大小写不敏感。
func (w WalletContext) AssetBySymbol(symbol string) (Asset, bool) {
	for _, a := range w.Assets {
		if strings.EqualFold(a.Symbol, symbol) {
			return a, true
		}
	}
	return Asset{}, false
}

// AssetByID 按资产标识查找资产。
func (w WalletContext) AssetByID(id string) (Asset, bool) {
	for _, a := range w.Assets {
		if a.AssetID == id {
			return a, true
		}
	}
	return Asset{}, false
}

// ComputeTotalValue 按资产价格汇总钱包美元价值，无价格的资产计为 0。
func (w WalletContext) ComputeTotalValue() float64 {
	total := UnitsValue(w.NativeBalance, w.NativeDecimals, w.NativePriceUSD)
	for _, a := range w.Assets {
		total += UnitsValue(a.Balance, a.Decimals, a.PriceUSD)
	}
	return total
}

// Clone 返回钱包上下文的深拷贝。
func (w WalletContext) Clone() WalletContext {
	out := w
	out.Assets = append([]Asset(nil), w.Assets...)
	if w.Placeholders != nil {
		out.Placeholders = make(map[string]string, len(w.Placeholders))
		for k, v := range w.Placeholders {
			out.Placeholders[k] = v
		}
	}
	return out
}

// Alternative 描述步骤失败后可替换的等价执行方式。
type Alternative struct {
	Name          string   `yaml:"name" json:"name"`
	Prompt        string   `yaml:"prompt" json:"prompt"`
	ExpectedTools []string `yaml:"expected_tools,omitempty" json:"expected_tools,omitempty"`
}

// FlowStep 是计划中的单个步骤，生成后不可修改。
type FlowStep struct {
	StepID               string            `json:"step_id"`
	Prompt               string            `json:"prompt"`
	Context              string            `json:"context,omitempty"`
	Critical             bool              `json:"critical"`
	EstimatedTimeSeconds *int              `json:"estimated_time_seconds,omitempty"`
	ExpectedTools        []string          `json:"expected_tools,omitempty"`
	Outputs              map[string]string `json:"outputs,omitempty"`
	Alternatives         []Alternative     `json:"alternatives,omitempty"`
	RecoveryStrategy     string            `json:"recovery_strategy,omitempty"`
}

// AccountMeta 描述操作引用的账户及其角色。
type AccountMeta struct {
	Pubkey     string `yaml:"pubkey" json:"pubkey"`
	IsSigner   bool   `yaml:"is_signer" json:"is_signer"`
	IsWritable bool   `yaml:"is_writable" json:"is_writable"`
}

// Operation 是一条账本操作描述，Data 对引擎而言是不透明的。
type Operation struct {
	StepID    string        `yaml:"step_id,omitempty" json:"step_id,omitempty"`
	ProgramID string        `yaml:"program_id" json:"program_id"`
	Accounts  []AccountMeta `yaml:"accounts" json:"accounts"`
	Data      string        `yaml:"data" json:"data"`
}

// Assertion 类型。
const (
	AssertNativeBalance       = "native_balance"
	AssertNativeBalanceChange = "native_balance_change"
	AssertTokenBalance        = "token_balance"
)

// Assertion 是最终状态断言，仅用于诊断，不参与评分。
type Assertion struct {
	Type              string `yaml:"type" json:"type"`
	Pubkey            string `yaml:"pubkey" json:"pubkey"`
	Asset             string `yaml:"asset,omitempty" json:"asset,omitempty"`
	Expected          string `yaml:"expected,omitempty" json:"expected,omitempty"`
	ExpectedGTE       string `yaml:"expected_gte,omitempty" json:"expected_gte,omitempty"`
	ExpectedChangeGTE string `yaml:"expected_change_gte,omitempty" json:"expected_change_gte,omitempty"`
}

// GroundTruth 是评分使用的参考答案。
type GroundTruth struct {
	ExpectedToolCalls         []string    `yaml:"expected_tool_calls" json:"expected_tool_calls,omitempty"`
	ExpectedInstructions      []Operation `yaml:"expected_instructions" json:"expected_instructions,omitempty"`
	FinalStateAssertions      []Assertion `yaml:"final_state_assertions" json:"final_state_assertions,omitempty"`
	SkipInstructionValidation bool        `yaml:"skip_instruction_validation" json:"skip_instruction_validation,omitempty"`
}

// FlowPlan 是多步骤意图的不可变表示。重新规划会生成新的 FlowPlan。
type FlowPlan struct {
	FlowID      string            `json:"flow_id"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Prompt      string            `json:"prompt"`
	Wallet      WalletContext     `json:"subject_wallet_info"`
	Steps       []FlowStep        `json:"steps"`
	GroundTruth GroundTruth       `json:"ground_truth"`
	KeyMap      map[string]string `json:"key_map,omitempty"`
}

// AgentAction 是智能体针对当前步骤提出的操作集合。
type AgentAction struct {
	StepID     string      `json:"step_id"`
	Tools      []string    `json:"tools,omitempty"`
	Operations []Operation `json:"operations"`
	Reasoning  string      `json:"reasoning,omitempty"`
}

// ToolNames 返回动作使用的工具名，未声明时以 program id 代替。
func (a AgentAction) ToolNames() []string {
	if len(a.Tools) > 0 {
		return append([]string(nil), a.Tools...)
	}
	names := make([]string, 0, len(a.Operations))
	for _, op := range a.Operations {
		names = append(names, op.ProgramID)
	}
	return names
}

// AccountState 是观察中单个账户的状态。
type AccountState struct {
	NativeBalance string            `json:"native_balance"`
	Tokens        map[string]string `json:"tokens,omitempty"`
}

// AgentObservation 是动作执行后的账本观察结果。
type AgentObservation struct {
	LastTransactionStatus string                  `json:"last_transaction_status"`
	LastTransactionError  string                  `json:"last_transaction_error,omitempty"`
	LastTransactionLogs   []string                `json:"last_transaction_logs,omitempty"`
	AccountStates         map[string]AccountState `json:"account_states,omitempty"`
	Output                map[string]any          `json:"output,omitempty"`
}

// Succeeded 判断观察是否报告执行成功。
func (o *AgentObservation) Succeeded() bool {
	return o != nil && o.LastTransactionStatus == StatusSuccess
}

// StepResult 记录一个计划步骤的最终结果，重试次数被折叠为计数。
type StepResult struct {
	StepID           string         `json:"step_id"`
	Success          bool           `json:"success"`
	Skipped          bool           `json:"skipped,omitempty"`
	Critical         bool           `json:"critical"`
	DurationMS       int64          `json:"duration_ms"`
	ToolCalls        []string       `json:"tool_calls,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ErrorCode        string         `json:"error_code,omitempty"`
	RecoveryAttempts int            `json:"recovery_attempts"`
	Alternative      string         `json:"alternative,omitempty"`
}

// TraceEntry 是执行轨迹中的一次动作/观察配对。
type TraceEntry struct {
	StepID      string            `json:"step_id"`
	Attempt     int               `json:"attempt"`
	Alternative string            `json:"alternative,omitempty"`
	Action      *AgentAction      `json:"action,omitempty"`
	Observation *AgentObservation `json:"observation,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	At          time.Time         `json:"at"`
}

// ExecutionTrace 是按时间顺序排列的执行轨迹。
type ExecutionTrace struct {
	Entries []TraceEntry `json:"entries"`
}

// Append 追加一条轨迹记录。
func (t *ExecutionTrace) Append(e TraceEntry) {
	t.Entries = append(t.Entries, e)
}

// Operations 返回轨迹中所有动作产生的操作，保持顺序。
func (t ExecutionTrace) Operations() []Operation {
	var ops []Operation
	for _, e := range t.Entries {
		if e.Action != nil {
			ops = append(ops, e.Action.Operations...)
		}
	}
	return ops
}

// ToolCalls 返回轨迹中出现过的工具名。
func (t ExecutionTrace) ToolCalls() []string {
	var tools []string
	for _, e := range t.Entries {
		if e.Action != nil {
			tools = append(tools, e.Action.ToolNames()...)
		}
	}
	return tools
}

// FinalObservation 返回最后一个被尝试步骤的终结观察。步骤按顺序执行，
// 因此它就是最后一条轨迹记录的观察；该次尝试没有到达账本时返回 nil。
func (t ExecutionTrace) FinalObservation() *AgentObservation {
	if len(t.Entries) == 0 {
		return nil
	}
	return t.Entries[len(t.Entries)-1].Observation
}

// LastObservation 返回最后一次账本观察，不存在时返回 nil。
func (t ExecutionTrace) LastObservation() *AgentObservation {
	for i := len(t.Entries) - 1; i >= 0; i-- {
		if t.Entries[i].Observation != nil {
			return t.Entries[i].Observation
		}
	}
	return nil
}

// OperationMatch 是单个期望操作的匹配结果。
type OperationMatch struct {
	ExpectedIndex int     `json:"expected_index"`
	ProducedIndex int     `json:"produced_index"`
	ProgramID     string  `json:"program_id"`
	Score         float64 `json:"score"`
	AccountScore  float64 `json:"account_score"`
	PayloadScore  float64 `json:"payload_score"`
}

// AssertionReport 是单条最终状态断言的诊断结果。
type AssertionReport struct {
	Assertion Assertion `json:"assertion"`
	Evaluated bool      `json:"evaluated"`
	Passed    bool      `json:"passed"`
	Actual    string    `json:"actual,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// ScoreBreakdown 是评分明细。
type ScoreBreakdown struct {
	InstructionScore float64           `json:"instruction_score"`
	OnchainScore     float64           `json:"onchain_score"`
	FinalScore       float64           `json:"final_score"`
	Matches          []OperationMatch  `json:"matches,omitempty"`
	Issues           []string          `json:"issues,omitempty"`
	Mismatches       []string          `json:"mismatches,omitempty"`
	Assertions       []AssertionReport `json:"assertions,omitempty"`
}

// FlowMetrics 汇总一次运行的执行指标。
type FlowMetrics struct {
	TotalDurationMS      int64 `json:"total_duration_ms"`
	SuccessfulSteps      int   `json:"successful_steps"`
	FailedSteps          int   `json:"failed_steps"`
	SkippedSteps         int   `json:"skipped_steps"`
	CriticalFailures     int   `json:"critical_failures"`
	NonCriticalFailures  int   `json:"non_critical_failures"`
	TotalToolCalls       int   `json:"total_tool_calls"`
	TotalRecoveryAttempt int   `json:"total_recovery_attempts"`
}

// TestResult 是运行结束时生成的不可变结果。
type TestResult struct {
	ExecutionID          string            `json:"execution_id"`
	FlowID               string            `json:"flow_id"`
	Prompt               string            `json:"prompt"`
	Status               FinalStatus       `json:"status"`
	Score                float64           `json:"score"`
	Breakdown            ScoreBreakdown    `json:"breakdown"`
	CompletionPercentage float64           `json:"completion_percentage"`
	Steps                []StepResult      `json:"steps"`
	Trace                ExecutionTrace    `json:"trace"`
	Metrics              FlowMetrics       `json:"metrics"`
	Errors               []string          `json:"errors,omitempty"`
	KeyMap               map[string]string `json:"key_map,omitempty"`
	StartedAt            time.Time         `json:"started_at"`
	FinishedAt           time.Time         `json:"finished_at"`
}
