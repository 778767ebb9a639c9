package flow

import (
	"fmt"
	"os"
	"strings"

	xerrors "LedgerFlow/internal/errors"

	"gopkg.in/yaml.v3"
)

// DefaultNativeDecimals 在计划未声明原生资产精度时使用。
const DefaultNativeDecimals = 9

type planDocument struct {
	FlowID      string            `yaml:"flow_id"`
	ID          string            `yaml:"id"`
	Description string            `yaml:"description"`
	Tags        []string          `yaml:"tags"`
	Prompt      string            `yaml:"prompt"`
	Wallet      walletDocument    `yaml:"subject_wallet_info"`
	Steps       []stepDocument    `yaml:"steps"`
	GroundTruth GroundTruth       `yaml:"ground_truth"`
	KeyMap      map[string]string `yaml:"key_map"`
}

type walletDocument struct {
	Owner          string  `yaml:"owner"`
	NativeSymbol   string  `yaml:"native_symbol"`
	NativeBalance  string  `yaml:"native_balance"`
	NativeDecimals *int    `yaml:"native_decimals"`
	NativePriceUSD float64 `yaml:"native_price_usd"`
	Assets         []Asset `yaml:"assets"`
}

type stepDocument struct {
	StepID               string            `yaml:"step_id"`
	Prompt               string            `yaml:"prompt"`
	Context              string            `yaml:"context"`
	Critical             *bool             `yaml:"critical"`
	EstimatedTimeSeconds *int              `yaml:"estimated_time_seconds"`
	ExpectedTools        []string          `yaml:"expected_tools"`
	Outputs              map[string]string `yaml:"outputs"`
	Alternatives         []Alternative     `yaml:"alternatives"`
	RecoveryStrategy     string            `yaml:"recovery_strategy"`
}

// LoadPlan 从 YAML 文件读取计划。
func LoadPlan(path string) (*FlowPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取计划文件失败: %w", err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("解析计划 %s 失败: %w", path, err)
	}
	return plan, nil
}

// ParsePlan 解析 YAML 格式的计划并补全默认值。
func ParsePlan(data []byte) (*FlowPlan, error) {
	var doc planDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "计划格式错误")
	}
	plan := doc.toPlan()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (d planDocument) toPlan() *FlowPlan {
	id := strings.TrimSpace(d.FlowID)
	if id == "" {
		id = strings.TrimSpace(d.ID)
	}
	decimals := DefaultNativeDecimals
	if d.Wallet.NativeDecimals != nil {
		decimals = *d.Wallet.NativeDecimals
	}
	wallet := WalletContext{
		Owner:          strings.TrimSpace(d.Wallet.Owner),
		NativeSymbol:   strings.TrimSpace(d.Wallet.NativeSymbol),
		NativeBalance:  strings.TrimSpace(d.Wallet.NativeBalance),
		NativeDecimals: decimals,
		NativePriceUSD: d.Wallet.NativePriceUSD,
		Assets:         d.Wallet.Assets,
	}
	wallet.TotalValueUSD = wallet.ComputeTotalValue()

	steps := make([]FlowStep, 0, len(d.Steps))
	for _, s := range d.Steps {
		critical := true
		if s.Critical != nil {
			critical = *s.Critical
		}
		steps = append(steps, FlowStep{
			StepID:               strings.TrimSpace(s.StepID),
			Prompt:               s.Prompt,
			Context:              s.Context,
			Critical:             critical,
			EstimatedTimeSeconds: s.EstimatedTimeSeconds,
			ExpectedTools:        s.ExpectedTools,
			Outputs:              s.Outputs,
			Alternatives:         s.Alternatives,
			RecoveryStrategy:     s.RecoveryStrategy,
		})
	}

	return &FlowPlan{
		FlowID:      id,
		Description: d.Description,
		Tags:        d.Tags,
		Prompt:      d.Prompt,
		Wallet:      wallet,
		Steps:       steps,
		GroundTruth: d.GroundTruth,
		KeyMap:      d.KeyMap,
	}
}

// Validate 检查计划的结构完整性。
func (p *FlowPlan) Validate() error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划不能为空")
	}
	if p.FlowID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划缺少 flow_id")
	}
	if p.Wallet.Owner == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划缺少 subject_wallet_info.owner")
	}
	if len(p.Steps) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划至少需要一个步骤")
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if s.StepID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 个步骤缺少 step_id", i+1))
		}
		if _, ok := seen[s.StepID]; ok {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("步骤 ID 重复: %s", s.StepID))
		}
		seen[s.StepID] = struct{}{}
		if strings.TrimSpace(s.Prompt) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("步骤 %s 缺少 prompt", s.StepID))
		}
	}
	for i, op := range p.GroundTruth.ExpectedInstructions {
		if op.ProgramID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 条期望指令缺少 program_id", i+1))
		}
		if op.StepID != "" {
			if _, ok := seen[op.StepID]; !ok {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("期望指令引用了不存在的步骤: %s", op.StepID))
			}
		}
	}
	for _, a := range p.GroundTruth.FinalStateAssertions {
		switch a.Type {
		case AssertNativeBalance, AssertNativeBalanceChange, AssertTokenBalance:
		default:
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的断言类型: %s", a.Type))
		}
	}
	return nil
}

// InstructionsForStep 返回归属于指定步骤的期望指令；未标注步骤的指令归入第一个步骤。
func (p *FlowPlan) InstructionsForStep(stepID string) []Operation {
	var ops []Operation
	first := len(p.Steps) > 0 && p.Steps[0].StepID == stepID
	for _, op := range p.GroundTruth.ExpectedInstructions {
		if op.StepID == stepID || (op.StepID == "" && first) {
			ops = append(ops, op)
		}
	}
	return ops
}
