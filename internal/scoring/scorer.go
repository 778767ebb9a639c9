// Package scoring 计算评测运行的加权得分。
package scoring

import (
	"fmt"
	"strings"

	"LedgerFlow/internal/flow"

	"github.com/agnivade/levenshtein"
)

const (
	// InstructionWeight 是指令结构相似度的权重。
	InstructionWeight = 0.75
	// OnchainWeight 是账本执行结果的权重。
	OnchainWeight = 0.25
	// DefaultMatchThreshold 是期望操作被视为匹配的最低相似度。
	DefaultMatchThreshold = 0.5
	// lossIssueThreshold 以百分制计，指令得分损失超过该值时记录问题。
	lossIssueThreshold = 20.0
)

// Scorer 将指令结构得分与账本结果得分合成为最终分数。
type Scorer struct {
	threshold float64
}

// Option 定义评分器的可选配置。
type Option func(*Scorer)

// WithMatchThreshold 覆盖匹配阈值。
func WithMatchThreshold(v float64) Option {
	return func(s *Scorer) {
		if v >= 0 && v <= 1 {
			s.threshold = v
		}
	}
}

// New 创建评分器。
func New(opts ...Option) *Scorer {
	s := &Scorer{threshold: DefaultMatchThreshold}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Score 根据计划参考答案、执行轨迹与已解析占位符计算评分明细。
func (s *Scorer) Score(plan *flow.FlowPlan, trace flow.ExecutionTrace, keyMap map[string]string) flow.ScoreBreakdown {
	norm := newNormalizer(keyMap)
	last := trace.LastObservation()
	final := trace.FinalObservation()
	onchain := OnchainScore(final)

	var (
		instruction float64
		matches     []flow.OperationMatch
	)
	gt := plan.GroundTruth
	switch {
	case gt.SkipInstructionValidation:
		instruction = 1
	case len(gt.ExpectedInstructions) > 0:
		instruction, matches = s.match(gt.ExpectedInstructions, trace.Operations(), norm)
	case len(gt.ExpectedToolCalls) > 0:
		instruction = ToolCallScore(gt.ExpectedToolCalls, trace.ToolCalls())
	default:
		instruction = 1
	}

	score := Combine(instruction, onchain)
	if gt.SkipInstructionValidation {
		score = onchain
	}

	b := flow.ScoreBreakdown{
		InstructionScore: instruction,
		OnchainScore:     onchain,
		FinalScore:       score,
		Matches:          matches,
		Assertions:       EvaluateAssertions(plan, last, norm),
	}
	b.Issues, b.Mismatches = diagnose(b, final, gt.SkipInstructionValidation)
	return b
}

// Combine 返回 0.75*instruction + 0.25*onchain，并截断到 [0,1]。
func Combine(instruction, onchain float64) float64 {
	return clamp(InstructionWeight*clamp(instruction) + OnchainWeight*clamp(onchain))
}

// OnchainScore 在最后一个被尝试步骤的观察报告成功时为 1，否则为 0。
func OnchainScore(last *flow.AgentObservation) float64 {
	if last.Succeeded() {
		return 1
	}
	return 0
}

// InstructionScore 对每个期望操作贪心选取最相似且尚未使用的产出操作。
// 期望操作按声明顺序处理，相同分数取下标最小者；低于阈值视为未匹配，计 0 分。
// 多余的产出操作不扣分。
func (s *Scorer) InstructionScore(expected, produced []flow.Operation, keyMap map[string]string) (float64, []flow.OperationMatch) {
	return s.match(expected, produced, newNormalizer(keyMap))
}

func (s *Scorer) match(expected, produced []flow.Operation, norm normalizer) (float64, []flow.OperationMatch) {
	if len(expected) == 0 {
		return 1, nil
	}
	used := make([]bool, len(produced))
	matches := make([]flow.OperationMatch, 0, len(expected))
	total := 0.0

	for ei, exp := range expected {
		exp = norm.operation(exp)
		best := flow.OperationMatch{ExpectedIndex: ei, ProducedIndex: -1, ProgramID: exp.ProgramID}
		for pi, prod := range produced {
			if used[pi] {
				continue
			}
			score, accounts, payload := pairScore(exp, norm.operation(prod))
			if score > best.Score {
				best.ProducedIndex = pi
				best.Score = score
				best.AccountScore = accounts
				best.PayloadScore = payload
			}
		}
		if best.ProducedIndex >= 0 && best.Score >= s.threshold {
			used[best.ProducedIndex] = true
			total += best.Score
		} else {
			best = flow.OperationMatch{ExpectedIndex: ei, ProducedIndex: -1, ProgramID: exp.ProgramID}
		}
		matches = append(matches, best)
	}
	return clamp(total / float64(len(expected))), matches
}

// pairScore 在 program id 一致时返回 (1 + 账户相似度 + 载荷相似度) / 3，否则为 0。
func pairScore(expected, produced flow.Operation) (score, accounts, payload float64) {
	if expected.ProgramID != produced.ProgramID {
		return 0, 0, 0
	}
	accounts = accountSimilarity(expected.Accounts, produced.Accounts)
	payload = payloadSimilarity(expected.Data, produced.Data)
	return (1 + accounts + payload) / 3, accounts, payload
}

type accountRole struct {
	pubkey   string
	signer   bool
	writable bool
}

// accountSimilarity 计算账户角色多重集的 Dice 系数。
func accountSimilarity(expected, produced []flow.AccountMeta) float64 {
	if len(expected) == 0 && len(produced) == 0 {
		return 1
	}
	counts := make(map[accountRole]int, len(expected))
	for _, a := range expected {
		counts[accountRole{a.Pubkey, a.IsSigner, a.IsWritable}]++
	}
	common := 0
	for _, a := range produced {
		key := accountRole{a.Pubkey, a.IsSigner, a.IsWritable}
		if counts[key] > 0 {
			counts[key]--
			common++
		}
	}
	return 2 * float64(common) / float64(len(expected)+len(produced))
}

// payloadSimilarity 返回 1 - 编辑距离/较长长度，完全一致为 1。
func payloadSimilarity(expected, produced string) float64 {
	if expected == produced {
		return 1
	}
	a, b := []rune(expected), []rune(produced)
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(expected, produced)
	return clamp(1 - float64(d)/float64(longest))
}

// ToolCallScore 在未声明期望指令时按工具名多重集计算覆盖率。
func ToolCallScore(expected, produced []string) float64 {
	if len(expected) == 0 {
		return 1
	}
	counts := make(map[string]int, len(produced))
	for _, t := range produced {
		counts[strings.ToLower(t)]++
	}
	hit := 0
	for _, t := range expected {
		key := strings.ToLower(t)
		if counts[key] > 0 {
			counts[key]--
			hit++
		}
	}
	return float64(hit) / float64(len(expected))
}

func diagnose(b flow.ScoreBreakdown, last *flow.AgentObservation, skip bool) (issues, mismatches []string) {
	if skip {
		if b.OnchainScore < 1 {
			issues = append(issues, "Transaction failed on-ledger execution")
		}
		return issues, mismatches
	}
	if b.InstructionScore < 1 {
		lost := (1 - b.InstructionScore) * 100
		if lost > lossIssueThreshold {
			issues = append(issues, fmt.Sprintf("Instruction matching lost %.1f points", lost))
			mismatches = append(mismatches, "Program id, accounts, or instruction data mismatches")
		} else {
			mismatches = append(mismatches, "Minor instruction format differences")
		}
		for _, m := range b.Matches {
			if m.ProducedIndex < 0 {
				mismatches = append(mismatches, fmt.Sprintf("Expected operation #%d (%s) has no matching operation", m.ExpectedIndex+1, m.ProgramID))
			}
		}
	}
	if b.OnchainScore < 1 {
		issues = append(issues, "Transaction failed on-ledger execution")
		if last != nil && last.LastTransactionError != "" {
			mismatches = append(mismatches, "On-ledger error: "+last.LastTransactionError)
		}
	}
	for _, a := range b.Assertions {
		if a.Evaluated && !a.Passed {
			mismatches = append(mismatches, "Final state assertion failed: "+a.Message)
		}
	}
	return issues, mismatches
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
