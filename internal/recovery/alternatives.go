package recovery

import (
	"strings"

	"LedgerFlow/internal/flow"
)

type trigger struct {
	name        string
	fragments   []string
	instruction string
}

// 内置替代流程，按错误片段触发。
var builtinTriggers = []trigger{
	{
		name:        "alternative_dex",
		fragments:   []string{"route not found", "slippage too high", "dex error", "no route"},
		instruction: "The previous route failed. Use a different DEX or routing program for the same swap.",
	},
	{
		name:        "reduced_amount",
		fragments:   []string{"insufficient liquidity", "slippage exceeded", "too large", "insufficient funds"},
		instruction: "The previous amount could not be executed. Retry with a reduced amount that the wallet and pool can cover.",
	},
	{
		name:        "network_recovery",
		fragments:   []string{"network error", "connection refused", "rate limit", "service unavailable"},
		instruction: "The previous submission hit a network problem. Rebuild the operations and submit them again.",
	},
}

// stepKinds 是内置替代流程适用的步骤类别。
var stepKinds = []string{"swap", "lend", "transfer", "deposit", "withdraw", "borrow"}

// StepKind 根据步骤 ID 与预期工具推断步骤类别，无法判断时返回空字符串。
func StepKind(step flow.FlowStep) string {
	candidates := append([]string{step.StepID}, step.ExpectedTools...)
	for _, c := range candidates {
		lower := strings.ToLower(c)
		for _, k := range stepKinds {
			if strings.Contains(lower, k) {
				return k
			}
		}
	}
	return ""
}

// nextAlternative 依次返回计划声明的替代方案，然后是匹配错误的内置方案。
func nextAlternative(step flow.FlowStep, tried map[string]bool, lastErr error) (flow.Alternative, bool) {
	for _, alt := range step.Alternatives {
		if alt.Name == "" || tried[alt.Name] {
			continue
		}
		return alt, true
	}

	if step.RecoveryStrategy == "" && StepKind(step) == "" {
		return flow.Alternative{}, false
	}
	text := strings.ToLower(flow.ErrorText(lastErr))
	for _, t := range builtinTriggers {
		if tried[t.name] {
			continue
		}
		if step.RecoveryStrategy == t.name || containsAny(text, t.fragments) {
			return flow.Alternative{
				Name:          t.name,
				Prompt:        step.Prompt + "\n\n" + t.instruction,
				ExpectedTools: step.ExpectedTools,
			}, true
		}
	}
	return flow.Alternative{}, false
}

// ApplyAlternative 返回以替代方案替换提示词后的步骤副本，步骤 ID 保持不变。
func ApplyAlternative(step flow.FlowStep, alt flow.Alternative) flow.FlowStep {
	out := step
	if strings.TrimSpace(alt.Prompt) != "" {
		out.Prompt = alt.Prompt
	}
	if len(alt.ExpectedTools) > 0 {
		out.ExpectedTools = alt.ExpectedTools
	}
	out.Alternatives = nil
	return out
}

func containsAny(text string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(text, f) {
			return true
		}
	}
	return false
}
