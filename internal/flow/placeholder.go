package flow

import (
	"regexp"
	"sort"
)

var (
	placeholderToken = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	bareSymbol       = regexp.MustCompile(`^[A-Z][A-Z0-9]*(_[A-Z0-9]+)+$`)
)

// PlaceholderNames 返回文本中以 {NAME} 形式引用的占位符名，按出现顺序去重。
func PlaceholderNames(text string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, m := range placeholderToken.FindAllStringSubmatch(text, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}

// ReplacePlaceholders 用 lookup 的结果替换 {NAME}，lookup 返回 false 时保留原文。
func ReplacePlaceholders(text string, lookup func(name string) (string, bool)) string {
	return placeholderToken.ReplaceAllStringFunc(text, func(token string) string {
		name := token[1 : len(token)-1]
		if v, ok := lookup(name); ok {
			return v
		}
		return token
	})
}

// IsSymbolicName 判断取值是否为裸占位符名，例如 USER_WALLET_PUBKEY。
func IsSymbolicName(value string) bool {
	return bareSymbol.MatchString(value)
}

// GroundTruthNames 收集参考答案中引用的占位符名。
func (p *FlowPlan) GroundTruthNames() []string {
	set := make(map[string]struct{})
	for _, op := range p.GroundTruth.ExpectedInstructions {
		if IsSymbolicName(op.ProgramID) {
			set[op.ProgramID] = struct{}{}
		}
		for _, acc := range op.Accounts {
			if IsSymbolicName(acc.Pubkey) {
				set[acc.Pubkey] = struct{}{}
			}
		}
		for _, n := range PlaceholderNames(op.Data) {
			set[n] = struct{}{}
		}
	}
	for _, a := range p.GroundTruth.FinalStateAssertions {
		if IsSymbolicName(a.Pubkey) {
			set[a.Pubkey] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
