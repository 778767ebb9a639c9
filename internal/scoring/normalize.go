package scoring

import (
	"strings"

	"LedgerFlow/internal/flow"
)

// normalizer 用已解析的占位符映射统一标识符，使参考答案中的符号名与实际值可比。
type normalizer struct {
	keyMap map[string]string
}

func newNormalizer(keyMap map[string]string) normalizer {
	return normalizer{keyMap: keyMap}
}

func (n normalizer) identifier(v string) string {
	v = strings.TrimSpace(v)
	if resolved, ok := n.keyMap[v]; ok {
		v = resolved
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		v = strings.ToLower(v)
	}
	return v
}

func (n normalizer) payload(v string) string {
	return flow.ReplacePlaceholders(strings.TrimSpace(v), func(name string) (string, bool) {
		r, ok := n.keyMap[name]
		return r, ok
	})
}

func (n normalizer) operation(op flow.Operation) flow.Operation {
	out := flow.Operation{
		StepID:    op.StepID,
		ProgramID: n.identifier(op.ProgramID),
		Data:      n.payload(op.Data),
		Accounts:  make([]flow.AccountMeta, len(op.Accounts)),
	}
	for i, a := range op.Accounts {
		out.Accounts[i] = flow.AccountMeta{
			Pubkey:     n.identifier(a.Pubkey),
			IsSigner:   a.IsSigner,
			IsWritable: a.IsWritable,
		}
	}
	return out
}
