package agent

import (
	"context"
	"fmt"
	"strings"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/executor"
	"LedgerFlow/internal/flow"
)

// Scripted 按计划参考答案回放每个步骤的操作，占位符使用执行时已解析的值替换。
// 它主要用于验证执行链路与评分，不做任何推理。
type Scripted struct {
	plan *flow.FlowPlan
}

// NewScripted 创建回放智能体。
func NewScripted(plan *flow.FlowPlan) *Scripted {
	return &Scripted{plan: plan}
}

// Propose 返回当前步骤的参考操作。
func (s *Scripted) Propose(ctx context.Context, req executor.Request) (*flow.AgentAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.plan == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "回放智能体缺少计划")
	}
	ops := s.plan.InstructionsForStep(req.StepID)
	if len(ops) == 0 {
		return nil, xerrors.New(xerrors.CodeAgentFailure, fmt.Sprintf("步骤 %s 没有可回放的操作", req.StepID))
	}

	lookup := lookupFrom(req)
	action := &flow.AgentAction{
		StepID:     req.StepID,
		Operations: make([]flow.Operation, 0, len(ops)),
		Reasoning:  "replaying reference operations",
	}
	for _, op := range ops {
		out := flow.Operation{
			StepID:    req.StepID,
			ProgramID: substitute(op.ProgramID, lookup),
			Data:      flow.ReplacePlaceholders(op.Data, lookup),
			Accounts:  make([]flow.AccountMeta, len(op.Accounts)),
		}
		for i, acc := range op.Accounts {
			acc.Pubkey = substitute(acc.Pubkey, lookup)
			out.Accounts[i] = acc
		}
		action.Operations = append(action.Operations, out)
	}
	if len(req.ExpectedTools) > 0 {
		action.Tools = append([]string(nil), req.ExpectedTools...)
	}
	return action, nil
}

func lookupFrom(req executor.Request) func(string) (string, bool) {
	return func(name string) (string, bool) {
		if v, ok := req.Wallet.Placeholders[name]; ok {
			return v, true
		}
		if v, ok := req.Scratch["placeholder."+name]; ok {
			return fmt.Sprint(v), true
		}
		if v, ok := req.Scratch[name]; ok {
			return fmt.Sprint(v), true
		}
		return "", false
	}
}

func substitute(value string, lookup func(string) (string, bool)) string {
	if flow.IsSymbolicName(value) {
		if v, ok := lookup(value); ok {
			return v
		}
		return value
	}
	if strings.Contains(value, "{") {
		return flow.ReplacePlaceholders(value, lookup)
	}
	return value
}
