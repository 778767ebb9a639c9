package executor

import (
	"encoding/json"
	"fmt"
	"sort"

	"LedgerFlow/internal/flow"

	"github.com/oliveagle/jsonpath"
)

// extractOutputs 按步骤声明的 JSONPath 从观察结果中提取可复用的输出。
func extractOutputs(step flow.FlowStep, obs *flow.AgentObservation) (map[string]any, []error) {
	if len(step.Outputs) == 0 || obs == nil {
		return nil, nil
	}
	raw, err := json.Marshal(obs)
	if err != nil {
		return nil, []error{fmt.Errorf("序列化观察结果失败: %w", err)}
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, []error{fmt.Errorf("解析观察结果失败: %w", err)}
	}

	keys := make([]string, 0, len(step.Outputs))
	for k := range step.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	var errs []error
	for _, key := range keys {
		expr := step.Outputs[key]
		v, err := jsonpath.JsonPathLookup(doc, expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("提取输出 %s (%s) 失败: %w", key, expr, err))
			continue
		}
		out[key] = v
	}
	return out, errs
}
