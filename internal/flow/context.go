package flow

import (
	"fmt"
	"sync"

	xerrors "LedgerFlow/internal/errors"
)

// ExecutionContext 是单次运行的可变状态：步骤结果、跨步骤草稿数据与完成度。
// 运行中只有执行器写入，读取方（例如 API）可以并发查询。
type ExecutionContext struct {
	mu         sync.RWMutex
	totalSteps int
	order      []string
	results    map[string]StepResult
	scratch    map[string]any
	completed  int
}

// NewExecutionContext 创建一个空的执行上下文。
func NewExecutionContext(totalSteps int) *ExecutionContext {
	return &ExecutionContext{
		totalSteps: totalSteps,
		results:    make(map[string]StepResult, totalSteps),
		scratch:    make(map[string]any),
	}
}

// Record 追加步骤结果。每个步骤最多一个终态结果。
func (c *ExecutionContext) Record(result StepResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result.StepID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤结果缺少 step_id")
	}
	if _, ok := c.results[result.StepID]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("步骤 %s 已有结果", result.StepID))
	}
	c.results[result.StepID] = result
	c.order = append(c.order, result.StepID)
	if result.Success {
		c.completed++
	}
	return nil
}

// Result 返回指定步骤的结果。
func (c *ExecutionContext) Result(stepID string) (StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[stepID]
	return r, ok
}

// Results 按执行顺序返回全部步骤结果。
func (c *ExecutionContext) Results() []StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StepResult, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.results[id])
	}
	return out
}

func (c *ExecutionContext) TotalSteps() int {
	return c.totalSteps
}

// CompletedSteps 返回成功完成的步骤数，运行期间单调不减。
func (c *ExecutionContext) CompletedSteps() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completed
}

// CompletionPercentage 返回 completed / total * 100。
func (c *ExecutionContext) CompletionPercentage() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.totalSteps == 0 {
		return 0
	}
	return float64(c.completed) / float64(c.totalSteps) * 100
}

// Scratch 读取草稿数据。
func (c *ExecutionContext) Scratch(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.scratch[key]
	return v, ok
}

// SetScratch 写入草稿数据。
func (c *ExecutionContext) SetScratch(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scratch[key] = value
}

// ScratchSnapshot 返回草稿数据的浅拷贝，供智能体读取。
func (c *ExecutionContext) ScratchSnapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.scratch))
	for k, v := range c.scratch {
		out[k] = v
	}
	return out
}
