package executor

import (
	"fmt"
	"time"
)

// Checkpoint 保存挂起运行的全部状态，只能通过 Executor.Resume 恢复一次。
type Checkpoint struct {
	ExecutionID string    `json:"execution_id"`
	FlowID      string    `json:"flow_id"`
	StepID      string    `json:"step_id"`
	Questions   []string  `json:"questions"`
	LastError   string    `json:"last_error"`
	SuspendedAt time.Time `json:"suspended_at"`

	attempts int
	exec     *execution
}

// SuspendedError 表示运行因需要用户介入而挂起。
type SuspendedError struct {
	Checkpoint *Checkpoint
	cause      error
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("%v (execution %s)", e.cause, e.Checkpoint.ExecutionID)
}

func (e *SuspendedError) Unwrap() error {
	return e.cause
}
