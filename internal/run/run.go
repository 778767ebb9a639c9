package run

import (
	stdErrors "errors"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/recovery"
)

// Status 表示运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Suspension 记录等待用户答复的挂起信息。
type Suspension struct {
	StepID      string    `json:"step_id"`
	Questions   []string  `json:"questions"`
	LastError   string    `json:"last_error"`
	SuspendedAt time.Time `json:"suspended_at"`
}

// Run 描述了排队执行的一次流程评测。
type Run struct {
	ID         string            `json:"id"`
	FlowID     string            `json:"flow_id"`
	Plan       *flow.FlowPlan    `json:"plan,omitempty"`
	Benchmark  bool              `json:"benchmark"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *flow.TestResult  `json:"result,omitempty"`
	Suspension *Suspension       `json:"suspension,omitempty"`
	Resume     recovery.Response `json:"resume,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Terminal 判断运行是否已结束。
func (r *Run) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunCompleted 表示运行已经结束。
	ErrRunCompleted = xerrors.New(CodeRunCompleted, "run already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRunExhausted 表示运行的重试次数已经耗尽。
	ErrRunExhausted = xerrors.New(CodeRunExhausted, "run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeRunNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict   xerrors.Code = "RUN_CONFLICT"
	CodeRunCompleted  xerrors.Code = "RUN_COMPLETED"
	CodeRunExhausted  xerrors.Code = "RUN_RETRIES_EXHAUSTED"
	CodeRunValidation xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeRunPublish    xerrors.Code = "RUN_PUBLISH_FAILED"
	CodeRunProcessing xerrors.Code = "RUN_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:  "run not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:  "run conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeRunCompleted, xerrors.Attributes{
		Message:  "run already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunExhausted, xerrors.Attributes{
		Message:  "run retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:  "run validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunProcessing, xerrors.Attributes{
		Message:   "run execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsRunError 判断错误是否为统一运行错误。
func IsRunError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrRunNotFound) {
		return target == CodeRunNotFound
	}
	if stdErrors.Is(err, ErrRunConflict) {
		return target == CodeRunConflict
	}
	if stdErrors.Is(err, ErrRunCompleted) {
		return target == CodeRunCompleted
	}
	if stdErrors.Is(err, ErrRunExhausted) {
		return target == CodeRunExhausted
	}
	return false
}

// IsValidStatus 检查给定的运行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSuspended, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneRun(r *Run) *Run {
	clone := *r
	if r.Suspension != nil {
		s := *r.Suspension
		s.Questions = append([]string(nil), r.Suspension.Questions...)
		clone.Suspension = &s
	}
	return &clone
}
