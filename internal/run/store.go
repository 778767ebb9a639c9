package run

import (
	"context"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/recovery"
)

// Store 抽象了运行状态的持久化接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Claim 将待执行的运行标记为运行中。携带恢复答复的运行不计入重试次数。
	Claim(ctx context.Context, id string) (*Run, error)
	Complete(ctx context.Context, id string, result *flow.TestResult, code xerrors.Code, lastError string) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	MarkSuspended(ctx context.Context, id string, suspension Suspension) error
	// RequestResume 记录用户答复并将挂起的运行重新置为待执行。
	RequestResume(ctx context.Context, id string, resp recovery.Response) error
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// Stats 聚合了运行状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Running         int     `json:"running"`
	Suspended       int     `json:"suspended"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	AverageScore    float64 `json:"average_score"`
	OldestUpdatedAt int64   `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64   `json:"newest_updated_at,omitempty"`
}
