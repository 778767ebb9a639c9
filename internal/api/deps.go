package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"LedgerFlow/internal/auth"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/recovery"
	"LedgerFlow/internal/run"
)

// RunService 是路由依赖的运行服务能力。
type RunService interface {
	Submit(ctx context.Context, req run.SubmitRequest) (*run.Run, error)
	Resume(ctx context.Context, id string, resp recovery.Response) (*run.Run, error)
	Get(ctx context.Context, id string) (*run.Run, error)
	List(ctx context.Context, opts ...run.ListOption) ([]*run.Run, error)
	Stats(ctx context.Context, opts ...run.ListOption) (run.Stats, error)
}

// ResultLister 读取最近的评测结果。
type ResultLister interface {
	ListLatest(ctx context.Context, limit int) ([]*flow.TestResult, error)
}

// HTTPMetrics 记录请求指标并暴露抓取端点。
type HTTPMetrics interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
	Handler() http.Handler
}

// Deps 汇总路由所需的依赖，Results、Metrics 与 Auth 可以为空。
type Deps struct {
	Runs      RunService
	Auth      *auth.Service
	Results   ResultLister
	Metrics   HTTPMetrics
	Logger    *slog.Logger
	Benchmark bool
}
