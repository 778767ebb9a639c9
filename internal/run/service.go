package run

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/recovery"
	"LedgerFlow/pkg/logger"
)

// SubmitRequest 描述一次运行提交。
type SubmitRequest struct {
	ID        string         `json:"id,omitempty"`
	Plan      *flow.FlowPlan `json:"plan"`
	Benchmark bool           `json:"benchmark"`
}

// Service 负责运行的创建、查询与恢复。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造运行服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 校验计划，创建运行并推送到队列。相同 ID 的重复提交返回已有运行。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	if req.Plan == nil {
		return nil, xerrors.New(CodeRunValidation, "流程计划不能为空")
	}
	if err := req.Plan.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeRunValidation, err, "流程计划无效")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}

	runID := strings.TrimSpace(req.ID)
	if runID != "" {
		existing, err := s.store.Get(ctx, runID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	} else {
		runID = uuid.NewString()
	}

	r := &Run{
		ID:         runID,
		FlowID:     req.Plan.FlowID,
		Plan:       req.Plan,
		Benchmark:  req.Benchmark,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, r); err != nil {
		if stdErrors.Is(err, ErrRunConflict) {
			existing, getErr := s.store.Get(ctx, runID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrRunNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("run_id", runID))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "发布运行到队列失败")
		_ = s.store.MarkFailed(ctx, runID, CodeRunPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("运行入队成功",
		slog.String("run_id", runID),
		slog.String("flow_id", r.FlowID),
		slog.Bool("benchmark", r.Benchmark),
		slog.Int("steps", len(r.Plan.Steps)),
		slog.Int("max_retries", r.MaxRetries),
	)
	return r, nil
}

// Resume 记录用户对挂起运行的答复并重新排队。
func (s *Service) Resume(ctx context.Context, id string, resp recovery.Response) (*Run, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}
	switch resp {
	case recovery.ResponseRetry, recovery.ResponseSkip, recovery.ResponseAbort:
	default:
		return nil, xerrors.New(CodeRunValidation, fmt.Sprintf("未知的用户答复: %q", resp))
	}
	if err := s.store.RequestResume(ctx, id, resp); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		wrapped := xerrors.Wrap(CodeRunPublish, err, "发布恢复请求失败")
		_ = s.store.MarkFailed(ctx, id, CodeRunPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("运行恢复请求已入队",
		slog.String("run_id", id),
		slog.String("response", string(resp)),
	)
	return s.store.Get(ctx, id)
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilSettled 轮询运行状态，直到运行结束或进入挂起。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Terminal() || r.Status == StatusSuspended {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
