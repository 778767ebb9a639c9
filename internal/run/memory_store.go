package run

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/recovery"
)

// MemoryStore 以内存方式保存运行状态。
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
	now  func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if r.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	if _, ok := m.runs[r.ID]; ok {
		return ErrRunConflict
	}
	now := m.now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.runs[r.ID] = cloneRun(r)
	return nil
}

// Get 返回运行。
func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(r), nil
}

// Claim 将运行状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	switch r.Status {
	case StatusSucceeded, StatusFailed:
		return cloneRun(r), ErrRunCompleted
	case StatusRunning, StatusSuspended:
		return cloneRun(r), ErrRunConflict
	}
	if r.Resume == "" {
		if r.Attempts >= r.MaxRetries {
			return cloneRun(r), ErrRunExhausted
		}
		r.Attempts++
	}
	r.Status = StatusRunning
	r.LastError = ""
	r.ErrorCode = ""
	r.UpdatedAt = m.now().Unix()
	return cloneRun(r), nil
}

// Complete 记录运行结果并结束运行。
func (m *MemoryStore) Complete(_ context.Context, id string, result *flow.TestResult, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.Status = StatusSucceeded
	if result != nil && result.Status == flow.FinalStatusFailed {
		r.Status = StatusFailed
	}
	r.Result = result
	r.Suspension = nil
	r.Resume = ""
	r.LastError = lastError
	r.ErrorCode = string(code)
	r.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 标记运行失败。非终止失败会将运行放回待执行状态。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.Status = StatusPending
	if terminal {
		r.Status = StatusFailed
	}
	r.Resume = ""
	r.LastError = lastError
	r.ErrorCode = string(code)
	r.UpdatedAt = m.now().Unix()
	return nil
}

// MarkSuspended 记录挂起信息。
func (m *MemoryStore) MarkSuspended(_ context.Context, id string, suspension Suspension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	s := suspension
	s.Questions = append([]string(nil), suspension.Questions...)
	r.Status = StatusSuspended
	r.Suspension = &s
	r.Resume = ""
	r.LastError = suspension.LastError
	r.ErrorCode = string(xerrors.CodeUserFulfillmentRequired)
	r.UpdatedAt = m.now().Unix()
	return nil
}

// RequestResume 实现 Store 接口。
func (m *MemoryStore) RequestResume(_ context.Context, id string, resp recovery.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status != StatusSuspended {
		return ErrRunConflict
	}
	r.Status = StatusPending
	r.Resume = resp
	r.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回最近运行。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		if !matchesListFilters(r, opts) {
			continue
		}
		results = append(results, cloneRun(r))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID < b.ID
			}
			if opts.Order == SortByUpdatedAsc {
				return a.CreatedAt < b.CreatedAt
			}
			return a.CreatedAt > b.CreatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return a.UpdatedAt < b.UpdatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Run{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的运行数量、平均得分与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	scored := 0
	var scoreSum float64
	for _, r := range m.runs {
		if !matchesListFilters(r, opts) {
			continue
		}
		stats.Total++
		switch r.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSuspended:
			stats.Suspended++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if r.Result != nil {
			scored++
			scoreSum += r.Result.Score
		}
		if r.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = r.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (r.UpdatedAt != 0 && r.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = r.UpdatedAt
		}
	}
	if scored > 0 {
		stats.AverageScore = scoreSum / float64(scored)
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
