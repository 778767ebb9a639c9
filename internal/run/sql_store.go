package run

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/recovery"
	"LedgerFlow/internal/storage/sqlstore"
)

// SQLStore 使用 MySQL 或 SQLite 记录运行状态，表结构由 sqlstore 迁移维护。
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore 基于已迁移的连接池创建 SQLStore。
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

const runColumns = `id, flow_id, benchmark, status, attempts, max_retries, last_error, error_code,
        resume_response, plan_json, result_json, suspension_json, created_at, updated_at`

// Create 插入新的运行记录。
func (s *SQLStore) Create(ctx context.Context, r *Run) error {
	if r == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if strings.TrimSpace(r.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}

	now := time.Now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	plan, err := marshalColumn(r.Plan)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码流程计划失败")
	}

	const stmt = `INSERT INTO flow_runs
        (id, flow_id, benchmark, status, attempts, max_retries, last_error, error_code, resume_response, plan_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', '', ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		r.ID,
		r.FlowID,
		r.Benchmark,
		string(r.Status),
		r.Attempts,
		r.MaxRetries,
		plan,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		if sqlstore.IsDuplicateKey(err) {
			return ErrRunConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行失败")
	}
	return nil
}

// Get 查询指定运行。
func (s *SQLStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM flow_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行失败")
	}
	return r, nil
}

// Claim 将运行标记为运行中并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Run, error) {
	const stmt = `UPDATE flow_runs SET status = ?,
        attempts = attempts + CASE WHEN resume_response = '' THEN 1 ELSE 0 END,
        updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND (resume_response <> '' OR attempts < max_retries)`

	res, err := s.db.ExecContext(ctx, stmt, string(StatusRunning), time.Now().Unix(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	r, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return r, nil
	}
	switch r.Status {
	case StatusSucceeded, StatusFailed:
		return r, ErrRunCompleted
	case StatusPending:
		if r.Attempts >= r.MaxRetries {
			return r, ErrRunExhausted
		}
	}
	return r, ErrRunConflict
}

// Complete 记录运行结果并结束运行。
func (s *SQLStore) Complete(ctx context.Context, id string, result *flow.TestResult, code xerrors.Code, lastError string) error {
	status := StatusSucceeded
	var score sql.NullFloat64
	if result != nil {
		if result.Status == flow.FinalStatusFailed {
			status = StatusFailed
		}
		score = sql.NullFloat64{Float64: result.Score, Valid: true}
	}
	payload, err := marshalColumn(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码评测结果失败")
	}
	const stmt = `UPDATE flow_runs SET status = ?, result_json = ?, score = ?, suspension_json = NULL,
        resume_response = '', last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	return s.exec(ctx, "记录运行结果失败", stmt,
		string(status), payload, score, lastError, string(code), time.Now().Unix(), id)
}

// MarkFailed 标记运行失败。非终止失败会将运行放回待执行状态。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	const stmt = `UPDATE flow_runs SET status = ?, resume_response = '', last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	return s.exec(ctx, "标记运行失败状态失败", stmt,
		string(status), lastError, string(code), time.Now().Unix(), id)
}

// MarkSuspended 记录挂起信息。
func (s *SQLStore) MarkSuspended(ctx context.Context, id string, suspension Suspension) error {
	payload, err := marshalColumn(&suspension)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码挂起信息失败")
	}
	const stmt = `UPDATE flow_runs SET status = ?, suspension_json = ?, resume_response = '', last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	return s.exec(ctx, "记录挂起状态失败", stmt,
		string(StatusSuspended), payload, suspension.LastError, string(xerrors.CodeUserFulfillmentRequired), time.Now().Unix(), id)
}

// RequestResume 实现 Store 接口。
func (s *SQLStore) RequestResume(ctx context.Context, id string, resp recovery.Response) error {
	const stmt = `UPDATE flow_runs SET status = ?, resume_response = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusPending), string(resp), time.Now().Unix(), id, string(StatusSuspended))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录恢复请求失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrRunConflict
	}
	return nil
}

// List 返回符合条件的运行。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Run, error) {
	opts.applyDefaults()

	query := `SELECT ` + runColumns + ` FROM flow_runs`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id ASC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	runs := make([]*Run, 0, opts.Limit)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行失败")
	}
	return runs, nil
}

// Stats 返回符合过滤条件的运行聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(AVG(score), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM flow_runs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusPending), string(StatusRunning), string(StatusSuspended),
		string(StatusSucceeded), string(StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Suspended,
		&stats.Succeeded,
		&stats.Failed,
		&stats.AverageScore,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, what, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, what)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                        Run
		status, resume           string
		lastError                sql.NullString
		plan, result, suspension sql.NullString
	)
	if err := row.Scan(
		&r.ID,
		&r.FlowID,
		&r.Benchmark,
		&status,
		&r.Attempts,
		&r.MaxRetries,
		&lastError,
		&r.ErrorCode,
		&resume,
		&plan,
		&result,
		&suspension,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Resume = recovery.Response(resume)
	r.LastError = lastError.String
	if err := unmarshalColumn(plan, &r.Plan); err != nil {
		return nil, fmt.Errorf("解析流程计划失败: %w", err)
	}
	if err := unmarshalColumn(result, &r.Result); err != nil {
		return nil, fmt.Errorf("解析评测结果失败: %w", err)
	}
	if err := unmarshalColumn(suspension, &r.Suspension); err != nil {
		return nil, fmt.Errorf("解析挂起信息失败: %w", err)
	}
	return &r, nil
}

func marshalColumn(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case *flow.FlowPlan:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *flow.TestResult:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	bytes, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalColumn[T any](raw sql.NullString, dst **T) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		*dst = nil
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.FlowID != "" {
		conditions = append(conditions, "flow_id = ?")
		args = append(args, opts.FlowID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "result_json IS NOT NULL")
		} else {
			conditions = append(conditions, "result_json IS NULL")
		}
	}
	if opts.Query != "" {
		pattern := "%" + strings.ToLower(opts.Query) + "%"
		conditions = append(conditions, "(LOWER(id) LIKE ? OR LOWER(flow_id) LIKE ? OR LOWER(COALESCE(last_error, '')) LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*SQLStore)(nil)
