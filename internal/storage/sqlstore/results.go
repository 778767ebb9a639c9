package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
)

// ResultRepository 将评测结果写入 test_results 表。
type ResultRepository struct {
	db *DB
}

// NewResultRepository 基于已迁移的连接池创建结果仓库。
func NewResultRepository(db *DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// Save 写入结果，同一 execution_id 重复写入时覆盖旧值。
func (r *ResultRepository) Save(ctx context.Context, result *flow.TestResult) error {
	if result == nil || result.ExecutionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "评测结果缺少 execution_id")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化评测结果失败")
	}

	stmt := `INSERT INTO test_results
        (execution_id, flow_id, status, score, completion, started_at, finished_at, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	switch r.db.Dialect {
	case DialectMySQL:
		stmt += ` ON DUPLICATE KEY UPDATE status = VALUES(status), score = VALUES(score),
        completion = VALUES(completion), finished_at = VALUES(finished_at), payload = VALUES(payload)`
	case DialectSQLite:
		stmt += ` ON CONFLICT(execution_id) DO UPDATE SET status = excluded.status, score = excluded.score,
        completion = excluded.completion, finished_at = excluded.finished_at, payload = excluded.payload`
	}

	if _, err := r.db.ExecContext(ctx, stmt,
		result.ExecutionID,
		result.FlowID,
		string(result.Status),
		result.Score,
		result.CompletionPercentage,
		result.StartedAt.UnixMilli(),
		result.FinishedAt.UnixMilli(),
		string(payload),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入评测结果 %s 失败", result.ExecutionID))
	}
	return nil
}

// Get 按 execution_id 读取结果。
func (r *ResultRepository) Get(ctx context.Context, executionID string) (*flow.TestResult, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM test_results WHERE execution_id = ?`, executionID).Scan(&payload)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("评测结果 %s 不存在", executionID))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询评测结果失败")
	}
	return decodeResult(payload)
}

// ListLatest 按完成时间倒序返回最近的结果。
func (r *ResultRepository) ListLatest(ctx context.Context, limit int) ([]*flow.TestResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM test_results ORDER BY finished_at DESC, execution_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询评测结果失败")
	}
	defer rows.Close()

	results := make([]*flow.TestResult, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析评测结果失败")
		}
		result, err := decodeResult(payload)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历评测结果失败")
	}
	return results, nil
}

// Close 关闭底层数据库连接。
func (r *ResultRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func decodeResult(payload string) (*flow.TestResult, error) {
	var result flow.TestResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化评测结果失败")
	}
	return &result, nil
}
