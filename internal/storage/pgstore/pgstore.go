// Package pgstore 使用 PostgreSQL 保存评测结果。
package pgstore

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"LedgerFlow/deploy/migrations"
	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/storage/sqlstore"
)

// 迁移期间持有的 advisory lock。
const migrationLockID int64 = 0x4c4544474552464c

// Config 描述连接池参数。
type Config struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Repository 将评测结果写入 test_results 表，payload 以 JSONB 存储。
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPool 创建连接池并验证连通性。
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "PostgreSQL URL 不能为空")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 PostgreSQL URL 失败")
	}
	poolCfg.MaxConns = 5
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 PostgreSQL 连接池失败")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 PostgreSQL")
	}
	return pool, nil
}

// Open 建立连接池、执行迁移并返回仓库。
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Repository, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := New(pool, logger)
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// New 使用已有连接池创建仓库。
func New(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{pool: pool, logger: logger}
}

// Migrate 在 advisory lock 保护下执行尚未应用的迁移。
func (r *Repository) Migrate(ctx context.Context) error {
	files, err := migrations.For("postgres")
	if err != nil {
		return err
	}
	pending, err := sqlstore.LoadMigrationFiles(files)
	if err != nil {
		return err
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取迁移连接失败")
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取迁移锁失败")
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			r.logger.Error("释放迁移锁失败", slog.Any("error", err))
		}
	}()

	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	for _, m := range pending {
		var exists bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&exists); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询迁移版本失败")
		}
		if exists {
			continue
		}
		if err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			for _, stmt := range m.Statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("执行迁移 %s 失败: %w", m.Name, err)
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version)
			return err
		}); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "应用迁移失败")
		}
		r.logger.Info("migration applied", slog.String("version", m.Version), slog.String("name", m.Name))
	}
	return nil
}

// Save 写入结果，同一 execution_id 重复写入时覆盖旧值。
func (r *Repository) Save(ctx context.Context, result *flow.TestResult) error {
	if result == nil || result.ExecutionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "评测结果缺少 execution_id")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化评测结果失败")
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO test_results
        (execution_id, flow_id, status, score, completion, started_at, finished_at, payload)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (execution_id) DO UPDATE SET status = EXCLUDED.status, score = EXCLUDED.score,
        completion = EXCLUDED.completion, finished_at = EXCLUDED.finished_at, payload = EXCLUDED.payload`,
		result.ExecutionID,
		result.FlowID,
		string(result.Status),
		result.Score,
		result.CompletionPercentage,
		result.StartedAt,
		result.FinishedAt,
		payload,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入评测结果 %s 失败", result.ExecutionID))
	}
	return nil
}

// Get 按 execution_id 读取结果。
func (r *Repository) Get(ctx context.Context, executionID string) (*flow.TestResult, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx, `SELECT payload FROM test_results WHERE execution_id = $1`, executionID).Scan(&payload)
	if err != nil {
		if stdErrors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("评测结果 %s 不存在", executionID))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询评测结果失败")
	}
	return decode(payload)
}

// ListLatest 按完成时间倒序返回最近的结果。
func (r *Repository) ListLatest(ctx context.Context, limit int) ([]*flow.TestResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT payload FROM test_results ORDER BY finished_at DESC, execution_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询评测结果失败")
	}
	payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历评测结果失败")
	}
	results := make([]*flow.TestResult, 0, len(payloads))
	for _, payload := range payloads {
		result, err := decode(payload)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Close 关闭连接池。
func (r *Repository) Close() error {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
	return nil
}

func decode(payload []byte) (*flow.TestResult, error) {
	var result flow.TestResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化评测结果失败")
	}
	return &result, nil
}
