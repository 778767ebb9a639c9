package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/pkg/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Queue     string        `mapstructure:"queue"`
	BlockWait time.Duration `mapstructure:"block_wait"`
}

const (
	defaultRedisQueue = "ledgerflow:runs"
	defaultBlockWait  = 5 * time.Second
)

// ListClient 是队列用到的 Redis list 命令子集，*redis.Client 满足该接口。
type ListClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// RedisQueue 使用 Redis list 实现运行队列：LPUSH 入队，BRPOP 出队，
// 处理失败的运行以 RPUSH 放回队首，下一次 BRPOP 立即取到。
type RedisQueue struct {
	client ListClient
	queue  string
	wait   time.Duration
	log    *slog.Logger
}

// NewRedisQueue 连接 Redis 并创建队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 使用已有客户端构造队列，queue 与 wait 为空时取默认值。
func NewRedisQueueWithClient(client ListClient, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = defaultRedisQueue
	}
	if wait <= 0 {
		wait = defaultBlockWait
	}
	return &RedisQueue{client: client, queue: queue, wait: wait, log: logger.Named("run.queue.redis")}
}

// Publish 将运行投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, runID string) error {
	if err := q.client.LPush(ctx, q.queue, runID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布运行失败")
	}
	return nil
}

// Consume 启动 workerCount 个协程通过 BRPOP 取运行，直到 ctx 结束或
// 任一协程遇到不可恢复的 Redis 错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		worker := i
		g.Go(func() error { return q.work(gctx, worker, handler) })
	}
	return g.Wait()
}

func (q *RedisQueue) work(ctx context.Context, worker int, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, redis.ErrClosed) {
				return err
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取运行失败")
		case len(values) != 2:
			continue
		}

		runID := values[1]
		handlerErr := handler(ctx, runID)
		if handlerErr == nil {
			continue
		}
		q.log.Warn("运行处理失败，重新入队",
			slog.String(logger.KeyRunID, runID),
			slog.Int("worker", worker),
			slog.Any("error", handlerErr))
		if err := q.client.RPush(context.WithoutCancel(ctx), q.queue, runID).Err(); err != nil {
			q.log.Error("运行重新入队失败",
				slog.String(logger.KeyRunID, runID),
				slog.Any("error", err))
		}
	}
}

// Depth 返回 list 长度。
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.queue).Result()
	if err != nil {
		return 0, fmt.Errorf("读取 Redis 队列长度失败: %w", err)
	}
	return int(n), nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
