package run

import (
	"context"
	"log/slog"
	"sync"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/pkg/logger"
)

// MemoryQueue 基于带缓冲 channel 的进程内运行队列。
type MemoryQueue struct {
	mu     sync.RWMutex
	runs   chan string
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{runs: make(chan string, size)}
}

// Publish 投递运行 ID，队列满时阻塞直到有空位或 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, runID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "运行队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.runs <- runID:
		return nil
	}
}

// Consume 启动 workerCount 个协程处理运行，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	log := logger.Named("run.queue")
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case runID, ok := <-q.runs:
					if !ok {
						return
					}
					if err := handler(ctx, runID); err != nil {
						log.Warn("运行处理失败",
							slog.String(logger.KeyRunID, runID),
							slog.Int("worker", worker),
							slog.Any("error", err))
					}
				}
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// Depth 返回待消费的运行数量。
func (q *MemoryQueue) Depth(context.Context) (int, error) {
	return len(q.runs), nil
}

// Close 关闭队列，已入队的运行仍会被消费。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.runs)
	}
	return nil
}
