package run

import (
	"context"
)

// Handler 处理来自消息队列的运行 ID。
type Handler func(ctx context.Context, runID string) error

// Producer 负责向队列投递运行。
type Producer interface {
	Publish(ctx context.Context, runID string) error
	Close() error
}

// Consumer 负责从队列中消费运行。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Depther 由能够报告积压长度的队列实现。
type Depther interface {
	Depth(ctx context.Context) (int, error)
}
