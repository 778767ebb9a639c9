package run

import (
	"context"
	"io"
	"log/slog"
	"sync"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
//
// MaxRedeliveries 为 0 时处理失败的消息原样 Nack 回队列；大于 0 时消息带着
// 递增的投递次数头重新发布，超过上限后 Nack 且不再入队，交给死信交换机。
type RabbitMQConfig struct {
	URL             string `mapstructure:"url"`
	Queue           string `mapstructure:"queue"`
	Prefetch        int    `mapstructure:"prefetch"`
	Durable         bool   `mapstructure:"durable"`
	AutoDelete      bool   `mapstructure:"auto_delete"`
	MaxRedeliveries int    `mapstructure:"max_redeliveries"`
}

// deliveryHeader 记录运行已被投递的次数。
const deliveryHeader = "x-ledgerflow-deliveries"

// AMQPChannel 是队列用到的 channel 操作子集，*amqp.Channel 满足该接口。
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Close() error
}

// RabbitMQQueue 使用 RabbitMQ 实现运行队列。
type RabbitMQQueue struct {
	conn            io.Closer
	ch              AMQPChannel
	queue           string
	maxRedeliveries int
	log             *slog.Logger
}

// NewRabbitMQQueue 连接 RabbitMQ、声明队列并创建队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := declareRunQueue(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	q := NewRabbitMQQueueWithChannel(ch, cfg)
	q.conn = conn
	return q, nil
}

func declareRunQueue(conn *amqp.Connection, cfg RabbitMQConfig) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queueName(cfg), cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return ch, nil
}

func queueName(cfg RabbitMQConfig) string {
	if cfg.Queue == "" {
		return "ledgerflow.runs"
	}
	return cfg.Queue
}

// NewRabbitMQQueueWithChannel 使用已声明好队列的 channel 构造队列。
func NewRabbitMQQueueWithChannel(ch AMQPChannel, cfg RabbitMQConfig) *RabbitMQQueue {
	maxRedeliveries := cfg.MaxRedeliveries
	if maxRedeliveries < 0 {
		maxRedeliveries = 0
	}
	return &RabbitMQQueue{
		ch:              ch,
		queue:           queueName(cfg),
		maxRedeliveries: maxRedeliveries,
		log:             logger.Named("run.queue.rabbitmq"),
	}
}

// Publish 以持久化消息投递运行。
func (q *RabbitMQQueue) Publish(ctx context.Context, runID string) error {
	return q.publish(ctx, runID, 1)
}

func (q *RabbitMQQueue) publish(ctx context.Context, runID string, delivery int) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{deliveryHeader: int64(delivery)},
		Body:         []byte(runID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布运行失败")
	}
	return nil
}

// Consume 以手动确认模式消费队列，直到 ctx 结束或投递 channel 关闭。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.settle(ctx, msg, handler(ctx, string(msg.Body)))
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// settle 根据处理结果确认、重新发布或丢弃消息。
func (q *RabbitMQQueue) settle(ctx context.Context, msg amqp.Delivery, handlerErr error) {
	runID := string(msg.Body)
	if handlerErr == nil {
		if err := msg.Ack(false); err != nil {
			q.log.Warn("确认 RabbitMQ 消息失败", slog.String(logger.KeyRunID, runID), slog.Any("error", err))
		}
		return
	}

	delivery := deliveryCount(msg)
	log := q.log.With(slog.String(logger.KeyRunID, runID), slog.Int("delivery", delivery))
	log.Warn("运行处理失败", slog.Any("error", handlerErr))

	if q.maxRedeliveries == 0 {
		_ = msg.Nack(false, true)
		return
	}
	if delivery > q.maxRedeliveries {
		log.Error("超过最大投递次数，放弃运行")
		_ = msg.Nack(false, false)
		return
	}
	if err := q.publish(context.WithoutCancel(ctx), runID, delivery+1); err != nil {
		log.Error("重新发布运行失败", slog.Any("error", err))
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

// deliveryCount 读取消息头中的投递次数，缺失时视为首次投递。
func deliveryCount(msg amqp.Delivery) int {
	switch v := msg.Headers[deliveryHeader].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	}
	return 1
}

// Depth 返回队列中待投递的消息数。
func (q *RabbitMQQueue) Depth(context.Context) (int, error) {
	state, err := q.ch.QueueDeclarePassive(q.queue, false, false, false, false, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取 RabbitMQ 队列长度失败")
	}
	return state.Messages, nil
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
