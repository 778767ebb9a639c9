package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	xerrors "LedgerFlow/internal/errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// fakeList 模拟单个 Redis list，下标 0 为左端。
type fakeList struct {
	mu      sync.Mutex
	items   []string
	pushErr error
	popErr  error
	closed  bool
}

func (f *fakeList) LPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		f.items = append([]string{fmt.Sprint(v)}, f.items...)
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeList) RPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.items = append(f.items, fmt.Sprint(v))
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeList) BRPop(ctx context.Context, _ time.Duration, keys ...string) *redis.StringSliceCmd {
	if err := ctx.Err(); err != nil {
		return redis.NewStringSliceResult(nil, err)
	}
	f.mu.Lock()
	if f.popErr != nil {
		f.mu.Unlock()
		return redis.NewStringSliceResult(nil, f.popErr)
	}
	if n := len(f.items); n > 0 {
		v := f.items[n-1]
		f.items = f.items[:n-1]
		f.mu.Unlock()
		return redis.NewStringSliceResult([]string{keys[0], v}, nil)
	}
	f.mu.Unlock()
	time.Sleep(time.Millisecond)
	return redis.NewStringSliceResult(nil, redis.Nil)
}

func (f *fakeList) LLen(context.Context, string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeList) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestNewRedisQueueWithClientDefaults(t *testing.T) {
	q := NewRedisQueueWithClient(&fakeList{}, "", 0)
	if q.queue != "ledgerflow:runs" || q.wait != 5*time.Second {
		t.Fatalf("unexpected defaults: queue=%q wait=%v", q.queue, q.wait)
	}
	q = NewRedisQueueWithClient(&fakeList{}, "custom", time.Second)
	if q.queue != "custom" || q.wait != time.Second {
		t.Fatalf("explicit settings ignored: queue=%q wait=%v", q.queue, q.wait)
	}
}

func TestRedisQueueDeliversInPublishOrder(t *testing.T) {
	list := &fakeList{}
	q := NewRedisQueueWithClient(list, "runs", 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("发布运行失败: %v", err)
		}
	}
	if depth, err := q.Depth(ctx); err != nil || depth != 3 {
		t.Fatalf("expected depth 3, got %d (%v)", depth, err)
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(_ context.Context, runID string) error {
			mu.Lock()
			seen = append(seen, runID)
			mu.Unlock()
			return nil
		})
	}()
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fmt.Sprint(seen) != "[run-1 run-2 run-3]" {
		t.Fatalf("unexpected delivery order: %v", seen)
	}
	if depth, _ := q.Depth(context.Background()); depth != 0 {
		t.Fatalf("expected empty list, got %d", depth)
	}
}

func TestRedisQueueRequeuesRunWhenHandlerFails(t *testing.T) {
	list := &fakeList{}
	q := NewRedisQueueWithClient(list, "runs", 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, "run-1"); err != nil {
		t.Fatalf("发布运行失败: %v", err)
	}
	if err := q.Publish(ctx, "run-2"); err != nil {
		t.Fatalf("发布运行失败: %v", err)
	}

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
		order    []string
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(_ context.Context, runID string) error {
			mu.Lock()
			defer mu.Unlock()
			attempts[runID]++
			order = append(order, runID)
			if runID == "run-1" && attempts[runID] == 1 {
				return errors.New("store unavailable")
			}
			return nil
		})
	}()
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts["run-1"] == 2 && attempts["run-2"] == 1
	})
	cancel()
	<-done

	if fmt.Sprint(order) != "[run-1 run-1 run-2]" {
		t.Fatalf("failed run should be retried before later runs, got %v", order)
	}
}

func TestRedisQueuePublishFailureCarriesQueueCode(t *testing.T) {
	q := NewRedisQueueWithClient(&fakeList{pushErr: errors.New("READONLY")}, "runs", time.Millisecond)
	err := q.Publish(context.Background(), "run-1")
	if !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("expected QUEUE_FAILURE, got %v", err)
	}
}

func TestRedisQueueConsumeStopsOnRedisError(t *testing.T) {
	q := NewRedisQueueWithClient(&fakeList{popErr: errors.New("LOADING")}, "runs", time.Millisecond)
	err := q.Consume(context.Background(), 2, func(context.Context, string) error {
		t.Error("handler must not run")
		return nil
	})
	if !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("expected QUEUE_FAILURE, got %v", err)
	}
}

func TestRedisQueueCloseClosesClient(t *testing.T) {
	list := &fakeList{}
	if err := NewRedisQueueWithClient(list, "", 0).Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !list.closed {
		t.Fatal("client was not closed")
	}
}

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

// fakeAcker 记录消息的确认结果。
type fakeAcker struct {
	mu      sync.Mutex
	settled []settlement
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, ack: true})
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) snapshot() []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.settled...)
}

type fakeChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	published  []amqp.Publishing
	messages   int
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name, Messages: c.messages}, nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func (c *fakeChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func consumeRabbit(t *testing.T, q *RabbitMQQueue, handler Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := q.Consume(ctx, 2, handler); !errors.Is(err, context.Canceled) {
			t.Errorf("consume exited: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestRabbitMQPublishMarksRunsPersistent(t *testing.T) {
	ch := newFakeChannel()
	q := NewRabbitMQQueueWithChannel(ch, RabbitMQConfig{})
	if q.queue != "ledgerflow.runs" {
		t.Fatalf("unexpected default queue %q", q.queue)
	}
	if err := q.Publish(context.Background(), "run-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := ch.published[0]
	if string(msg.Body) != "run-1" || msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing: %+v", msg)
	}
	if got := deliveryCount(amqp.Delivery{Headers: msg.Headers}); got != 1 {
		t.Fatalf("expected first delivery, got %d", got)
	}
}

func TestRabbitMQAcksHandledRunsAndRequeuesFailures(t *testing.T) {
	ch := newFakeChannel()
	acker := &fakeAcker{}
	q := NewRabbitMQQueueWithChannel(ch, RabbitMQConfig{Queue: "runs"})
	stop := consumeRabbit(t, q, func(_ context.Context, runID string) error {
		if runID == "bad" {
			return errors.New("store unavailable")
		}
		return nil
	})
	defer stop()

	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("good")}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("bad")}
	waitUntil(t, func() bool { return len(acker.snapshot()) == 2 })

	for _, s := range acker.snapshot() {
		switch s.tag {
		case 1:
			if !s.ack {
				t.Fatalf("handled run should be acked: %+v", s)
			}
		case 2:
			if s.ack || !s.requeue {
				t.Fatalf("failed run should be nacked back onto the queue: %+v", s)
			}
		}
	}
	if ch.publishedCount() != 0 {
		t.Fatal("unlimited redelivery must not republish")
	}
}

func TestRabbitMQRedeliveryLimit(t *testing.T) {
	ch := newFakeChannel()
	acker := &fakeAcker{}
	q := NewRabbitMQQueueWithChannel(ch, RabbitMQConfig{Queue: "runs", MaxRedeliveries: 2})
	stop := consumeRabbit(t, q, func(context.Context, string) error {
		return errors.New("store unavailable")
	})
	defer stop()

	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("run-1")}
	waitUntil(t, func() bool { return len(acker.snapshot()) == 1 })
	if s := acker.snapshot()[0]; !s.ack {
		t.Fatalf("republished run should ack the original delivery: %+v", s)
	}
	if ch.publishedCount() != 1 {
		t.Fatalf("expected one republish, got %d", ch.publishedCount())
	}
	ch.mu.Lock()
	next := ch.published[0]
	ch.mu.Unlock()
	if got := deliveryCount(amqp.Delivery{Headers: next.Headers}); got != 2 {
		t.Fatalf("expected delivery count 2, got %d", got)
	}

	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("run-1"),
		Headers: amqp.Table{deliveryHeader: int32(3)}}
	waitUntil(t, func() bool { return len(acker.snapshot()) == 2 })
	if s := acker.snapshot()[1]; s.ack || s.requeue {
		t.Fatalf("run past the limit should be dropped: %+v", s)
	}
	if ch.publishedCount() != 1 {
		t.Fatal("run past the limit must not be republished")
	}
}

func TestRabbitMQDepthAndClose(t *testing.T) {
	ch := newFakeChannel()
	ch.messages = 7
	q := NewRabbitMQQueueWithChannel(ch, RabbitMQConfig{})
	depth, err := q.Depth(context.Background())
	if err != nil || depth != 7 {
		t.Fatalf("expected depth 7, got %d (%v)", depth, err)
	}
	if err := q.Close(); err != nil || !ch.closed {
		t.Fatalf("close: %v closed=%v", err, ch.closed)
	}
}
