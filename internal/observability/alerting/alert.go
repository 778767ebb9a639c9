package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/pkg/logger"

	"github.com/go-resty/resty/v2"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的运行事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	RunID      string            `json:"run_id"`
	FlowID     string            `json:"flow_id"`
	StepID     string            `json:"step_id,omitempty"`
	Questions  []string          `json:"questions,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Warn("alert",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("run_id", event.RunID),
		slog.String("flow_id", event.FlowID),
		slog.String("step_id", event.StepID),
		slog.String("message", event.Message))
	return nil
}

// WebhookNotifier 以 JSON 形式向 HTTP 端点推送告警。
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

// NewWebhook 创建 webhook 通知器，url 为空时返回 nil。
func NewWebhook(url string, timeout time.Duration, headers map[string]string) *WebhookNotifier {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	for k, v := range headers {
		client.SetHeader(k, v)
	}
	return &WebhookNotifier{client: client, url: url}
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送事件。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.client == nil {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("run_id", event.RunID))
		return nil
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(event).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("推送告警失败: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("告警端点返回状态 %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
