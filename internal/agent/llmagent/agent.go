package llmagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/executor"
	"LedgerFlow/internal/flow"
	"LedgerFlow/pkg/logger"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// Agent 通过大模型为每个步骤生成账本操作。
type Agent struct {
	model       llms.Model
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Agent)

// WithTemperature 设置采样温度。
func WithTemperature(t float64) Option {
	return func(a *Agent) { a.temperature = t }
}

// WithMaxTokens 设置单次回复的最大 token 数。
func WithMaxTokens(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// New 创建大模型智能体。
func New(model llms.Model, opts ...Option) (*Agent, error) {
	if model == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型")
	}
	a := &Agent{model: model, temperature: 0.1, maxTokens: 1024, logger: logger.Named("llmagent")}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Propose 请求大模型给出当前步骤的动作，并解析其 JSON 回复。
func (a *Agent) Propose(ctx context.Context, req executor.Request) (*flow.AgentAction, error) {
	messages := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(buildUserPrompt(req))},
		},
	}

	resp, err := a.model.GenerateContent(ctx, messages,
		llms.WithTemperature(a.temperature),
		llms.WithMaxTokens(a.maxTokens),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, fmt.Sprintf("大模型推理失败: %v", err))
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeAgentFailure, "大模型响应中没有有效的 choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Content)
	action, err := parseAction(content)
	if err != nil {
		a.logger.Warn("无法解析大模型回复",
			slog.String("step_id", req.StepID),
			slog.String("content", truncate(content, 200)))
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, fmt.Sprintf("解析大模型回复失败: %v", err))
	}
	action.StepID = req.StepID
	for i := range action.Operations {
		action.Operations[i].StepID = req.StepID
	}
	return action, nil
}

type reply struct {
	Reasoning  string           `json:"reasoning"`
	Tools      []string         `json:"tools"`
	Operations []replyOperation `json:"operations"`
}

type replyOperation struct {
	ProgramID string             `json:"program_id"`
	Accounts  []flow.AccountMeta `json:"accounts"`
	Data      json.RawMessage    `json:"data"`
}

// parseAction 从回复中提取 JSON 对象，允许外层包裹 markdown 代码块或说明文字。
func parseAction(content string) (*flow.AgentAction, error) {
	if content == "" {
		return nil, fmt.Errorf("回复内容为空")
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("回复中没有 JSON 对象")
	}

	var decoded reply
	if err := json.Unmarshal([]byte(content[start:end+1]), &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Operations) == 0 {
		return nil, fmt.Errorf("回复中没有任何操作")
	}

	action := &flow.AgentAction{
		Tools:      decoded.Tools,
		Reasoning:  decoded.Reasoning,
		Operations: make([]flow.Operation, 0, len(decoded.Operations)),
	}
	for i, op := range decoded.Operations {
		if strings.TrimSpace(op.ProgramID) == "" {
			return nil, fmt.Errorf("第 %d 个操作缺少 program_id", i+1)
		}
		action.Operations = append(action.Operations, flow.Operation{
			ProgramID: op.ProgramID,
			Accounts:  op.Accounts,
			Data:      rawData(op.Data),
		})
	}
	return action, nil
}

// rawData 接受字符串或对象形式的 data 字段。
func rawData(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
