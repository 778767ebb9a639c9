package flow

import (
	"context"
	stdErrors "errors"
	"fmt"

	xerrors "LedgerFlow/internal/errors"
)

// ResolutionError 表示占位符无法解析，对步骤是致命错误且不可重试。
func ResolutionError(name string, cause error) error {
	return xerrors.Wrap(xerrors.CodeUnresolvedPlaceholder, cause,
		fmt.Sprintf("无法解析占位符 %s", name),
		xerrors.WithMetadata("placeholder", name))
}

// AgentError 表示智能体未能给出动作，可重试。
func AgentError(cause error) error {
	if xerrors.HasCode(cause, xerrors.CodeAgentFailure) {
		return cause
	}
	msg := "智能体未返回可执行动作"
	if cause != nil {
		msg = cause.Error()
	}
	return xerrors.Wrap(xerrors.CodeAgentFailure, cause, msg)
}

// HandlerError 表示账本侧执行失败，可重试，消息原样转交给智能体。
func HandlerError(message string, cause error) error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	if message == "" {
		message = "账本执行失败"
	}
	return xerrors.Wrap(xerrors.CodeHandlerFailure, cause, message)
}

// TimeoutError 表示运行或步骤超过截止时间，不再重试。
func TimeoutError(cause error) error {
	return xerrors.Wrap(xerrors.CodeTimeout, cause, "运行超过截止时间")
}

// ContextError 将 context 结束原因映射为统一错误。
func ContextError(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return TimeoutError(err)
	}
	return xerrors.Wrap(xerrors.CodeStepAborted, err, "运行已取消")
}

// IsFatal 判断错误是否绕过本地恢复直接上报运行结果。
func IsFatal(err error) bool {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeUnresolvedPlaceholder, xerrors.CodeTimeout, xerrors.CodeStepAborted:
		return true
	}
	return stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled)
}

// ErrorText 返回交给智能体的错误文本：统一错误取其原始消息，其它错误取 Error()。
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}
