package recovery

import (
	"strings"

	"LedgerFlow/internal/flow"
)

// ErrorClass 是对失败原因的粗分类。
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassUnknown   ErrorClass = "unknown"
)

// 永久性错误需要外部介入（补充资金、授权等）才能恢复。
var permanentFragments = []string{
	"insufficient funds",
	"insufficient balance",
	"invalid signature",
	"account not found",
	"invalid instruction",
	"custom program error",
	"permission denied",
	"authentication failed",
}

var transientFragments = []string{
	"timeout",
	"timed out",
	"network error",
	"connection refused",
	"connection reset",
	"rate limit",
	"too many requests",
	"temporary failure",
	"service unavailable",
	"nonce too low",
	"replacement transaction underpriced",
	"blockhash not found",
}

// Classify 按错误文本判断失败是暂时性还是永久性。
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	text := strings.ToLower(flow.ErrorText(err))
	for _, f := range permanentFragments {
		if strings.Contains(text, f) {
			return ClassPermanent
		}
	}
	for _, f := range transientFragments {
		if strings.Contains(text, f) {
			return ClassTransient
		}
	}
	return ClassUnknown
}
