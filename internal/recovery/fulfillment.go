package recovery

import (
	"fmt"
	"strings"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
)

// Response 是用户对挂起步骤的答复。
type Response string

const (
	ResponseRetry Response = "retry"
	ResponseSkip  Response = "skip"
	ResponseAbort Response = "abort"
)

// ParseResponse 解析用户输入的答复文本。
func ParseResponse(input string) (Response, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "retry", "yes", "y":
		return ResponseRetry, nil
	case "skip", "continue":
		return ResponseSkip, nil
	case "abort", "cancel", "no", "n":
		return ResponseAbort, nil
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无法识别的答复: %q", input))
}

// Questions 为挂起的步骤生成需要用户回答的问题。
func Questions(step flow.FlowStep, lastErr error) []string {
	questions := []string{
		fmt.Sprintf("Step %q failed with: %s. Fix the cause and retry?", step.StepID, flow.ErrorText(lastErr)),
	}
	switch Classify(lastErr) {
	case ClassPermanent:
		questions = append(questions, "This error will not clear on its own. Can the wallet, signer or inputs be corrected first?")
	case ClassTransient:
		questions = append(questions, "This looks like a temporary ledger or network problem. Retry once the service has recovered?")
	}
	switch StepKind(step) {
	case "swap":
		questions = append(questions,
			"Should the swap use a different DEX?",
			"Should the swap amount be reduced?")
	case "lend", "deposit", "borrow", "withdraw":
		questions = append(questions, "Should a different lending protocol be used?")
	case "transfer":
		questions = append(questions, "Is the recipient address correct and funded for this asset?")
	}
	if step.Critical {
		questions = append(questions, "Abort the flow instead?")
	} else {
		questions = append(questions, "Skip this step and continue the flow?")
	}
	return questions
}
