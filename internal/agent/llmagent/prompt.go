package llmagent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"LedgerFlow/internal/executor"
	"LedgerFlow/internal/flow"
)

const systemPrompt = "" +
	"You are a ledger agent executing one step of a multi-step plan. " +
	"Respond with a single compact JSON object and nothing else: " +
	"{\"reasoning\": string, \"tools\": [string], \"operations\": [{\"program_id\": string, " +
	"\"accounts\": [{\"pubkey\": string, \"is_signer\": bool, \"is_writable\": bool}], \"data\": object}]}. " +
	"Programs: \"system\" moves the native asset with data {\"amount\"}; " +
	"\"token\" moves a token with data {\"asset\", \"amount\"}; " +
	"\"swap\" exchanges assets with data {\"asset_in\", \"asset_out\", \"amount_in\", \"min_out\"}. " +
	"Amounts are integer strings in base units. The first account is always the signing wallet."

func buildUserPrompt(req executor.Request) string {
	var builder strings.Builder
	builder.WriteString("## 当前步骤\n")
	builder.WriteString(fmt.Sprintf("流程: %s | 步骤: %s | 第 %d 次尝试\n", req.FlowID, req.StepID, req.Attempt))
	if req.Alternative != "" {
		builder.WriteString(fmt.Sprintf("替代流程: %s\n", req.Alternative))
	}
	builder.WriteString(fmt.Sprintf("目标: %s\n", strings.TrimSpace(req.Prompt)))
	if c := strings.TrimSpace(req.Context); c != "" {
		builder.WriteString(fmt.Sprintf("背景: %s\n", c))
	}
	if len(req.ExpectedTools) > 0 {
		builder.WriteString(fmt.Sprintf("建议工具: %s\n", strings.Join(req.ExpectedTools, ", ")))
	}

	builder.WriteString("\n## 钱包\n")
	builder.WriteString(walletSummary(req.Wallet))

	if len(req.Scratch) > 0 {
		builder.WriteString("\n## 前序步骤输出\n")
		keys := make([]string, 0, len(req.Scratch))
		for k := range req.Scratch {
			if strings.HasPrefix(k, "placeholder.") {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			builder.WriteString(fmt.Sprintf("%s = %v\n", k, req.Scratch[k]))
		}
	}

	if req.PriorError != "" {
		builder.WriteString("\n## 上一次尝试失败\n")
		builder.WriteString(truncate(req.PriorError, 400))
		builder.WriteString("\n请根据错误调整操作。\n")
	}
	return builder.String()
}

func walletSummary(w flow.WalletContext) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("owner: %s\n", w.Owner))
	if native, err := flow.FormatAmount(w.NativeBalance, w.NativeDecimals); err == nil {
		builder.WriteString(fmt.Sprintf("%s: %s (raw %s, decimals %d)\n", w.NativeSymbol, native, w.NativeBalance, w.NativeDecimals))
	}
	for _, asset := range w.Assets {
		builder.WriteString(fmt.Sprintf("%s [%s]: raw %s, decimals %d\n", asset.Symbol, asset.AssetID, asset.Balance, asset.Decimals))
	}
	if len(w.Placeholders) > 0 {
		encoded, _ := json.Marshal(w.Placeholders)
		builder.WriteString(fmt.Sprintf("resolved names: %s\n", encoded))
	}
	return builder.String()
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return text
}
