package llmagent

import (
	"context"
	"errors"
	"strings"
	"testing"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/executor"
	"LedgerFlow/internal/flow"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

type fakeModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func humanText(t *testing.T, messages []llms.MessageContent) string {
	t.Helper()
	for _, m := range messages {
		if m.Role != schema.ChatMessageTypeHuman {
			continue
		}
		for _, p := range m.Parts {
			if text, ok := p.(llms.TextContent); ok {
				return text.Text
			}
		}
	}
	t.Fatalf("no human message")
	return ""
}

func TestProposeParsesFencedJSON(t *testing.T) {
	model := &fakeModel{reply: "```json\n" + `{"reasoning":"swap first","tools":["swap"],"operations":[{"program_id":"swap","accounts":[{"pubkey":"OWNER","is_signer":true,"is_writable":true}],"data":{"asset_in":"native","asset_out":"USDC","amount_in":"1000"}}]}` + "\n```"}
	agent, err := New(model)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	action, err := agent.Propose(context.Background(), executor.Request{
		FlowID:     "f",
		StepID:     "swap",
		Prompt:     "swap 1 SOL",
		Attempt:    2,
		PriorError: "slippage exceeded",
		Wallet:     flow.WalletContext{Owner: "OWNER", NativeSymbol: "SOL", NativeBalance: "1000000000", NativeDecimals: 9},
		Scratch:    map[string]any{"received": "42", "placeholder.OWNER": "OWNER"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.StepID != "swap" || len(action.Operations) != 1 {
		t.Fatalf("unexpected action %+v", action)
	}
	op := action.Operations[0]
	if op.StepID != "swap" || op.ProgramID != "swap" || !op.Accounts[0].IsSigner {
		t.Fatalf("unexpected operation %+v", op)
	}
	if !strings.Contains(op.Data, `"amount_in":"1000"`) {
		t.Fatalf("object data should be kept as JSON, got %s", op.Data)
	}

	prompt := humanText(t, model.messages)
	for _, want := range []string{"swap 1 SOL", "slippage exceeded", "received = 42", "SOL: 1.000000000"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "placeholder.OWNER") {
		t.Fatalf("resolver cache entries should not reach the prompt")
	}
}

func TestProposeRejectsEmptyOperations(t *testing.T) {
	agent, _ := New(&fakeModel{reply: `{"reasoning":"nothing to do","operations":[]}`})
	_, err := agent.Propose(context.Background(), executor.Request{StepID: "s"})
	if !xerrors.HasCode(err, xerrors.CodeAgentFailure) {
		t.Fatalf("expected agent failure, got %v", err)
	}
}

func TestProposeWrapsModelError(t *testing.T) {
	agent, _ := New(&fakeModel{err: errors.New("429 too many requests")})
	_, err := agent.Propose(context.Background(), executor.Request{StepID: "s"})
	if !xerrors.HasCode(err, xerrors.CodeAgentFailure) {
		t.Fatalf("expected agent failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "too many requests") {
		t.Fatalf("model error should be preserved: %v", err)
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
