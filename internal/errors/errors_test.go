package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("insufficient funds")
	err := fmt.Errorf("apply: %w", Wrap(CodeHandlerFailure, cause, "提交交易失败"))

	if got := CodeOf(err); got != CodeHandlerFailure {
		t.Fatalf("unexpected code: %s", got)
	}
	if !HasCode(err, CodeHandlerFailure) {
		t.Fatalf("expected HasCode to match handler failure")
	}
	if HasCode(err, CodeTimeout) {
		t.Fatalf("did not expect timeout code")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to remain reachable")
	}
	if !RetryableError(err) {
		t.Fatalf("handler failures should be retryable by default")
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeHandlerFailure, "", WithRetryable(false), WithSeverity(SeverityCritical), WithMetadata("step_id", "swap"))
	if err.Retryable() {
		t.Fatalf("expected override to disable retry")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
	if err.Message() != "ledger execution failed" {
		t.Fatalf("expected registry message, got %q", err.Message())
	}
	if err.Metadata()["step_id"] != "swap" {
		t.Fatalf("metadata missing")
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf(Code("NOPE"))
	if attr.Severity != SeverityCritical {
		t.Fatalf("expected unknown attributes, got %+v", attr)
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
}
