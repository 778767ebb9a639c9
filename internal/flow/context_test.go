package flow

import (
	"testing"

	xerrors "LedgerFlow/internal/errors"
)

func TestExecutionContextRecordsInOrder(t *testing.T) {
	ctx := NewExecutionContext(3)
	for _, r := range []StepResult{
		{StepID: "swap", Success: true},
		{StepID: "lend", Success: false},
		{StepID: "transfer", Success: true},
	} {
		if err := ctx.Record(r); err != nil {
			t.Fatalf("record %s: %v", r.StepID, err)
		}
	}

	results := ctx.Results()
	if len(results) != 3 || results[0].StepID != "swap" || results[2].StepID != "transfer" {
		t.Fatalf("unexpected order: %+v", results)
	}
	if ctx.CompletedSteps() != 2 {
		t.Fatalf("expected 2 completed steps, got %d", ctx.CompletedSteps())
	}
	pct := ctx.CompletionPercentage()
	if pct < 66.66 || pct > 66.67 {
		t.Fatalf("unexpected completion %f", pct)
	}
}

func TestExecutionContextRejectsDuplicateStep(t *testing.T) {
	ctx := NewExecutionContext(1)
	if err := ctx.Record(StepResult{StepID: "swap", Success: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := ctx.Record(StepResult{StepID: "swap", Success: false})
	if !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ctx.CompletedSteps() != 1 {
		t.Fatalf("completed count must not change on rejected record")
	}
}

func TestScratchSnapshotIsCopy(t *testing.T) {
	ctx := NewExecutionContext(1)
	ctx.SetScratch("amount_out", "42")
	snap := ctx.ScratchSnapshot()
	snap["amount_out"] = "tampered"
	if v, _ := ctx.Scratch("amount_out"); v != "42" {
		t.Fatalf("scratch mutated through snapshot: %v", v)
	}
}
