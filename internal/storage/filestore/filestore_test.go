package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"LedgerFlow/internal/flow"
)

func TestRepositoryPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := New(dir)
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := repo.Save(ctx, &flow.TestResult{ExecutionID: id, FlowID: "f", Score: 1}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	latest, err := repo.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(latest) != 2 || latest[0].ExecutionID != "c" || latest[1].ExecutionID != "b" {
		t.Fatalf("unexpected order: %+v", latest)
	}

	// 损坏的行会被跳过
	f, err := os.OpenFile(filepath.Join(dir, "results.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("{not json\n")
	_ = f.Close()

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all, err := reopened.ListLatest(ctx, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ExecutionID != "c" || all[2].ExecutionID != "a" {
		t.Fatalf("unexpected restored records: %+v", all)
	}
}

func TestRepositoryRejectsNil(t *testing.T) {
	repo, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := repo.Save(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil result")
	}
}
