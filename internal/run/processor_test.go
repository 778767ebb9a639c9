package run

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/recovery"
)

func startProcessor(t *testing.T, p *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestProcessorHandlesConcurrentRuns(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	handler := &fakeHandler{latency: 5 * time.Millisecond}
	sink := &memorySink{}
	instruments := &countingInstruments{}

	service := NewService(store, queue, 3)
	processor := NewProcessor(factoryFor(handler), store, queue, queue,
		WithWorkerCount(8),
		WithResultSink(sink),
		WithInstruments(instruments))
	stop := startProcessor(t, processor)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	total := 50
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		r, err := service.Submit(ctx, SubmitRequest{Plan: testPlan(fmt.Sprintf("flow-%d", i))})
		if err != nil {
			t.Fatalf("提交运行失败: %v", err)
		}
		ids = append(ids, r.ID)
	}

	for _, id := range ids {
		r, err := service.WaitUntilSettled(ctx, id, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("等待运行 %s 失败: %v", id, err)
		}
		if r.Status != StatusSucceeded {
			t.Fatalf("运行 %s 状态为 %s", id, r.Status)
		}
		if r.Result == nil || r.Result.Score != 1 {
			t.Fatalf("运行 %s 结果异常: %+v", id, r.Result)
		}
	}
	if got := sink.len(); got != total {
		t.Fatalf("expected %d persisted results, got %d", total, got)
	}
	if handler.applied.Load() != int32(2*total) {
		t.Fatalf("expected %d applied actions, got %d", 2*total, handler.applied.Load())
	}
	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != total || stats.AverageScore != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if instruments.started.Load() != int32(total) {
		t.Fatalf("expected %d started runs, got %d", total, instruments.started.Load())
	}
}

func TestProcessorSuspendAndResume(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	handler := &fakeHandler{}
	handler.broken.Store(true)
	alerts := &recordingAlerts{}

	service := NewService(store, queue, 3)
	processor := NewProcessor(factoryFor(handler), store, queue, queue, WithAlertDispatcher(alerts))
	stop := startProcessor(t, processor)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	submitted, err := service.Submit(ctx, SubmitRequest{ID: "run-1", Plan: testPlan("suspending")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r, err := service.WaitUntilSettled(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if r.Status != StatusSuspended {
		t.Fatalf("expected suspended run, got %s", r.Status)
	}
	if r.Suspension == nil || r.Suspension.StepID != "step_1" || len(r.Suspension.Questions) == 0 {
		t.Fatalf("unexpected suspension: %+v", r.Suspension)
	}
	if r.ErrorCode != string(xerrors.CodeUserFulfillmentRequired) {
		t.Fatalf("unexpected error code %s", r.ErrorCode)
	}
	if processor.Suspended() != 1 {
		t.Fatalf("expected one parked checkpoint, got %d", processor.Suspended())
	}
	events := alerts.snapshot()
	if len(events) != 1 || events[0].Code != xerrors.CodeUserFulfillmentRequired || events[0].StepID != "step_1" {
		t.Fatalf("unexpected alerts: %+v", events)
	}

	handler.broken.Store(false)
	if _, err := service.Resume(ctx, r.ID, recovery.ResponseRetry); err != nil {
		t.Fatalf("resume: %v", err)
	}
	r, err = service.WaitUntilSettled(ctx, r.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait after resume: %v", err)
	}
	if r.Status != StatusSucceeded {
		t.Fatalf("expected succeeded run after resume, got %s (%s)", r.Status, r.LastError)
	}
	if r.Result.Status != flow.FinalStatusSucceeded || r.Result.CompletionPercentage != 100 {
		t.Fatalf("unexpected result: %+v", r.Result)
	}
	if r.Attempts != 1 {
		t.Fatalf("resume must not consume a retry, attempts=%d", r.Attempts)
	}
	if processor.Suspended() != 0 {
		t.Fatalf("checkpoint should be consumed")
	}

	if _, err := service.Resume(ctx, r.ID, recovery.ResponseRetry); !IsRunError(err, CodeRunConflict) {
		t.Fatalf("expected conflict on second resume, got %v", err)
	}
}

func TestProcessorAbortOnResumeFailsRun(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	handler := &fakeHandler{}
	handler.broken.Store(true)

	service := NewService(store, queue, 3)
	processor := NewProcessor(factoryFor(handler), store, queue, queue)
	stop := startProcessor(t, processor)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := service.Submit(ctx, SubmitRequest{Plan: testPlan("aborting")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r, err = service.WaitUntilSettled(ctx, r.ID, 10*time.Millisecond); err != nil || r.Status != StatusSuspended {
		t.Fatalf("expected suspension, got %v / %v", r, err)
	}
	if _, err := service.Resume(ctx, r.ID, recovery.ResponseAbort); err != nil {
		t.Fatalf("resume: %v", err)
	}
	r, err = service.WaitUntilSettled(ctx, r.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if r.Status != StatusFailed {
		t.Fatalf("expected failed run, got %s", r.Status)
	}
	if r.ErrorCode != string(xerrors.CodeStepAborted) {
		t.Fatalf("unexpected error code %s", r.ErrorCode)
	}
	if r.Result == nil || !r.Result.Steps[1].Skipped {
		t.Fatalf("expected skipped remainder, got %+v", r.Result)
	}
}

func TestProcessorMissingCheckpoint(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	alerts := &recordingAlerts{}
	processor := NewProcessor(factoryFor(&fakeHandler{}), store, queue, queue, WithAlertDispatcher(alerts))
	ctx := context.Background()

	if err := store.Create(ctx, &Run{ID: "orphan", FlowID: "f", Plan: testPlan("f"), Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkSuspended(ctx, "orphan", Suspension{StepID: "step_1", LastError: "boom"}); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := store.RequestResume(ctx, "orphan", recovery.ResponseRetry); err != nil {
		t.Fatalf("request resume: %v", err)
	}
	if err := processor.handle(ctx, "orphan"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	r, err := store.Get(ctx, "orphan")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Status != StatusFailed || r.ErrorCode != string(CodeRunConflict) {
		t.Fatalf("unexpected run: %+v", r)
	}
	if events := alerts.snapshot(); len(events) != 1 || events[0].Metadata["stage"] != "terminal" {
		t.Fatalf("unexpected alerts: %+v", events)
	}
}

func TestSubmitRejectsInvalidPlan(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 3)
	_, err := service.Submit(context.Background(), SubmitRequest{Plan: &flow.FlowPlan{FlowID: "empty"}})
	if !xerrors.HasCode(err, CodeRunValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = service.Submit(context.Background(), SubmitRequest{})
	if !xerrors.HasCode(err, CodeRunValidation) {
		t.Fatalf("expected validation error for nil plan, got %v", err)
	}
}

func TestSubmitIsIdempotentByID(t *testing.T) {
	queue := NewMemoryQueue(4)
	service := NewService(NewMemoryStore(), queue, 3)
	ctx := context.Background()
	first, err := service.Submit(ctx, SubmitRequest{ID: "same", Plan: testPlan("f")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, SubmitRequest{ID: "same", Plan: testPlan("f")})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same run, got %s and %s", first.ID, second.ID)
	}
	if depth, _ := queue.Depth(ctx); depth != 1 {
		t.Fatalf("expected a single queued message, got %d", depth)
	}
}

func TestResumeRejectsUnknownResponse(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 3)
	_, err := service.Resume(context.Background(), "x", recovery.Response("later"))
	if !xerrors.HasCode(err, CodeRunValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
