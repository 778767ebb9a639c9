package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"LedgerFlow/internal/agent"
	"LedgerFlow/internal/auth"
	"LedgerFlow/internal/executor"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/ledger/sim"
	"LedgerFlow/internal/observability/metrics"
	"LedgerFlow/internal/recovery"
	"LedgerFlow/internal/run"
	"LedgerFlow/pkg/logger"

	"gopkg.in/yaml.v3"
)

const transferPlan = `
flow_id: simple-transfer
prompt: send 1 SOL to my friend
subject_wallet_info:
  owner: USER_WALLET_PUBKEY
  native_symbol: SOL
  native_balance: "5000000000"
key_map:
  RECIPIENT_WALLET_PUBKEY: FRIEND
steps:
  - step_id: transfer
    prompt: "send 1 SOL to {RECIPIENT_WALLET_PUBKEY}"
    expected_tools: [native_transfer]
ground_truth:
  expected_instructions:
    - step_id: transfer
      program_id: system
      accounts:
        - {pubkey: USER_WALLET_PUBKEY, is_signer: true, is_writable: true}
        - {pubkey: RECIPIENT_WALLET_PUBKEY, is_signer: false, is_writable: true}
      data: '{"amount":"1000000000"}'
`

type staticResults struct {
	results []*flow.TestResult
}

func (s staticResults) ListLatest(_ context.Context, limit int) ([]*flow.TestResult, error) {
	if limit < len(s.results) {
		return s.results[:limit], nil
	}
	return s.results, nil
}

func newTestRouter(t *testing.T, results ResultLister) (http.Handler, *run.Service, *metrics.Recorder) {
	t.Helper()
	store := run.NewMemoryStore()
	svc := run.NewService(store, run.NewMemoryQueue(16), 3)
	rec := metrics.New()
	return NewRouter(Deps{Runs: svc, Results: results, Metrics: rec, Logger: logger.Discard()}), svc, rec
}

func submitJSON(t *testing.T, h http.Handler, id string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]any{"id": id, "plan": planAsJSON(t)})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func planAsJSON(t *testing.T) json.RawMessage {
	t.Helper()
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(transferPlan), &doc); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	return raw
}

func TestHealthz(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatal("expected request id header")
	}
}

func TestSubmitYAMLAndGet(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/runs?id=run-yaml", strings.NewReader(transferPlan))
	req.Header.Set("Content-Type", "application/yaml")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var created run.Run
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "run-yaml" || created.FlowID != "simple-transfer" || created.Status != run.StatusPending {
		t.Fatalf("unexpected run: %+v", created)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-yaml", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestSubmitRejectsInvalidPlan(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"plan": {"flow_id": "x"}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"].Code == "" {
		t.Fatalf("expected error code, got %+v", body)
	}
}

func TestSubmitRequiresPlan(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"id":"x"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestGetUnknownRun(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestListRunsFiltersAndValidatesQuery(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)
	for _, id := range []string{"run-a", "run-b"} {
		if rec := submitJSON(t, h, id); rec.Code != http.StatusAccepted {
			t.Fatalf("submit %s: %d %s", id, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?status=pending&flow_id=simple-transfer&limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp listRunsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Runs) != 1 || resp.Stats.Pending != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Runs[0].Plan != nil {
		t.Fatal("list responses should omit plans")
	}

	for _, query := range []string{"status=bogus", "limit=-1", "order=sideways", "since=yesterday", "has_result=maybe"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?"+query, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("query %q: unexpected status %d", query, rec.Code)
		}
	}
}

func TestResumeValidation(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)
	if rec := submitJSON(t, h, "run-resume"); rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/run-resume/resume", strings.NewReader(`{"response":"maybe"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown response should be rejected, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/run-resume/resume", strings.NewReader(`{"response":"retry"}`)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("resuming a pending run should conflict, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestListResults(t *testing.T) {
	results := staticResults{results: []*flow.TestResult{
		{ExecutionID: "exec-2", FlowID: "f"},
		{ExecutionID: "exec-1", FlowID: "f"},
	}}
	h, _, _ := newTestRouter(t, results)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/results?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var got []*flow.TestResult
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ExecutionID != "exec-2" {
		t.Fatalf("unexpected results: %+v", got)
	}
}

func TestMetricsEndpointUsesRoutePatterns(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/runs/abc", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `/runs/{id}`) {
		t.Fatalf("expected route pattern label in metrics:\n%s", body)
	}
	if strings.Contains(body, `/runs/abc`) {
		t.Fatal("raw path leaked into metric labels")
	}
}

func TestSubmittedRunIsProcessed(t *testing.T) {
	store := run.NewMemoryStore()
	queue := run.NewMemoryQueue(16)
	svc := run.NewService(store, queue, 3)
	h := NewRouter(Deps{Runs: svc, Logger: logger.Discard()})

	factory := func(plan *flow.FlowPlan, benchmark bool) (*executor.Executor, error) {
		ledger, err := sim.New(plan.Wallet)
		if err != nil {
			return nil, err
		}
		cfg := recovery.DefaultConfig()
		cfg.MaxRecoveryTimeMS = 0
		engine, err := recovery.NewEngine(cfg)
		if err != nil {
			return nil, err
		}
		return executor.New(agent.Guarded(agent.NewScripted(plan), agent.WithTimeout(time.Second)), ledger, engine,
			executor.WithBenchmarkMode(benchmark))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processor := run.NewProcessor(factory, store, queue, queue, run.WithWorkerCount(2))
	go func() { _ = processor.Start(ctx) }()

	if rec := submitJSON(t, h, "run-e2e"); rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	settled, err := svc.WaitUntilSettled(waitCtx, "run-e2e", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if settled.Status != run.StatusSucceeded {
		t.Fatalf("unexpected status: %s (%s)", settled.Status, settled.LastError)
	}
	if settled.Result == nil || settled.Result.Score < 0.99 {
		t.Fatalf("unexpected result: %+v", settled.Result)
	}
}

func TestRoutesRequireTokensWhenAuthEnabled(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{Mode: auth.ModeJWT, Secret: "router-test-secret-123"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	svc := run.NewService(run.NewMemoryStore(), run.NewMemoryQueue(4), 3)
	h := NewRouter(Deps{Runs: svc, Auth: authSvc, Logger: logger.Discard()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	reader, _, err := authSvc.Issue("dashboard", []string{auth.PermRunsRead}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("Authorization", "Bearer "+reader)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for reader, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+reader)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for reader submit, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rec.Code)
	}
}
