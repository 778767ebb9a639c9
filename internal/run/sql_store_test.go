package run

import (
	"context"
	"path/filepath"
	"testing"

	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/storage/sqlstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver: sqlstore.DialectSQLite,
		DSN:    filepath.Join(t.TempDir(), "runs.db"),
	})
	require.NoError(t, err)
	store := NewSQLStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreClaimLifecycle(t *testing.T) {
	exerciseClaimLifecycle(t, newSQLiteStore(t))
}

func TestSQLStorePersistsPlanResultAndSuspension(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	plan := testPlan("persisted")
	require.NoError(t, store.Create(ctx, &Run{ID: "r1", FlowID: plan.FlowID, Plan: plan, Benchmark: true, Status: StatusPending, MaxRetries: 2}))
	require.NoError(t, store.Create(ctx, &Run{ID: "r2", FlowID: "other", Plan: testPlan("other"), Status: StatusPending, MaxRetries: 2}))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.Plan)
	assert.True(t, got.Benchmark)
	assert.Equal(t, "persisted", got.Plan.FlowID)
	assert.Len(t, got.Plan.Steps, 2)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Suspension)

	require.NoError(t, store.MarkSuspended(ctx, "r1", Suspension{StepID: "step_1", Questions: []string{"top up?"}, LastError: "insufficient funds"}))
	got, err = store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)
	require.NotNil(t, got.Suspension)
	assert.Equal(t, []string{"top up?"}, got.Suspension.Questions)
	assert.Equal(t, "insufficient funds", got.LastError)

	require.NoError(t, store.Complete(ctx, "r2", &flow.TestResult{ExecutionID: "e2", Status: flow.FinalStatusSucceeded, Score: 0.9}, "", ""))

	withResult, err := store.List(ctx, BuildListOptions(WithResultPresence(true)))
	require.NoError(t, err)
	require.Len(t, withResult, 1)
	assert.Equal(t, "e2", withResult[0].Result.ExecutionID)

	byFlow, err := store.List(ctx, BuildListOptions(WithFlowID("persisted")))
	require.NoError(t, err)
	require.Len(t, byFlow, 1)
	assert.Equal(t, "r1", byFlow[0].ID)

	queried, err := store.List(ctx, BuildListOptions(WithQuery("INSUFFICIENT")))
	require.NoError(t, err)
	require.Len(t, queried, 1)

	stats, err := store.Stats(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Suspended)
	assert.Equal(t, 1, stats.Succeeded)
	assert.InDelta(t, 0.9, stats.AverageScore, 1e-9)

	_, err = store.Get(ctx, "missing")
	assert.True(t, IsRunError(err, CodeRunNotFound))
	assert.True(t, IsRunError(store.MarkFailed(ctx, "missing", CodeRunProcessing, "x", true), CodeRunNotFound))
}
