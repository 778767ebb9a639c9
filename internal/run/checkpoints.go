package run

import (
	"sync"

	"LedgerFlow/internal/executor"
)

type parked struct {
	exec       *executor.Executor
	checkpoint *executor.Checkpoint
}

// checkpointRegistry 保存本进程内挂起运行的检查点，检查点取出后即失效。
type checkpointRegistry struct {
	mu      sync.Mutex
	entries map[string]parked
}

func newCheckpointRegistry() *checkpointRegistry {
	return &checkpointRegistry{entries: make(map[string]parked)}
}

func (r *checkpointRegistry) put(runID string, exec *executor.Executor, cp *executor.Checkpoint) {
	r.mu.Lock()
	r.entries[runID] = parked{exec: exec, checkpoint: cp}
	r.mu.Unlock()
}

func (r *checkpointRegistry) take(runID string) (parked, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[runID]
	if ok {
		delete(r.entries, runID)
	}
	return entry, ok
}

func (r *checkpointRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
