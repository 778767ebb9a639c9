package executor

import (
	"log/slog"
)

// State 是单个步骤在状态机中的位置。
type State string

const (
	StatePrepared       State = "Prepared"
	StateAwaitingAction State = "AwaitingAction"
	StateApplying       State = "Applying"
	StateObserved       State = "Observed"
	StateStepSucceeded  State = "StepSucceeded"
	StateStepFailed     State = "StepFailed"
)

// StepFailed 之后只能经由恢复引擎重新进入 AwaitingAction。
var transitions = map[State][]State{
	StatePrepared:       {StateAwaitingAction, StateStepFailed},
	StateAwaitingAction: {StateApplying, StateStepFailed},
	StateApplying:       {StateObserved, StateStepFailed},
	StateObserved:       {StateStepSucceeded, StateStepFailed},
	StateStepFailed:     {StateAwaitingAction},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type machine struct {
	stepID  string
	state   State
	history []State
	logger  *slog.Logger
}

func newMachine(stepID string, logger *slog.Logger) *machine {
	return &machine{stepID: stepID, state: StatePrepared, history: []State{StatePrepared}, logger: logger}
}

func (m *machine) to(next State) {
	if m.state == next {
		return
	}
	if !CanTransition(m.state, next) {
		m.logger.Error("非法的步骤状态迁移",
			slog.String("step_id", m.stepID),
			slog.String("from", string(m.state)),
			slog.String("to", string(next)))
	}
	m.logger.Debug("step state",
		slog.String("step_id", m.stepID),
		slog.String("from", string(m.state)),
		slog.String("to", string(next)))
	m.state = next
	m.history = append(m.history, next)
}
