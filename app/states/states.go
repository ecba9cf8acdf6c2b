// Package states defines the closed state sets of keeper's execution core.
// Every column that acts as an enum has a defined type here so a new state is
// a compile-visible change at each read site.
package states

import "strings"

type TaskType string

const (
	TaskPlanner    TaskType = "planner"
	TaskWorker     TaskType = "worker"
	TaskMaintainer TaskType = "maintainer"
)

// TaskTypePriority is the selection order of the scheduler.
var TaskTypePriority = []TaskType{TaskPlanner, TaskWorker, TaskMaintainer}

type HandlerType string

const (
	HandlerProducer HandlerType = "producer"
	HandlerConsumer HandlerType = "consumer"
)

type RunPhase string

const (
	PhasePending   RunPhase = "pending"
	PhaseExecuting RunPhase = "executing"
	PhasePreparing RunPhase = "preparing"
	PhasePrepared  RunPhase = "prepared"
	PhaseMutating  RunPhase = "mutating"
	PhaseMutated   RunPhase = "mutated"
	PhaseEmitting  RunPhase = "emitting"
	PhaseCommitted RunPhase = "committed"
)

var (
	// ProducerPhases is the producer machine in order.
	ProducerPhases = []RunPhase{PhasePending, PhaseExecuting, PhaseCommitted}
	// ConsumerPhases is the consumer machine in order.
	ConsumerPhases = []RunPhase{
		PhasePending, PhasePreparing, PhasePrepared,
		PhaseMutating, PhaseMutated, PhaseEmitting, PhaseCommitted,
	}
)

func phasesFor(handlerType HandlerType) []RunPhase {
	switch handlerType {
	case HandlerProducer:
		return ProducerPhases
	case HandlerConsumer:
		return ConsumerPhases
	}
	return nil
}

// ValidPhaseTransition reports whether to directly follows from in the
// machine of the given handler type.
func ValidPhaseTransition(handlerType HandlerType, from, to RunPhase) bool {
	phases := phasesFor(handlerType)
	for i, p := range phases {
		if p == from {
			return i+1 < len(phases) && phases[i+1] == to
		}
	}
	return false
}

// RunState is the leading token of a handler run status.
type RunState string

const (
	RunActive    RunState = "active"
	RunCommitted RunState = "committed"
	RunPaused    RunState = "paused"
	RunFailed    RunState = "failed"
)

// RunStatus is a run's status column: a state plus an optional detail,
// serialized "paused:<reason>" / "failed:<kind>".
type RunStatus struct {
	State  RunState
	Detail string
}

func Active() RunStatus    { return RunStatus{State: RunActive} }
func Committed() RunStatus { return RunStatus{State: RunCommitted} }

func Paused(reason string) RunStatus {
	return RunStatus{State: RunPaused, Detail: reason}
}

func Failed(kind string) RunStatus {
	return RunStatus{State: RunFailed, Detail: kind}
}

func (s RunStatus) String() string {
	switch s.State {
	case RunPaused, RunFailed:
		if s.Detail != "" {
			return string(s.State) + ":" + s.Detail
		}
		return string(s.State)
	case RunActive, RunCommitted:
		return string(s.State)
	}
	return string(s.State)
}

// IsTerminal reports whether the run is finished either way; only active
// runs count as incomplete.
func (s RunStatus) IsTerminal() bool {
	switch s.State {
	case RunCommitted, RunPaused, RunFailed:
		return true
	case RunActive:
		return false
	}
	return false
}

func ParseRunStatus(raw string) RunStatus {
	state, detail := raw, ""
	if idx := strings.Index(raw, ":"); idx >= 0 {
		state, detail = raw[:idx], raw[idx+1:]
	}
	return RunStatus{State: RunState(state), Detail: detail}
}

type EventStatus string

const (
	EventPending  EventStatus = "pending"
	EventReserved EventStatus = "reserved"
	EventConsumed EventStatus = "consumed"
)

type InputStatus string

const (
	InputPending InputStatus = "pending"
	InputDone    InputStatus = "done"
)

type MutationStatus string

const (
	MutationPending        MutationStatus = "pending"
	MutationInFlight       MutationStatus = "in_flight"
	MutationApplied        MutationStatus = "applied"
	MutationFailed         MutationStatus = "failed"
	MutationIndeterminate  MutationStatus = "indeterminate"
	MutationNeedsReconcile MutationStatus = "needs_reconcile"
)

// IsTerminal reports whether a mutation's outcome is settled.
func (s MutationStatus) IsTerminal() bool {
	switch s {
	case MutationApplied, MutationFailed:
		return true
	case MutationPending, MutationInFlight, MutationIndeterminate, MutationNeedsReconcile:
		return false
	}
	return false
}

// Resolution records who settled a mutation that could not settle itself.
type Resolution string

const (
	ResolvedByReconciler   Resolution = "reconciler"
	ResolvedByUserSkip     Resolution = "user_skip"
	ResolvedByUserAsserted Resolution = "user_assert_failed"
)
