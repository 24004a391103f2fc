package core

import "fmt"

// TaskState represents the lifecycle state of a task session.
type TaskState string

const (
	StateCreated  TaskState = "CREATED"
	StateRunning  TaskState = "RUNNING"
	StateStopping TaskState = "STOPPING"
	StateStopped  TaskState = "STOPPED"
	StateSuccess  TaskState = "SUCCESS"
	StateFailed   TaskState = "FAILED"
	StateCrashed  TaskState = "CRASHED"
)

// AllStates lists every task state, in lifecycle order.
var AllStates = []TaskState{
	StateCreated,
	StateRunning,
	StateStopping,
	StateStopped,
	StateSuccess,
	StateFailed,
	StateCrashed,
}

// ActiveStates are the states a live process holds a task in. Tasks found in
// one of these at startup were abandoned by a crashed process.
var ActiveStates = []TaskState{StateRunning, StateStopping}

// IsTerminal reports whether the task has finished.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateStopped, StateSuccess, StateFailed, StateCrashed:
		return true
	}
	return false
}

// IsActive reports whether the task is running or winding down.
func (s TaskState) IsActive() bool {
	return s == StateRunning || s == StateStopping
}

// ParseTaskState converts a stored string into a TaskState.
func ParseTaskState(s string) (TaskState, error) {
	state := TaskState(s)
	for _, known := range AllStates {
		if state == known {
			return state, nil
		}
	}
	return "", fmt.Errorf("unknown task state %q", s)
}
