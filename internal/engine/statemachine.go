// Package engine orchestrates the durable lifecycle of automation tasks:
// validated state transitions, write-through step buffering with backup
// fallback, and reconciliation after a process crash.
package engine

import (
	"context"
	"sync"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/events"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

// validTransitions is the allowed transition table. CRASHED is additionally
// reachable from any state: it is a retroactive diagnosis that the process
// died, possibly after a terminal outcome was already recorded.
var validTransitions = map[core.TaskState][]core.TaskState{
	core.StateCreated:  {core.StateRunning, core.StateFailed},
	core.StateRunning:  {core.StateStopping, core.StateSuccess, core.StateFailed},
	core.StateStopping: {core.StateStopped, core.StateFailed},
	core.StateStopped:  {core.StateCrashed},
	core.StateSuccess:  {core.StateCrashed},
	core.StateFailed:   {core.StateCrashed},
}

// StateMachine validates and records state transitions for a single task.
// Safe for concurrent use.
type StateMachine struct {
	sessionID core.SessionID
	persister core.StatePersister
	bus       *events.Bus
	logger    *logging.Logger

	mu      sync.Mutex
	current core.TaskState
}

// NewStateMachine creates a state machine in CREATED. The persister is
// invoked synchronously on every transition; the bus receives a state
// changed event after the transition is visible.
func NewStateMachine(sessionID core.SessionID, persister core.StatePersister, bus *events.Bus, logger *logging.Logger) *StateMachine {
	return &StateMachine{
		sessionID: sessionID,
		persister: persister,
		bus:       bus,
		logger:    logger.WithSession(string(sessionID)),
		current:   core.StateCreated,
	}
}

// TransitionTo attempts the transition. Returns false, with no state
// change, for any pair outside the table. The persistence call happens
// while the lock is held so a concurrent reader never observes an in-memory
// state without at least an attempted durable write behind it.
func (m *StateMachine) TransitionTo(ctx context.Context, newState core.TaskState) bool {
	m.mu.Lock()

	if !isValidTransition(m.current, newState) {
		current := m.current
		m.mu.Unlock()
		m.logger.Warn("invalid state transition",
			"from", current,
			"to", newState)
		return false
	}

	oldState := m.current
	m.current = newState
	m.logger.Info("state transition", "from", oldState, "to", newState)

	if m.persister != nil {
		if err := m.persister.PersistState(ctx, m.sessionID, newState); err != nil {
			// No rollback: liveness wins, crash recovery closes the
			// resulting inconsistency window.
			m.logger.Error("failed to persist state transition",
				"state", newState,
				"error", err)
		}
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.NewStateChangedEvent(
			string(m.sessionID), string(oldState), string(newState)))
	}
	return true
}

func isValidTransition(from, to core.TaskState) bool {
	if to == core.StateCrashed {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}

// State returns the current state.
func (m *StateMachine) State() core.TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsTerminal reports whether the task has finished.
func (m *StateMachine) IsTerminal() bool {
	return m.State().IsTerminal()
}

// IsActive reports whether the task is running or stopping.
func (m *StateMachine) IsActive() bool {
	return m.State().IsActive()
}
