package core

import (
	"context"
	"time"
)

// TaskStore persists task rows in the primary store.
type TaskStore interface {
	// CreateTask inserts a new task row and returns its session ID.
	CreateTask(ctx context.Context, task *Task) (SessionID, error)
	// UpdateTaskState updates only the state column. Fails with a
	// not-found error when the row does not exist.
	UpdateTaskState(ctx context.Context, sessionID SessionID, state TaskState) error
	// FinalizeTask writes the terminal state, step count and elapsed time.
	// Tolerant of a missing row: recovery paths finalize reconstructed tasks.
	FinalizeTask(ctx context.Context, sessionID SessionID, state TaskState, totalSteps int, totalTime time.Duration, errMsg string) error
	// FindTasksByStates returns all tasks currently in one of the states.
	FindTasksByStates(ctx context.Context, states []TaskState) ([]*Task, error)
	// GetTask returns one task or a not-found error.
	GetTask(ctx context.Context, sessionID SessionID) (*Task, error)
	// ListTasks returns all tasks ordered by most recently updated.
	ListTasks(ctx context.Context) ([]*Task, error)
}

// StepStore persists step rows in the primary store.
type StepStore interface {
	// InsertStep writes one step. Idempotent on (session_id, step_num).
	InsertStep(ctx context.Context, step *Step) error
	// BatchInsertSteps writes several steps in one transaction.
	BatchInsertSteps(ctx context.Context, steps []*Step) error
	// StepExists reports whether the idempotency key is already present.
	StepExists(ctx context.Context, sessionID SessionID, stepNum int) (bool, error)
	// GetStepsForSession returns all steps ordered by step number.
	GetStepsForSession(ctx context.Context, sessionID SessionID) ([]*Step, error)
	// CountStepsForSession returns the number of persisted steps.
	CountStepsForSession(ctx context.Context, sessionID SessionID) (int, error)
}

// BackupStore is the append-only side channel used when the primary store
// fails, and consumed during crash recovery.
type BackupStore interface {
	SaveTaskBackup(sessionID SessionID, task *Task) error
	SaveStepBackup(sessionID SessionID, step *Step) error
	RecoverFromBackup(sessionID SessionID) (*Task, []*Step, error)
	CleanupBackup(sessionID SessionID) error
	ListBackupSessions() ([]SessionID, error)
	HasBackup(sessionID SessionID) bool
}

// StatePersister receives state transitions for durable recording. The state
// machine calls it synchronously while holding its lock.
type StatePersister interface {
	PersistState(ctx context.Context, sessionID SessionID, state TaskState) error
}

// StatePersisterFunc adapts a function to the StatePersister interface.
type StatePersisterFunc func(ctx context.Context, sessionID SessionID, state TaskState) error

// PersistState calls f.
func (f StatePersisterFunc) PersistState(ctx context.Context, sessionID SessionID, state TaskState) error {
	return f(ctx, sessionID, state)
}

// AgentRunner is the external collaborator producing step events. The
// executor only ever asks it to stop; cancellation is cooperative.
type AgentRunner interface {
	Cancel()
}
