package events

// Event type constants for task lifecycle events.
const (
	TypeStateChanged      = "state_changed"
	TypeStepRecorded      = "step_recorded"
	TypeStepFallback      = "step_fallback"
	TypeTaskFinalized     = "task_finalized"
	TypeRecoveryCompleted = "recovery_completed"
	TypeBackupObserved    = "backup_observed"
	TypeEngineError       = "engine_error"
)

// StateChangedEvent is emitted after every successful state transition.
type StateChangedEvent struct {
	BaseEvent
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

// NewStateChangedEvent creates a new state changed event.
func NewStateChangedEvent(sessionID, oldState, newState string) StateChangedEvent {
	return StateChangedEvent{
		BaseEvent: NewBaseEvent(TypeStateChanged, sessionID),
		OldState:  oldState,
		NewState:  newState,
	}
}

// StepRecordedEvent is emitted when a step reaches the primary store.
type StepRecordedEvent struct {
	BaseEvent
	StepNum int  `json:"step_num"`
	Success bool `json:"success"`
}

// NewStepRecordedEvent creates a new step recorded event.
func NewStepRecordedEvent(sessionID string, stepNum int, success bool) StepRecordedEvent {
	return StepRecordedEvent{
		BaseEvent: NewBaseEvent(TypeStepRecorded, sessionID),
		StepNum:   stepNum,
		Success:   success,
	}
}

// StepFallbackEvent is emitted when a step insert failed and the step was
// diverted to the backup side channel instead.
type StepFallbackEvent struct {
	BaseEvent
	StepNum int    `json:"step_num"`
	Reason  string `json:"reason"`
}

// NewStepFallbackEvent creates a new step fallback event.
func NewStepFallbackEvent(sessionID string, stepNum int, reason string) StepFallbackEvent {
	return StepFallbackEvent{
		BaseEvent: NewBaseEvent(TypeStepFallback, sessionID),
		StepNum:   stepNum,
		Reason:    reason,
	}
}

// TaskFinalizedEvent is emitted once per task when it reaches a terminal
// state and its row has been finalized.
type TaskFinalizedEvent struct {
	BaseEvent
	FinalState string  `json:"final_state"`
	TotalSteps int     `json:"total_steps"`
	TotalTime  float64 `json:"total_time"` // seconds
}

// NewTaskFinalizedEvent creates a new task finalized event.
func NewTaskFinalizedEvent(sessionID, finalState string, totalSteps int, totalTime float64) TaskFinalizedEvent {
	return TaskFinalizedEvent{
		BaseEvent:  NewBaseEvent(TypeTaskFinalized, sessionID),
		FinalState: finalState,
		TotalSteps: totalSteps,
		TotalTime:  totalTime,
	}
}

// RecoveryCompletedEvent is emitted after crash recovery reconciles one
// session.
type RecoveryCompletedEvent struct {
	BaseEvent
	RecoveredSteps int  `json:"recovered_steps"`
	TotalSteps     int  `json:"total_steps"`
	Orphan         bool `json:"orphan"`
}

// NewRecoveryCompletedEvent creates a new recovery completed event.
func NewRecoveryCompletedEvent(sessionID string, recoveredSteps, totalSteps int, orphan bool) RecoveryCompletedEvent {
	return RecoveryCompletedEvent{
		BaseEvent:      NewBaseEvent(TypeRecoveryCompleted, sessionID),
		RecoveredSteps: recoveredSteps,
		TotalSteps:     totalSteps,
		Orphan:         orphan,
	}
}

// BackupObservedEvent is emitted by the backup watcher when a fallback
// artifact appears on disk while the daemon is running.
type BackupObservedEvent struct {
	BaseEvent
	Path string `json:"path"`
}

// NewBackupObservedEvent creates a new backup observed event.
func NewBackupObservedEvent(sessionID, path string) BackupObservedEvent {
	return BackupObservedEvent{
		BaseEvent: NewBaseEvent(TypeBackupObserved, sessionID),
		Path:      path,
	}
}

// EngineErrorEvent carries errors the engine surfaces without blocking the
// producing goroutine.
type EngineErrorEvent struct {
	BaseEvent
	Message string `json:"message"`
}

// NewEngineErrorEvent creates a new engine error event.
func NewEngineErrorEvent(sessionID, message string) EngineErrorEvent {
	return EngineErrorEvent{
		BaseEvent: NewBaseEvent(TypeEngineError, sessionID),
		Message:   message,
	}
}
