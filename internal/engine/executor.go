package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/events"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

// DefaultGraceDelay is the pause between a stop request and finalization,
// long enough for one in-flight step to land.
const DefaultGraceDelay = 100 * time.Millisecond

const finalizeTimeout = 30 * time.Second

// Executor drives the full lifecycle of one task: start, step recording,
// stop, completion. All terminal paths converge on the same
// finalize-and-cleanup routine.
type Executor struct {
	task    *core.Task
	tasks   core.TaskStore
	steps   core.StepStore
	backups core.BackupStore
	bus     *events.Bus
	logger  *logging.Logger

	sm         *StateMachine
	buffer     *StepBuffer
	graceDelay time.Duration
	onRelease  func(core.SessionID)

	stopRequested atomic.Bool

	mu        sync.Mutex
	runner    core.AgentRunner
	stopTimer *time.Timer
	startTime time.Time
	stepCount int

	cleanupOnce sync.Once
}

// ExecutorOption configures the executor.
type ExecutorOption func(*Executor)

// WithGraceDelay overrides the stop grace delay.
func WithGraceDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.graceDelay = d
		}
	}
}

// WithRunner attaches the external collaborator producing step events.
func WithRunner(r core.AgentRunner) ExecutorOption {
	return func(e *Executor) {
		e.runner = r
	}
}

func withOnRelease(fn func(core.SessionID)) ExecutorOption {
	return func(e *Executor) {
		e.onRelease = fn
	}
}

// NewExecutor creates an executor for one task.
func NewExecutor(task *core.Task, tasks core.TaskStore, steps core.StepStore, backups core.BackupStore, bus *events.Bus, logger *logging.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		task:       task,
		tasks:      tasks,
		steps:      steps,
		backups:    backups,
		bus:        bus,
		logger:     logger.WithSession(string(task.SessionID)),
		graceDelay: DefaultGraceDelay,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.sm = NewStateMachine(task.SessionID,
		core.StatePersisterFunc(e.persistState), bus, logger)
	e.buffer = NewStepBuffer(task.SessionID, steps, backups, bus, logger)
	return e
}

// SessionID returns the session this executor drives.
func (e *Executor) SessionID() core.SessionID {
	return e.task.SessionID
}

// Start creates the task row, writes the task backup and enters RUNNING.
func (e *Executor) Start(ctx context.Context) error {
	e.logger.Info("starting task", "description", e.task.Description)

	if _, err := e.tasks.CreateTask(ctx, e.task); err != nil {
		e.failStart(ctx, err)
		return fmt.Errorf("starting task %s: %w", e.task.SessionID, err)
	}

	if err := e.backups.SaveTaskBackup(e.task.SessionID, e.task); err != nil {
		// The primary row exists; a missing backup only narrows the
		// recovery net, so the start proceeds.
		e.logger.Error("failed to write task backup", "error", err)
	}

	if !e.sm.TransitionTo(ctx, core.StateRunning) {
		err := core.ErrValidation("bad_start_state", "task not in CREATED state")
		e.failStart(ctx, err)
		return fmt.Errorf("starting task %s: %w", e.task.SessionID, err)
	}

	e.mu.Lock()
	e.startTime = time.Now()
	e.stepCount = 0
	e.mu.Unlock()
	e.stopRequested.Store(false)

	e.logger.Info("task started")
	return nil
}

// failStart records a start failure as a FAILED task. Best effort.
func (e *Executor) failStart(ctx context.Context, cause error) {
	if e.sm.TransitionTo(ctx, core.StateFailed) {
		if err := e.tasks.FinalizeTask(ctx, e.task.SessionID, core.StateFailed, 0, 0, cause.Error()); err != nil {
			e.logger.Error("failed to finalize failed start", "error", err)
		}
	}
}

// OnStepCompleted records one step-completion event. Events arriving after
// a stop request, or while the task is in an unexpected state, are dropped
// rather than rejected.
func (e *Executor) OnStepCompleted(ctx context.Context, step *core.Step) {
	if e.stopRequested.Load() {
		e.logger.Debug("dropping step, stop requested", "step_num", step.StepNum)
		return
	}

	// SUCCESS/FAILED are tolerated: a step event may trail the completion
	// event and its data is still worth keeping.
	switch state := e.sm.State(); state {
	case core.StateRunning, core.StateSuccess, core.StateFailed:
	default:
		e.logger.Warn("dropping step, task in unexpected state",
			"step_num", step.StepNum,
			"state", state)
		return
	}

	step.SessionID = e.task.SessionID

	e.mu.Lock()
	if step.StepNum > e.stepCount {
		e.stepCount = step.StepNum
	}
	e.mu.Unlock()

	e.buffer.AddStep(ctx, step)
}

// Stop requests a cooperative stop. It signals the runner, enters STOPPING
// and schedules finalization after the grace delay; it never blocks the
// caller on the finalize work.
func (e *Executor) Stop(ctx context.Context) error {
	e.logger.Info("stop requested")
	e.stopRequested.Store(true)

	if !e.sm.TransitionTo(ctx, core.StateStopping) {
		return core.ErrValidation("bad_stop_state",
			fmt.Sprintf("task %s not running", e.task.SessionID))
	}

	e.mu.Lock()
	runner := e.runner
	e.mu.Unlock()
	if runner != nil {
		runner.Cancel()
	}

	e.mu.Lock()
	e.stopTimer = time.AfterFunc(e.graceDelay, func() {
		finalizeCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		e.finalizeStop(finalizeCtx)
	})
	e.mu.Unlock()

	return nil
}

// finalizeStop completes a stop after the grace delay.
func (e *Executor) finalizeStop(ctx context.Context) {
	e.logger.Info("finalizing stop")

	if err := e.finalize(ctx, core.StateStopped, "stopped by user"); err != nil {
		e.logger.Error("error finalizing stopped task", "error", err)
		if e.bus != nil {
			e.bus.PublishPriority(events.NewEngineErrorEvent(
				string(e.task.SessionID), err.Error()))
		}
	}
}

// OnTaskCompleted records the task outcome reported by the runner.
func (e *Executor) OnTaskCompleted(ctx context.Context, success bool, errMsg string) error {
	finalState := core.StateFailed
	if success {
		finalState = core.StateSuccess
	}
	e.logger.Info("task completed", "success", success)

	return e.finalize(ctx, finalState, errMsg)
}

// finalize is the single convergence point for every terminal path: flush
// the buffer, transition, write the final row, drop backups, release.
func (e *Executor) finalize(ctx context.Context, finalState core.TaskState, errMsg string) error {
	if err := e.buffer.Flush(ctx); err != nil {
		e.logger.Error("flush failed during finalization", "error", err)
	}

	e.mu.Lock()
	elapsed := time.Duration(0)
	if !e.startTime.IsZero() {
		elapsed = time.Since(e.startTime)
	}
	stepCount := e.stepCount
	e.mu.Unlock()

	if !e.sm.TransitionTo(ctx, finalState) {
		e.logger.Warn("could not transition to final state", "state", finalState)
	}

	if err := e.tasks.FinalizeTask(ctx, e.task.SessionID, finalState, stepCount, elapsed, errMsg); err != nil {
		return fmt.Errorf("finalizing task %s: %w", e.task.SessionID, err)
	}

	if err := e.backups.CleanupBackup(e.task.SessionID); err != nil {
		e.logger.Error("failed to clean up backup", "error", err)
	}

	if e.bus != nil {
		e.bus.PublishPriority(events.NewTaskFinalizedEvent(
			string(e.task.SessionID), string(finalState), stepCount, elapsed.Seconds()))
	}

	e.cleanup()
	return nil
}

// cleanup releases resources. Idempotent; every terminal path ends here.
func (e *Executor) cleanup() {
	e.cleanupOnce.Do(func() {
		e.mu.Lock()
		if e.stopTimer != nil {
			e.stopTimer.Stop()
			e.stopTimer = nil
		}
		e.runner = nil
		e.mu.Unlock()

		if e.onRelease != nil {
			e.onRelease(e.task.SessionID)
		}
		e.logger.Debug("executor cleaned up")
	})
}

// persistState is the StatePersister wired into the state machine.
func (e *Executor) persistState(ctx context.Context, sessionID core.SessionID, state core.TaskState) error {
	return e.tasks.UpdateTaskState(ctx, sessionID, state)
}

// State returns the current task state.
func (e *Executor) State() core.TaskState {
	return e.sm.State()
}

// IsActive reports whether the task is running or stopping.
func (e *Executor) IsActive() bool {
	return e.sm.IsActive()
}

// IsTerminal reports whether the task has finished.
func (e *Executor) IsTerminal() bool {
	return e.sm.IsTerminal()
}

// StepCount returns the highest step number seen so far.
func (e *Executor) StepCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepCount
}

// Elapsed returns the time since the task started.
func (e *Executor) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startTime.IsZero() {
		return 0
	}
	return time.Since(e.startTime)
}

// BufferedSteps exposes the retained steps, mainly for inspection.
func (e *Executor) BufferedSteps() []*core.Step {
	return e.buffer.BufferedSteps()
}
