package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/events"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

// Engine owns the executors for all in-flight tasks, keyed by session ID.
// Teardown order per task is fixed: stop the runner, flush, finalize,
// release.
type Engine struct {
	tasks   core.TaskStore
	steps   core.StepStore
	backups core.BackupStore
	bus     *events.Bus
	logger  *logging.Logger

	graceDelay time.Duration

	mu        sync.Mutex
	executors map[core.SessionID]*Executor
}

// Option configures the engine.
type Option func(*Engine)

// WithStopGraceDelay overrides the stop grace delay used for new executors.
func WithStopGraceDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.graceDelay = d
		}
	}
}

// New creates the engine.
func New(tasks core.TaskStore, steps core.StepStore, backups core.BackupStore, bus *events.Bus, logger *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		tasks:      tasks,
		steps:      steps,
		backups:    backups,
		bus:        bus,
		logger:     logger.WithComponent("engine"),
		graceDelay: DefaultGraceDelay,
		executors:  make(map[core.SessionID]*Executor),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecoverAtStartup reconciles crashed sessions. Call before StartTask.
func (e *Engine) RecoverAtStartup(ctx context.Context) (*Report, error) {
	recovery := NewRecovery(e.tasks, e.steps, e.backups, e.bus, e.logger)
	return recovery.Run(ctx)
}

// StartTask creates and starts an executor for the task and registers it.
func (e *Engine) StartTask(ctx context.Context, task *core.Task, runner core.AgentRunner) (*Executor, error) {
	e.mu.Lock()
	if _, exists := e.executors[task.SessionID]; exists {
		e.mu.Unlock()
		return nil, core.ErrValidation("duplicate_session",
			fmt.Sprintf("session %s already registered", task.SessionID))
	}
	exec := NewExecutor(task, e.tasks, e.steps, e.backups, e.bus, e.logger,
		WithGraceDelay(e.graceDelay),
		WithRunner(runner),
		withOnRelease(e.release),
	)
	e.executors[task.SessionID] = exec
	e.mu.Unlock()

	if err := exec.Start(ctx); err != nil {
		e.release(task.SessionID)
		return nil, err
	}
	return exec, nil
}

// Executor returns the registered executor for a session.
func (e *Engine) Executor(sessionID core.SessionID) (*Executor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executors[sessionID]
	return exec, ok
}

// StopTask requests a cooperative stop of one session.
func (e *Engine) StopTask(ctx context.Context, sessionID core.SessionID) error {
	exec, ok := e.Executor(sessionID)
	if !ok {
		return core.ErrNotFound("session_not_registered",
			fmt.Sprintf("session %s not registered", sessionID))
	}
	return exec.Stop(ctx)
}

// ActiveSessions returns the session IDs of registered executors.
func (e *Engine) ActiveSessions() []core.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.SessionID, 0, len(e.executors))
	for id := range e.executors {
		out = append(out, id)
	}
	return out
}

// Shutdown stops every active task and waits for finalization, bounded by
// the context.
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, sessionID := range e.ActiveSessions() {
		exec, ok := e.Executor(sessionID)
		if !ok {
			continue
		}
		if exec.IsActive() {
			if err := exec.Stop(ctx); err != nil {
				e.logger.Warn("failed to stop task during shutdown",
					"session_id", sessionID,
					"error", err)
			}
		}
	}

	// Executors deregister themselves as they finalize.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		remaining := len(e.executors)
		e.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown incomplete, %d tasks still registered: %w",
				remaining, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Engine) release(sessionID core.SessionID) {
	e.mu.Lock()
	delete(e.executors, sessionID)
	e.mu.Unlock()
	e.logger.Debug("released session", "session_id", sessionID)
}
