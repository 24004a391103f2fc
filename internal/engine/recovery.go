package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/events"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

// Recovery reconciles tasks a crashed process left in RUNNING or STOPPING,
// and restores sessions that survive only as backup artifacts. Runs once at
// startup, before any new task begins.
type Recovery struct {
	tasks   core.TaskStore
	steps   core.StepStore
	backups core.BackupStore
	bus     *events.Bus
	logger  *logging.Logger
}

// NewRecovery creates a crash recovery routine.
func NewRecovery(tasks core.TaskStore, steps core.StepStore, backups core.BackupStore, bus *events.Bus, logger *logging.Logger) *Recovery {
	return &Recovery{
		tasks:   tasks,
		steps:   steps,
		backups: backups,
		bus:     bus,
		logger:  logger.WithComponent("recovery"),
	}
}

// SessionReport describes the reconciliation of one session.
type SessionReport struct {
	SessionID      core.SessionID `json:"session_id"`
	Description    string         `json:"description,omitempty"`
	RecoveredSteps int            `json:"recovered_steps"`
	TotalSteps     int            `json:"total_steps"`
	Orphan         bool           `json:"orphan"`
	Err            error          `json:"-"`
	ErrMessage     string         `json:"error,omitempty"`
}

// Report summarizes one recovery run.
type Report struct {
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Sessions    []SessionReport `json:"sessions"`
}

// Recovered returns the number of sessions reconciled without error.
func (r *Report) Recovered() int {
	n := 0
	for _, s := range r.Sessions {
		if s.Err == nil {
			n++
		}
	}
	return n
}

// Run scans for abandoned tasks and orphaned backups. A failure on one
// session never aborts the scan for the others; per-session errors are
// carried in the report.
func (r *Recovery) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now()}
	r.logger.Info("starting crash recovery")

	abandoned, err := r.tasks.FindTasksByStates(ctx, core.ActiveStates)
	if err != nil {
		return nil, fmt.Errorf("scanning for abandoned tasks: %w", err)
	}

	for _, task := range abandoned {
		sr := r.recoverSession(ctx, task)
		if sr.Err != nil {
			sr.ErrMessage = sr.Err.Error()
			r.logger.Error("failed to recover session",
				"session_id", sr.SessionID,
				"error", sr.Err)
		}
		report.Sessions = append(report.Sessions, sr)
	}

	orphanReports, err := r.restoreOrphans(ctx)
	if err != nil {
		r.logger.Error("orphan scan failed", "error", err)
	}
	report.Sessions = append(report.Sessions, orphanReports...)

	report.CompletedAt = time.Now()
	r.logger.Info("crash recovery complete",
		"sessions", len(report.Sessions),
		"recovered", report.Recovered())
	return report, nil
}

// recoverSession marks one abandoned task CRASHED and merges any steps that
// survived only in the backup log.
func (r *Recovery) recoverSession(ctx context.Context, task *core.Task) SessionReport {
	sr := SessionReport{
		SessionID:   task.SessionID,
		Description: task.Description,
	}
	r.logger.Info("recovering abandoned task",
		"session_id", task.SessionID,
		"state", task.State)

	if err := r.tasks.UpdateTaskState(ctx, task.SessionID, core.StateCrashed); err != nil {
		sr.Err = fmt.Errorf("marking task crashed: %w", err)
		return sr
	}

	_, backupSteps, err := r.backups.RecoverFromBackup(task.SessionID)
	if err != nil {
		// A lost backup is not fatal; the primary rows still count.
		r.logger.Warn("could not read backup",
			"session_id", task.SessionID,
			"error", err)
	}

	var missing []*core.Step
	for _, step := range backupSteps {
		exists, err := r.steps.StepExists(ctx, task.SessionID, step.StepNum)
		if err != nil {
			sr.Err = fmt.Errorf("checking step %d: %w", step.StepNum, err)
			return sr
		}
		if !exists {
			missing = append(missing, step)
		}
	}

	if len(missing) > 0 {
		if err := r.steps.BatchInsertSteps(ctx, missing); err != nil {
			sr.Err = fmt.Errorf("merging backup steps: %w", err)
			return sr
		}
		sr.RecoveredSteps = len(missing)
	}

	total, err := r.steps.CountStepsForSession(ctx, task.SessionID)
	if err != nil {
		sr.Err = fmt.Errorf("counting steps: %w", err)
		return sr
	}
	sr.TotalSteps = total

	elapsed := time.Duration(task.TotalTime * float64(time.Second))
	if err := r.tasks.FinalizeTask(ctx, task.SessionID, core.StateCrashed,
		total, elapsed, "process crashed during execution"); err != nil {
		sr.Err = fmt.Errorf("finalizing crashed task: %w", err)
		return sr
	}

	if err := r.backups.CleanupBackup(task.SessionID); err != nil {
		sr.Err = fmt.Errorf("cleaning up backup: %w", err)
		return sr
	}

	r.logger.Info("recovered session",
		"session_id", task.SessionID,
		"recovered_steps", sr.RecoveredSteps,
		"total_steps", sr.TotalSteps)
	if r.bus != nil {
		r.bus.PublishPriority(events.NewRecoveryCompletedEvent(
			string(task.SessionID), sr.RecoveredSteps, sr.TotalSteps, false))
	}
	return sr
}

// restoreOrphans finds sessions with backup artifacts but no task row at
// all (the primary store itself was lost) and reconstructs them.
func (r *Recovery) restoreOrphans(ctx context.Context) ([]SessionReport, error) {
	sessions, err := r.backups.ListBackupSessions()
	if err != nil {
		return nil, fmt.Errorf("listing backup sessions: %w", err)
	}

	var reports []SessionReport
	for _, sessionID := range sessions {
		_, err := r.tasks.GetTask(ctx, sessionID)
		if err == nil {
			continue // Row exists; the abandoned-task scan owns it.
		}
		if !core.IsNotFound(err) {
			r.logger.Error("failed to check session",
				"session_id", sessionID,
				"error", err)
			continue
		}

		sr := r.restoreOrphan(ctx, sessionID)
		if sr.Err != nil {
			sr.ErrMessage = sr.Err.Error()
			r.logger.Error("failed to restore orphan",
				"session_id", sessionID,
				"error", sr.Err)
		}
		reports = append(reports, sr)
	}
	return reports, nil
}

// restoreOrphan rebuilds one session from its backup artifacts.
func (r *Recovery) restoreOrphan(ctx context.Context, sessionID core.SessionID) SessionReport {
	sr := SessionReport{SessionID: sessionID, Orphan: true}
	r.logger.Info("restoring orphaned backup", "session_id", sessionID)

	task, steps, err := r.backups.RecoverFromBackup(sessionID)
	if err != nil {
		sr.Err = fmt.Errorf("reading backup: %w", err)
		return sr
	}
	if task == nil {
		sr.Err = core.ErrValidation("orphan_without_task",
			"backup has no task document, cannot reconstruct")
		return sr
	}
	sr.Description = task.Description

	if _, err := r.tasks.CreateTask(ctx, task); err != nil {
		sr.Err = fmt.Errorf("recreating task row: %w", err)
		return sr
	}

	if len(steps) > 0 {
		if err := r.steps.BatchInsertSteps(ctx, steps); err != nil {
			sr.Err = fmt.Errorf("restoring backup steps: %w", err)
			return sr
		}
		sr.RecoveredSteps = len(steps)
	}

	total, err := r.steps.CountStepsForSession(ctx, sessionID)
	if err != nil {
		sr.Err = fmt.Errorf("counting steps: %w", err)
		return sr
	}
	sr.TotalSteps = total

	if err := r.tasks.FinalizeTask(ctx, sessionID, core.StateCrashed,
		total, 0, "restored from orphaned backup"); err != nil {
		sr.Err = fmt.Errorf("finalizing restored task: %w", err)
		return sr
	}

	if err := r.backups.CleanupBackup(sessionID); err != nil {
		sr.Err = fmt.Errorf("cleaning up backup: %w", err)
		return sr
	}

	r.logger.Info("restored orphaned session",
		"session_id", sessionID,
		"steps", sr.TotalSteps)
	if r.bus != nil {
		r.bus.PublishPriority(events.NewRecoveryCompletedEvent(
			string(sessionID), sr.RecoveredSteps, sr.TotalSteps, true))
	}
	return sr
}
