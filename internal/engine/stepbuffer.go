package engine

import (
	"context"
	"sync"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/events"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

// StepBuffer performs write-through persistence of steps. Every step is
// written to the primary store immediately; a failed write degrades to the
// backup side channel instead of surfacing to the producer. The buffer
// retains every step handed to it for the lifetime of the task so Flush can
// verify nothing was lost.
type StepBuffer struct {
	sessionID core.SessionID
	steps     core.StepStore
	backups   core.BackupStore
	bus       *events.Bus
	logger    *logging.Logger

	mu       sync.Mutex
	retained []*core.Step
}

// NewStepBuffer creates a buffer for one session.
func NewStepBuffer(sessionID core.SessionID, steps core.StepStore, backups core.BackupStore, bus *events.Bus, logger *logging.Logger) *StepBuffer {
	return &StepBuffer{
		sessionID: sessionID,
		steps:     steps,
		backups:   backups,
		bus:       bus,
		logger:    logger.WithSession(string(sessionID)).WithComponent("step_buffer"),
	}
}

// AddStep persists the step write-through. The producer is never blocked on
// a storage failure: the step is diverted to the backup log and the error
// is surfaced only on the event bus. A step is genuinely lost only when the
// primary insert and the backup append both fail.
func (b *StepBuffer) AddStep(ctx context.Context, step *core.Step) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.retained = append(b.retained, step)

	if err := b.steps.InsertStep(ctx, step); err != nil {
		b.logger.Error("failed to write step, falling back to backup",
			"step_num", step.StepNum,
			"error", err)

		if backupErr := b.backups.SaveStepBackup(b.sessionID, step); backupErr != nil {
			fallbackErr := core.ErrDurabilityFallback(
				"step lost: primary insert and backup append both failed").WithCause(backupErr)
			b.logger.Error("durability fallback failed, step may be lost",
				"step_num", step.StepNum,
				"insert_error", err,
				"backup_error", backupErr)
			if b.bus != nil {
				b.bus.PublishPriority(events.NewEngineErrorEvent(
					string(b.sessionID), fallbackErr.Error()))
			}
			return
		}

		b.logger.Info("step saved to backup", "step_num", step.StepNum)
		if b.bus != nil {
			b.bus.Publish(events.NewStepFallbackEvent(
				string(b.sessionID), step.StepNum, err.Error()))
		}
		return
	}

	if b.bus != nil {
		b.bus.Publish(events.NewStepRecordedEvent(
			string(b.sessionID), step.StepNum, step.Success))
	}
}

// Flush re-checks every retained step against the primary store and
// re-inserts any that are missing. Because (session_id, step_num) is an
// idempotency key, Flush is safe to call repeatedly and after partial
// failures.
func (b *StepBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.retained) == 0 {
		return nil
	}

	var missing []*core.Step
	for _, step := range b.retained {
		exists, err := b.steps.StepExists(ctx, b.sessionID, step.StepNum)
		if err != nil {
			b.logger.Error("failed to verify step during flush",
				"step_num", step.StepNum,
				"error", err)
			return err
		}
		if !exists {
			missing = append(missing, step)
		}
	}

	if len(missing) == 0 {
		b.logger.Debug("flush verified all steps present", "count", len(b.retained))
		return nil
	}

	b.logger.Warn("flush found missing steps, re-inserting", "missing", len(missing))

	var lastErr error
	for _, step := range missing {
		if err := b.steps.InsertStep(ctx, step); err != nil {
			b.logger.Error("failed to re-insert missing step",
				"step_num", step.StepNum,
				"error", err)
			lastErr = err
		}
	}
	return lastErr
}

// BufferedSteps returns a copy of every step handed to the buffer.
func (b *StepBuffer) BufferedSteps() []*core.Step {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*core.Step, len(b.retained))
	copy(out, b.retained)
	return out
}

// Len returns the number of retained steps.
func (b *StepBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.retained)
}
