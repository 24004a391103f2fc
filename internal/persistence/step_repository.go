package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

// StepRepository manages step rows in the primary store.
type StepRepository struct {
	pool   *Pool
	logger *logging.Logger
}

// NewStepRepository creates a step repository backed by the pool.
func NewStepRepository(pool *Pool, logger *logging.Logger) *StepRepository {
	return &StepRepository{
		pool:   pool,
		logger: logger.WithComponent("step_repository"),
	}
}

const insertStepSQL = `
	INSERT INTO steps (
		session_id, step_num, screenshot_path, screenshot_analysis,
		action, action_params, execution_time, success, message, thinking
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (session_id, step_num) DO NOTHING
`

// InsertStep writes one step. Re-inserting an existing (session_id,
// step_num) pair leaves exactly one row and does not fail.
func (r *StepRepository) InsertStep(ctx context.Context, step *core.Step) error {
	err := withRetry(ctx, r.logger, "insert_step", func() error {
		conn, err := r.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer r.pool.Release(conn)

		_, err = conn.ExecContext(ctx, insertStepSQL, stepArgs(step)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting step %d of session %s: %w", step.StepNum, step.SessionID, err)
	}

	r.logger.Debug("inserted step", "session_id", step.SessionID, "step_num", step.StepNum)
	return nil
}

// BatchInsertSteps writes several steps in one transaction. Used by crash
// recovery when merging backup steps.
func (r *StepRepository) BatchInsertSteps(ctx context.Context, steps []*core.Step) error {
	if len(steps) == 0 {
		return nil
	}

	err := withRetry(ctx, r.logger, "batch_insert_steps", func() error {
		conn, err := r.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer r.pool.Release(conn)

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, insertStepSQL, stepArgs(step)...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("batch inserting %d steps: %w", len(steps), err)
	}

	r.logger.Info("batch inserted steps", "count", len(steps))
	return nil
}

// StepExists reports whether the idempotency key is already present.
func (r *StepRepository) StepExists(ctx context.Context, sessionID core.SessionID, stepNum int) (bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer r.pool.Release(conn)

	var one int
	err = conn.QueryRowContext(ctx, `
		SELECT 1 FROM steps
		WHERE session_id = ? AND step_num = ?
	`, sessionID, stepNum).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking step %d of session %s: %w", stepNum, sessionID, err)
	}
	return true, nil
}

// GetStepsForSession returns all steps of a session ordered by step number.
func (r *StepRepository) GetStepsForSession(ctx context.Context, sessionID core.SessionID) ([]*core.Step, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(conn)

	rows, err := conn.QueryContext(ctx, `
		SELECT session_id, step_num, screenshot_path, screenshot_analysis,
		       action, action_params, execution_time, success, message, thinking
		FROM steps
		WHERE session_id = ?
		ORDER BY step_num
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading steps of session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var steps []*core.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating steps: %w", err)
	}
	return steps, nil
}

// CountStepsForSession returns the number of persisted steps for a session.
func (r *StepRepository) CountStepsForSession(ctx context.Context, sessionID core.SessionID) (int, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer r.pool.Release(conn)

	var count int
	err = conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM steps WHERE session_id = ?
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting steps of session %s: %w", sessionID, err)
	}
	return count, nil
}

func stepArgs(step *core.Step) []any {
	successInt := 0
	if step.Success {
		successInt = 1
	}
	return []any{
		step.SessionID, step.StepNum,
		nullableString(step.ScreenshotPath),
		nullableString(step.ScreenshotAnalysis),
		nullableString(string(step.Action)),
		nullableString(string(step.ActionParams)),
		step.ExecutionTime, successInt,
		step.Message, nullableString(step.Thinking),
	}
}

func scanStep(rows *sql.Rows) (*core.Step, error) {
	var step core.Step
	var screenshotPath, screenshotAnalysis sql.NullString
	var action, actionParams, thinking, message sql.NullString
	var executionTime sql.NullFloat64
	var success int

	err := rows.Scan(
		&step.SessionID, &step.StepNum, &screenshotPath, &screenshotAnalysis,
		&action, &actionParams, &executionTime, &success, &message, &thinking,
	)
	if err != nil {
		return nil, err
	}

	step.ScreenshotPath = screenshotPath.String
	step.ScreenshotAnalysis = screenshotAnalysis.String
	if action.Valid {
		step.Action = json.RawMessage(action.String)
	}
	if actionParams.Valid {
		step.ActionParams = json.RawMessage(actionParams.String)
	}
	if executionTime.Valid {
		step.ExecutionTime = executionTime.Float64
	}
	step.Success = success != 0
	step.Message = message.String
	step.Thinking = thinking.String
	return &step, nil
}

// Verify that StepRepository implements core.StepStore.
var _ core.StepStore = (*StepRepository)(nil)
