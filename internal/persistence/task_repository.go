package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

// TaskRepository manages task rows in the primary store.
type TaskRepository struct {
	pool   *Pool
	logger *logging.Logger
}

// NewTaskRepository creates a task repository backed by the pool.
func NewTaskRepository(pool *Pool, logger *logging.Logger) *TaskRepository {
	return &TaskRepository{
		pool:   pool,
		logger: logger.WithComponent("task_repository"),
	}
}

const taskColumns = `session_id, user_id, timestamp, description, state,
       total_steps, total_time, error_message, prior_state,
       device_id, endpoint, model_name, updated_at`

// CreateTask inserts a new task row. Append-only: an existing session ID is
// a definitive error, never retried into an upsert.
func (r *TaskRepository) CreateTask(ctx context.Context, task *core.Task) (core.SessionID, error) {
	err := withRetry(ctx, r.logger, "create_task", func() error {
		conn, err := r.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer r.pool.Release(conn)

		_, err = conn.ExecContext(ctx, `
			INSERT INTO tasks (
				session_id, user_id, timestamp, description, state,
				total_steps, total_time, error_message, prior_state,
				device_id, endpoint, model_name, updated_at
			) VALUES (?, ?, ?, ?, ?, 0, NULL, NULL, NULL, ?, ?, ?, ?)
		`,
			task.SessionID, nullableString(task.UserID), task.Timestamp,
			nullableString(task.Description), string(core.StateCreated),
			nullableString(task.DeviceID), nullableString(task.Endpoint),
			nullableString(task.ModelName), time.Now(),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("creating task %s: %w", task.SessionID, err)
	}

	r.logger.Info("created task record", "session_id", task.SessionID)
	return task.SessionID, nil
}

// UpdateTaskState updates only the state column. When CRASHED overwrites a
// terminal state, the terminal outcome is preserved in prior_state.
func (r *TaskRepository) UpdateTaskState(ctx context.Context, sessionID core.SessionID, state core.TaskState) error {
	err := withRetry(ctx, r.logger, "update_task_state", func() error {
		conn, err := r.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer r.pool.Release(conn)

		res, err := conn.ExecContext(ctx, `
			UPDATE tasks
			SET prior_state = CASE
			        WHEN ?1 = 'CRASHED' AND state IN ('STOPPED', 'SUCCESS', 'FAILED')
			        THEN state ELSE prior_state END,
			    state = ?1,
			    updated_at = ?2
			WHERE session_id = ?3
		`, string(state), time.Now(), sessionID)
		if err != nil {
			return err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return core.ErrNotFound("task_not_found",
				fmt.Sprintf("task %s not found", sessionID))
		}
		return nil
	})
	if err != nil {
		if core.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("updating state of task %s: %w", sessionID, err)
	}

	r.logger.Debug("updated task state", "session_id", sessionID, "state", state)
	return nil
}

// FinalizeTask writes the terminal state with step count and elapsed time.
// Tolerant of a missing row so recovery can finalize reconstructed tasks.
func (r *TaskRepository) FinalizeTask(ctx context.Context, sessionID core.SessionID, state core.TaskState, totalSteps int, totalTime time.Duration, errMsg string) error {
	err := withRetry(ctx, r.logger, "finalize_task", func() error {
		conn, err := r.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer r.pool.Release(conn)

		res, err := conn.ExecContext(ctx, `
			UPDATE tasks
			SET prior_state = CASE
			        WHEN ?1 = 'CRASHED' AND state IN ('STOPPED', 'SUCCESS', 'FAILED')
			        THEN state ELSE prior_state END,
			    state = ?1,
			    total_steps = ?2,
			    total_time = ?3,
			    error_message = ?4,
			    updated_at = ?5
			WHERE session_id = ?6
		`,
			string(state), totalSteps, totalTime.Seconds(),
			nullableString(errMsg), time.Now(), sessionID,
		)
		if err != nil {
			return err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			r.logger.Warn("task not found during finalization", "session_id", sessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalizing task %s: %w", sessionID, err)
	}

	r.logger.Info("finalized task",
		"session_id", sessionID,
		"state", state,
		"total_steps", totalSteps,
		"total_time", totalTime.Round(10*time.Millisecond))
	return nil
}

// FindTasksByStates returns all tasks currently in one of the given states.
func (r *TaskRepository) FindTasksByStates(ctx context.Context, states []core.TaskState) ([]*core.Task, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(conn)

	rows, err := conn.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("finding tasks by states: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// GetTask returns one task or a not-found error.
func (r *TaskRepository) GetTask(ctx context.Context, sessionID core.SessionID) (*core.Task, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(conn)

	row := conn.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE session_id = ?
	`, sessionID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("task_not_found",
			fmt.Sprintf("task %s not found", sessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", sessionID, err)
	}
	return task, nil
}

// ListTasks returns all tasks ordered by most recently updated.
func (r *TaskRepository) ListTasks(ctx context.Context) ([]*core.Task, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(conn)

	rows, err := conn.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*core.Task, error) {
	var task core.Task
	var userID, description, errorMessage, priorState sql.NullString
	var deviceID, endpoint, modelName sql.NullString
	var timestamp, updatedAt sql.NullTime
	var totalTime sql.NullFloat64
	var state string

	err := s.Scan(
		&task.SessionID, &userID, &timestamp, &description, &state,
		&task.TotalSteps, &totalTime, &errorMessage, &priorState,
		&deviceID, &endpoint, &modelName, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.State = core.TaskState(state)
	task.UserID = userID.String
	task.Description = description.String
	task.ErrorMessage = errorMessage.String
	task.PriorState = core.TaskState(priorState.String)
	task.DeviceID = deviceID.String
	task.Endpoint = endpoint.String
	task.ModelName = modelName.String
	if timestamp.Valid {
		task.Timestamp = timestamp.Time
	}
	if updatedAt.Valid {
		task.UpdatedAt = updatedAt.Time
	}
	if totalTime.Valid {
		task.TotalTime = totalTime.Float64
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Verify that TaskRepository implements core.TaskStore.
var _ core.TaskStore = (*TaskRepository)(nil)
