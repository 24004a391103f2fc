// Package testutil provides shared fixtures for store and engine tests: a
// real temp-file SQLite stack plus failure-injecting store mocks.
package testutil

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/tapflow/internal/backup"
	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
	"github.com/hugo-lorenzo-mato/tapflow/internal/persistence"
)

// OpenTestPool opens a migrated store under a test temp directory.
func OpenTestPool(t *testing.T) *persistence.Pool {
	t.Helper()
	pool, err := persistence.OpenPool(persistence.DefaultPoolConfig(
		filepath.Join(t.TempDir(), "tasks.db")))
	if err != nil {
		t.Fatalf("opening test pool: %v", err)
	}
	t.Cleanup(func() {
		_ = pool.Close()
	})
	return pool
}

// Stores bundles the persistence stack built on one temp database.
type Stores struct {
	Pool    *persistence.Pool
	Tasks   *persistence.TaskRepository
	Steps   *persistence.StepRepository
	Backups *backup.Manager
}

// NewStores wires repositories and a backup manager over temp directories.
func NewStores(t *testing.T) *Stores {
	t.Helper()
	pool := OpenTestPool(t)
	logger := logging.NewNop()

	backups, err := backup.NewManager(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("opening backup manager: %v", err)
	}

	return &Stores{
		Pool:    pool,
		Tasks:   persistence.NewTaskRepository(pool, logger),
		Steps:   persistence.NewStepRepository(pool, logger),
		Backups: backups,
	}
}

// MakeTask builds a task with deterministic fields for assertions.
func MakeTask(description string) *core.Task {
	task := core.NewTask(description, "test_user")
	task.Timestamp = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return task
}

// MakeStep builds a successful step for the session.
func MakeStep(sessionID core.SessionID, num int) *core.Step {
	return &core.Step{
		SessionID:     sessionID,
		StepNum:       num,
		Action:        json.RawMessage(`{"type":"tap"}`),
		ActionParams:  json.RawMessage(fmt.Sprintf(`{"x":%d,"y":%d}`, num*10, num*20)),
		ExecutionTime: 0.25,
		Success:       true,
		Message:       fmt.Sprintf("step %d ok", num),
	}
}
