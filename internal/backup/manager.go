// Package backup implements the append-only side channel consulted by crash
// recovery. Two artifacts per session: a task-metadata document and a
// line-delimited step log.
package backup

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/fsutil"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

const (
	taskSuffix = "_task.json"
	stepSuffix = "_steps.jsonl"
)

// Manager stores backup artifacts in a flat directory, one task document
// plus one step log per session.
type Manager struct {
	dir    string
	logger *logging.Logger
}

// NewManager creates the backup directory if needed.
func NewManager(dir string, logger *logging.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	return &Manager{
		dir:    dir,
		logger: logger.WithComponent("backup"),
	}, nil
}

// Dir returns the backup directory path.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) taskPath(sessionID core.SessionID) string {
	return filepath.Join(m.dir, string(sessionID)+taskSuffix)
}

func (m *Manager) stepPath(sessionID core.SessionID) string {
	return filepath.Join(m.dir, string(sessionID)+stepSuffix)
}

// SaveTaskBackup overwrites the task document atomically.
func (m *Manager) SaveTaskBackup(sessionID core.SessionID, task *core.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling task backup: %w", err)
	}
	if err := atomicWriteFile(m.taskPath(sessionID), data, 0o600); err != nil {
		return fmt.Errorf("writing task backup: %w", err)
	}

	m.logger.Debug("saved task backup", "session_id", sessionID)
	return nil
}

// SaveStepBackup appends one line to the step log. Never rewrites.
func (m *Manager) SaveStepBackup(sessionID core.SessionID, step *core.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshaling step backup: %w", err)
	}

	f, err := os.OpenFile(m.stepPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening step log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending step backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing step log: %w", err)
	}

	m.logger.Debug("saved step backup", "session_id", sessionID, "step_num", step.StepNum)
	return nil
}

// RecoverFromBackup returns the task document (nil if absent) and all
// parseable step lines. Malformed lines are skipped, not fatal.
func (m *Manager) RecoverFromBackup(sessionID core.SessionID) (*core.Task, []*core.Step, error) {
	var task *core.Task

	// Session IDs can arrive from CLI arguments or HTTP paths; scoped reads
	// keep lookups inside the backup directory.
	taskData, err := fsutil.ReadFileScoped(m.taskPath(sessionID))
	switch {
	case err == nil:
		var t core.Task
		if err := json.Unmarshal(taskData, &t); err != nil {
			m.logger.Error("corrupt task backup", "session_id", sessionID, "error", err)
		} else {
			task = &t
		}
	case !os.IsNotExist(err):
		return nil, nil, fmt.Errorf("reading task backup: %w", err)
	}

	steps, err := m.readStepLog(sessionID)
	if err != nil {
		return task, nil, err
	}

	m.logger.Info("recovered backup",
		"session_id", sessionID,
		"has_task", task != nil,
		"steps", len(steps))
	return task, steps, nil
}

func (m *Manager) readStepLog(sessionID core.SessionID) ([]*core.Step, error) {
	f, err := fsutil.OpenScoped(m.stepPath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening step log: %w", err)
	}
	defer f.Close()

	var steps []*core.Step
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var step core.Step
		if err := json.Unmarshal([]byte(line), &step); err != nil {
			m.logger.Warn("skipping malformed step line",
				"session_id", sessionID, "error", err)
			continue
		}
		steps = append(steps, &step)
	}
	if err := sc.Err(); err != nil {
		return steps, fmt.Errorf("reading step log: %w", err)
	}
	return steps, nil
}

// CleanupBackup deletes both artifacts. Idempotent.
func (m *Manager) CleanupBackup(sessionID core.SessionID) error {
	var deleted []string
	for _, path := range []string{m.taskPath(sessionID), m.stepPath(sessionID)} {
		err := os.Remove(path)
		if err == nil {
			deleted = append(deleted, filepath.Base(path))
			continue
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("deleting backup artifact: %w", err)
		}
	}

	if len(deleted) > 0 {
		m.logger.Info("cleaned up backup", "session_id", sessionID, "artifacts", deleted)
	}
	return nil
}

// ListBackupSessions enumerates session IDs with a surviving artifact.
func (m *Manager) ListBackupSessions() ([]core.SessionID, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	seen := make(map[core.SessionID]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, taskSuffix):
			seen[core.SessionID(strings.TrimSuffix(name, taskSuffix))] = true
		case strings.HasSuffix(name, stepSuffix):
			seen[core.SessionID(strings.TrimSuffix(name, stepSuffix))] = true
		}
	}

	sessions := make([]core.SessionID, 0, len(seen))
	for id := range seen {
		sessions = append(sessions, id)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i] < sessions[j] })
	return sessions, nil
}

// HasBackup reports whether either artifact exists for the session.
func (m *Manager) HasBackup(sessionID core.SessionID) bool {
	for _, path := range []string{m.taskPath(sessionID), m.stepPath(sessionID)} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// Verify that Manager implements core.BackupStore.
var _ core.BackupStore = (*Manager)(nil)
