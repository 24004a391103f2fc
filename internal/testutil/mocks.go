package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
)

// FlakyStepStore wraps a StepStore and fails InsertStep while Failing is set.
// Used to drive write-through fallback paths.
type FlakyStepStore struct {
	core.StepStore

	mu      sync.Mutex
	failing bool
	inserts int
}

// NewFlakyStepStore wraps an inner step store.
func NewFlakyStepStore(inner core.StepStore) *FlakyStepStore {
	return &FlakyStepStore{StepStore: inner}
}

// SetFailing toggles failure injection.
func (s *FlakyStepStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// InsertAttempts returns how many inserts were attempted.
func (s *FlakyStepStore) InsertAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

// InsertStep fails when failure injection is on, otherwise delegates.
func (s *FlakyStepStore) InsertStep(ctx context.Context, step *core.Step) error {
	s.mu.Lock()
	s.inserts++
	failing := s.failing
	s.mu.Unlock()

	if failing {
		return core.ErrStore("insert_failed", "injected store failure")
	}
	return s.StepStore.InsertStep(ctx, step)
}

// FailingBackupStore fails every write. Reads report nothing backed up.
type FailingBackupStore struct{}

func (FailingBackupStore) SaveTaskBackup(core.SessionID, *core.Task) error {
	return core.ErrStore("backup_unavailable", "injected backup failure")
}

func (FailingBackupStore) SaveStepBackup(core.SessionID, *core.Step) error {
	return core.ErrStore("backup_unavailable", "injected backup failure")
}

func (FailingBackupStore) RecoverFromBackup(core.SessionID) (*core.Task, []*core.Step, error) {
	return nil, nil, nil
}

func (FailingBackupStore) CleanupBackup(core.SessionID) error { return nil }

func (FailingBackupStore) ListBackupSessions() ([]core.SessionID, error) { return nil, nil }

func (FailingBackupStore) HasBackup(core.SessionID) bool { return false }

// StubRunner implements core.AgentRunner and records cancellation.
type StubRunner struct {
	mu        sync.Mutex
	canceled  bool
	CancelFn  func()
	CanceledC chan struct{}
}

// NewStubRunner creates a runner whose cancellation can be awaited.
func NewStubRunner() *StubRunner {
	return &StubRunner{CanceledC: make(chan struct{})}
}

// Cancel marks the runner canceled.
func (r *StubRunner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled {
		return
	}
	r.canceled = true
	if r.CancelFn != nil {
		r.CancelFn()
	}
	if r.CanceledC != nil {
		close(r.CanceledC)
	}
}

// Canceled reports whether Cancel was called.
func (r *StubRunner) Canceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// WaitCanceled blocks until Cancel is called or the timeout elapses.
func (r *StubRunner) WaitCanceled(timeout time.Duration) bool {
	select {
	case <-r.CanceledC:
		return true
	case <-time.After(timeout):
		return false
	}
}

var (
	_ core.StepStore   = (*FlakyStepStore)(nil)
	_ core.BackupStore = (FailingBackupStore{})
	_ core.AgentRunner = (*StubRunner)(nil)
)
