package engine

import (
	"context"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/events"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
	"github.com/hugo-lorenzo-mato/tapflow/internal/testutil"
)

func newTestExecutor(t *testing.T, stores *testutil.Stores, opts ...ExecutorOption) (*Executor, *core.Task) {
	t.Helper()
	task := testutil.MakeTask("test task")
	exec := NewExecutor(task, stores.Tasks, stores.Steps, stores.Backups, nil, logging.NewNop(), opts...)
	return exec, task
}

func TestExecutor_StartPersistsAndBacksUp(t *testing.T) {
	stores := testutil.NewStores(t)
	ctx := context.Background()

	exec, task := newTestExecutor(t, stores)
	if err := exec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if exec.State() != core.StateRunning {
		t.Errorf("state = %s, want RUNNING", exec.State())
	}

	stored, err := stores.Tasks.GetTask(ctx, task.SessionID)
	if err != nil {
		t.Fatalf("getting task: %v", err)
	}
	if stored.State != core.StateRunning {
		t.Errorf("stored state = %s, want RUNNING", stored.State)
	}
	if !stores.Backups.HasBackup(task.SessionID) {
		t.Error("task backup should exist after start")
	}
}

func TestExecutor_CompletionFinalizes(t *testing.T) {
	stores := testutil.NewStores(t)
	ctx := context.Background()

	exec, task := newTestExecutor(t, stores)
	if exec.Elapsed() != 0 {
		t.Error("elapsed should be zero before start")
	}
	if err := exec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if exec.Elapsed() <= 0 {
		t.Error("elapsed should be positive after start")
	}

	for i := 1; i <= 4; i++ {
		exec.OnStepCompleted(ctx, testutil.MakeStep(task.SessionID, i))
	}
	if err := exec.OnTaskCompleted(ctx, true, ""); err != nil {
		t.Fatalf("completing: %v", err)
	}

	stored, err := stores.Tasks.GetTask(ctx, task.SessionID)
	if err != nil {
		t.Fatalf("getting task: %v", err)
	}
	if stored.State != core.StateSuccess {
		t.Errorf("state = %s, want SUCCESS", stored.State)
	}
	if stored.TotalSteps != 4 {
		t.Errorf("total_steps = %d, want 4", stored.TotalSteps)
	}
	if stored.TotalTime <= 0 {
		t.Errorf("total_time = %f, want > 0", stored.TotalTime)
	}
	if stores.Backups.HasBackup(task.SessionID) {
		t.Error("backups should be cleaned up after finalization")
	}
}

func TestExecutor_StopRunsGraceThenFinalizes(t *testing.T) {
	stores := testutil.NewStores(t)
	ctx := context.Background()

	runner := testutil.NewStubRunner()
	exec, task := newTestExecutor(t, stores,
		WithRunner(runner),
		WithGraceDelay(20*time.Millisecond))
	if err := exec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	exec.OnStepCompleted(ctx, testutil.MakeStep(task.SessionID, 1))

	if err := exec.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !runner.Canceled() {
		t.Error("runner should be cancelled on stop")
	}
	if exec.State() != core.StateStopping {
		t.Errorf("state immediately after stop = %s, want STOPPING", exec.State())
	}

	// Steps arriving after the stop request are dropped.
	exec.OnStepCompleted(ctx, testutil.MakeStep(task.SessionID, 2))

	deadline := time.After(2 * time.Second)
	for exec.State() != core.StateStopped {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for STOPPED, state = %s", exec.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	stored, err := stores.Tasks.GetTask(ctx, task.SessionID)
	if err != nil {
		t.Fatalf("getting task: %v", err)
	}
	if stored.State != core.StateStopped {
		t.Errorf("stored state = %s, want STOPPED", stored.State)
	}
	if stored.TotalSteps != 1 {
		t.Errorf("total_steps = %d, want 1 (post-stop step dropped)", stored.TotalSteps)
	}
}

func TestExecutor_StopWithoutRunningFails(t *testing.T) {
	stores := testutil.NewStores(t)

	exec, _ := newTestExecutor(t, stores)
	if err := exec.Stop(context.Background()); err == nil {
		t.Error("stop before start should fail")
	}
}

func TestExecutor_FailureOutcome(t *testing.T) {
	stores := testutil.NewStores(t)
	ctx := context.Background()

	exec, task := newTestExecutor(t, stores)
	if err := exec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := exec.OnTaskCompleted(ctx, false, "element not found"); err != nil {
		t.Fatalf("completing: %v", err)
	}

	stored, err := stores.Tasks.GetTask(ctx, task.SessionID)
	if err != nil {
		t.Fatalf("getting task: %v", err)
	}
	if stored.State != core.StateFailed {
		t.Errorf("state = %s, want FAILED", stored.State)
	}
	if stored.ErrorMessage != "element not found" {
		t.Errorf("error_message = %q", stored.ErrorMessage)
	}
}

func TestExecutor_FinalizePublishesPriorityEvent(t *testing.T) {
	stores := testutil.NewStores(t)
	ctx := context.Background()

	bus := events.New(10)
	defer bus.Close()
	finalCh := bus.SubscribePriority()

	task := testutil.MakeTask("event task")
	exec := NewExecutor(task, stores.Tasks, stores.Steps, stores.Backups, bus, logging.NewNop())
	if err := exec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- exec.OnTaskCompleted(ctx, true, "") }()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-finalCh:
			if e.EventType() == events.TypeTaskFinalized {
				if err := <-done; err != nil {
					t.Fatalf("completing: %v", err)
				}
				final := e.(events.TaskFinalizedEvent)
				if final.FinalState != string(core.StateSuccess) {
					t.Errorf("final state = %s, want SUCCESS", final.FinalState)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for task finalized event")
		}
	}
}

func TestExecutor_ReleaseHookRunsOnce(t *testing.T) {
	stores := testutil.NewStores(t)
	ctx := context.Background()

	released := 0
	task := testutil.MakeTask("release")
	exec := NewExecutor(task, stores.Tasks, stores.Steps, stores.Backups, nil, logging.NewNop(),
		withOnRelease(func(core.SessionID) { released++ }))

	if err := exec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := exec.OnTaskCompleted(ctx, true, ""); err != nil {
		t.Fatalf("completing: %v", err)
	}
	// A second terminal event must not release twice.
	_ = exec.OnTaskCompleted(ctx, false, "late failure")

	if released != 1 {
		t.Errorf("release hook ran %d times, want 1", released)
	}
}
