package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

func openTestRepos(t *testing.T) (*TaskRepository, *StepRepository) {
	t.Helper()
	pool, err := OpenPool(DefaultPoolConfig(filepath.Join(t.TempDir(), "tasks.db")))
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	logger := logging.NewNop()
	return NewTaskRepository(pool, logger), NewStepRepository(pool, logger)
}

func makeTask(description string) *core.Task {
	return core.NewTask(description, "test_user")
}

func TestTaskRepository_CreateAndGet(t *testing.T) {
	tasks, _ := openTestRepos(t)
	ctx := context.Background()

	task := makeTask("open the settings app")
	task.DeviceID = "emulator-5554"
	task.ModelName = "vision-v2"

	id, err := tasks.CreateTask(ctx, task)
	if err != nil {
		t.Fatalf("creating: %v", err)
	}
	if id != task.SessionID {
		t.Errorf("returned id = %s, want %s", id, task.SessionID)
	}

	got, err := tasks.GetTask(ctx, task.SessionID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.State != core.StateCreated {
		t.Errorf("state = %s, want CREATED", got.State)
	}
	if got.Description != task.Description {
		t.Errorf("description = %q", got.Description)
	}
	if got.DeviceID != "emulator-5554" || got.ModelName != "vision-v2" {
		t.Errorf("device/model = %q/%q", got.DeviceID, got.ModelName)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("updated_at should be set")
	}
}

func TestTaskRepository_CreateDuplicateFails(t *testing.T) {
	tasks, _ := openTestRepos(t)
	ctx := context.Background()

	task := makeTask("dup")
	if _, err := tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := tasks.CreateTask(ctx, task); err == nil {
		t.Error("duplicate session ID should fail")
	}
}

func TestTaskRepository_UpdateTaskState(t *testing.T) {
	tasks, _ := openTestRepos(t)
	ctx := context.Background()

	task := makeTask("state updates")
	if _, err := tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("creating: %v", err)
	}

	if err := tasks.UpdateTaskState(ctx, task.SessionID, core.StateRunning); err != nil {
		t.Fatalf("updating: %v", err)
	}
	got, err := tasks.GetTask(ctx, task.SessionID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.State != core.StateRunning {
		t.Errorf("state = %s, want RUNNING", got.State)
	}

	err = tasks.UpdateTaskState(ctx, "missing-session", core.StateRunning)
	if !core.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestTaskRepository_CrashedPreservesPriorState(t *testing.T) {
	tasks, _ := openTestRepos(t)
	ctx := context.Background()

	task := makeTask("prior state")
	if _, err := tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("creating: %v", err)
	}
	for _, s := range []core.TaskState{core.StateRunning, core.StateSuccess, core.StateCrashed} {
		if err := tasks.UpdateTaskState(ctx, task.SessionID, s); err != nil {
			t.Fatalf("updating to %s: %v", s, err)
		}
	}

	got, err := tasks.GetTask(ctx, task.SessionID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.State != core.StateCrashed {
		t.Errorf("state = %s, want CRASHED", got.State)
	}
	if got.PriorState != core.StateSuccess {
		t.Errorf("prior_state = %s, want SUCCESS", got.PriorState)
	}

	// Overwriting a non-terminal state records no prior state.
	other := makeTask("running crash")
	if _, err := tasks.CreateTask(ctx, other); err != nil {
		t.Fatalf("creating: %v", err)
	}
	_ = tasks.UpdateTaskState(ctx, other.SessionID, core.StateRunning)
	_ = tasks.UpdateTaskState(ctx, other.SessionID, core.StateCrashed)
	got, _ = tasks.GetTask(ctx, other.SessionID)
	if got.PriorState != "" {
		t.Errorf("prior_state = %s, want empty", got.PriorState)
	}
}

func TestTaskRepository_FinalizeTask(t *testing.T) {
	tasks, _ := openTestRepos(t)
	ctx := context.Background()

	task := makeTask("finalize")
	if _, err := tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("creating: %v", err)
	}
	_ = tasks.UpdateTaskState(ctx, task.SessionID, core.StateRunning)

	elapsed := 3*time.Second + 500*time.Millisecond
	if err := tasks.FinalizeTask(ctx, task.SessionID, core.StateSuccess, 7, elapsed, ""); err != nil {
		t.Fatalf("finalizing: %v", err)
	}

	got, err := tasks.GetTask(ctx, task.SessionID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.State != core.StateSuccess {
		t.Errorf("state = %s, want SUCCESS", got.State)
	}
	if got.TotalSteps != 7 {
		t.Errorf("total_steps = %d, want 7", got.TotalSteps)
	}
	if got.TotalTime < 3.4 || got.TotalTime > 3.6 {
		t.Errorf("total_time = %f, want ~3.5", got.TotalTime)
	}

	// Missing rows are tolerated: recovery finalizes reconstructed tasks.
	if err := tasks.FinalizeTask(ctx, "missing-session", core.StateCrashed, 0, 0, "gone"); err != nil {
		t.Errorf("finalize of missing row should not fail: %v", err)
	}
}

func TestTaskRepository_FindTasksByStates(t *testing.T) {
	tasks, _ := openTestRepos(t)
	ctx := context.Background()

	states := []core.TaskState{core.StateRunning, core.StateStopping, core.StateSuccess}
	for _, s := range states {
		task := makeTask("task in " + string(s))
		if _, err := tasks.CreateTask(ctx, task); err != nil {
			t.Fatalf("creating: %v", err)
		}
		if err := tasks.UpdateTaskState(ctx, task.SessionID, s); err != nil {
			t.Fatalf("updating: %v", err)
		}
	}

	active, err := tasks.FindTasksByStates(ctx, core.ActiveStates)
	if err != nil {
		t.Fatalf("finding: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active tasks = %d, want 2", len(active))
	}
	for _, task := range active {
		if !task.State.IsActive() {
			t.Errorf("unexpected state %s", task.State)
		}
	}

	none, err := tasks.FindTasksByStates(ctx, []core.TaskState{core.StateCrashed})
	if err != nil {
		t.Fatalf("finding: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("crashed tasks = %d, want 0", len(none))
	}
}

func TestTaskRepository_ListTasksOrdersByUpdate(t *testing.T) {
	tasks, _ := openTestRepos(t)
	ctx := context.Background()

	first := makeTask("first")
	second := makeTask("second")
	if _, err := tasks.CreateTask(ctx, first); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := tasks.CreateTask(ctx, second); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	// Touch the first task so it becomes the most recently updated.
	if err := tasks.UpdateTaskState(ctx, first.SessionID, core.StateRunning); err != nil {
		t.Fatal(err)
	}

	list, err := tasks.ListTasks(ctx)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %d tasks, want 2", len(list))
	}
	if list[0].SessionID != first.SessionID {
		t.Errorf("most recently updated should come first, got %s", list[0].SessionID)
	}
}
