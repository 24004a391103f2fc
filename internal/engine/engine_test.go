package engine

import (
	"context"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
	"github.com/hugo-lorenzo-mato/tapflow/internal/testutil"
)

func newTestEngine(stores *testutil.Stores) *Engine {
	return New(stores.Tasks, stores.Steps, stores.Backups, nil, logging.NewNop(),
		WithStopGraceDelay(10*time.Millisecond))
}

func TestEngine_StartAndStopTask(t *testing.T) {
	stores := testutil.NewStores(t)
	ctx := context.Background()

	eng := newTestEngine(stores)
	task := testutil.MakeTask("registry task")
	runner := testutil.NewStubRunner()

	exec, err := eng.StartTask(ctx, task, runner)
	if err != nil {
		t.Fatalf("starting: %v", err)
	}
	if got := eng.ActiveSessions(); len(got) != 1 || got[0] != task.SessionID {
		t.Fatalf("active sessions = %v", got)
	}
	if found, ok := eng.Executor(task.SessionID); !ok || found != exec {
		t.Error("executor lookup failed")
	}

	if err := eng.StopTask(ctx, task.SessionID); err != nil {
		t.Fatalf("stopping: %v", err)
	}
	if !runner.WaitCanceled(time.Second) {
		t.Error("runner should be cancelled")
	}

	deadline := time.After(2 * time.Second)
	for len(eng.ActiveSessions()) != 0 {
		select {
		case <-deadline:
			t.Fatal("session not deregistered after stop")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngine_RejectsDuplicateSession(t *testing.T) {
	stores := testutil.NewStores(t)
	ctx := context.Background()

	eng := newTestEngine(stores)
	task := testutil.MakeTask("dup")

	if _, err := eng.StartTask(ctx, task, nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := eng.StartTask(ctx, task, nil); err == nil {
		t.Error("second start with same session should fail")
	}
}

func TestEngine_StopUnknownSession(t *testing.T) {
	stores := testutil.NewStores(t)
	eng := newTestEngine(stores)

	if err := eng.StopTask(context.Background(), "no-such-session"); err == nil {
		t.Error("stopping unknown session should fail")
	}
}

func TestEngine_ShutdownStopsActiveTasks(t *testing.T) {
	stores := testutil.NewStores(t)
	ctx := context.Background()

	eng := newTestEngine(stores)
	for i := 0; i < 3; i++ {
		task := testutil.MakeTask("shutdown task")
		if _, err := eng.StartTask(ctx, task, testutil.NewStubRunner()); err != nil {
			t.Fatalf("starting task %d: %v", i, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := eng.ActiveSessions(); len(got) != 0 {
		t.Errorf("sessions after shutdown = %v, want none", got)
	}
}
