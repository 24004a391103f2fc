package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/tapflow/internal/core"
	"github.com/hugo-lorenzo-mato/tapflow/internal/events"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

type recordingPersister struct {
	mu     sync.Mutex
	states []core.TaskState
	err    error
}

func (p *recordingPersister) PersistState(_ context.Context, _ core.SessionID, state core.TaskState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
	return p.err
}

func (p *recordingPersister) recorded() []core.TaskState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.TaskState(nil), p.states...)
}

func newTestMachine(persister core.StatePersister) *StateMachine {
	return NewStateMachine("sess-1", persister, nil, logging.NewNop())
}

func TestStateMachine_TransitionTable(t *testing.T) {
	allowed := map[core.TaskState][]core.TaskState{
		core.StateCreated:  {core.StateRunning, core.StateFailed},
		core.StateRunning:  {core.StateStopping, core.StateSuccess, core.StateFailed},
		core.StateStopping: {core.StateStopped, core.StateFailed},
		core.StateStopped:  {},
		core.StateSuccess:  {},
		core.StateFailed:   {},
		core.StateCrashed:  {},
	}

	for from, targets := range allowed {
		allowedSet := map[core.TaskState]bool{core.StateCrashed: true}
		for _, to := range targets {
			allowedSet[to] = true
		}

		for _, to := range core.AllStates {
			m := newTestMachine(nil)
			m.current = from

			got := m.TransitionTo(context.Background(), to)
			if want := allowedSet[to]; got != want {
				t.Errorf("transition %s -> %s = %v, want %v", from, to, got, want)
			}
			if got && m.State() != to {
				t.Errorf("after %s -> %s, state = %s", from, to, m.State())
			}
			if !got && m.State() != from {
				t.Errorf("rejected transition mutated state: %s", m.State())
			}
		}
	}
}

func TestStateMachine_CrashedFromAnywhere(t *testing.T) {
	for _, from := range core.AllStates {
		m := newTestMachine(nil)
		m.current = from
		if !m.TransitionTo(context.Background(), core.StateCrashed) {
			t.Errorf("CRASHED should be reachable from %s", from)
		}
	}
}

func TestStateMachine_PersistsEveryTransition(t *testing.T) {
	persister := &recordingPersister{}
	m := newTestMachine(persister)

	ctx := context.Background()
	m.TransitionTo(ctx, core.StateRunning)
	m.TransitionTo(ctx, core.StateSuccess)

	want := []core.TaskState{core.StateRunning, core.StateSuccess}
	got := persister.recorded()
	if len(got) != len(want) {
		t.Fatalf("persisted %d states, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("persisted[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStateMachine_NoRollbackOnPersistFailure(t *testing.T) {
	persister := &recordingPersister{err: errors.New("store down")}
	m := newTestMachine(persister)

	if !m.TransitionTo(context.Background(), core.StateRunning) {
		t.Fatal("transition should succeed despite persist failure")
	}
	if m.State() != core.StateRunning {
		t.Errorf("state = %s, want RUNNING", m.State())
	}
}

func TestStateMachine_PublishesStateChanged(t *testing.T) {
	bus := events.New(10)
	defer bus.Close()
	ch := bus.Subscribe(events.TypeStateChanged)

	m := NewStateMachine("sess-1", nil, bus, logging.NewNop())
	m.TransitionTo(context.Background(), core.StateRunning)

	select {
	case e := <-ch:
		changed := e.(events.StateChangedEvent)
		if changed.OldState != "CREATED" || changed.NewState != "RUNNING" {
			t.Errorf("event = %s -> %s", changed.OldState, changed.NewState)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for state changed event")
	}
}
