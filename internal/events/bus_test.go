package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()

	bus.Publish(NewStateChangedEvent("sess-1", "CREATED", "RUNNING"))

	select {
	case received := <-ch:
		if received.EventType() != TypeStateChanged {
			t.Errorf("expected %s, got %s", TypeStateChanged, received.EventType())
		}
		if received.SessionID() != "sess-1" {
			t.Errorf("expected sess-1, got %s", received.SessionID())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestBus_SubscribeByType(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	stepCh := bus.Subscribe(TypeStepRecorded, TypeStepFallback)
	allCh := bus.Subscribe()

	bus.Publish(NewStateChangedEvent("sess-1", "CREATED", "RUNNING"))
	bus.Publish(NewStepRecordedEvent("sess-1", 1, true))

	// allCh should receive both
	for i := 0; i < 2; i++ {
		select {
		case <-allCh:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("allCh should receive event %d", i)
		}
	}

	// stepCh should only receive the step event
	select {
	case received := <-stepCh:
		if received.EventType() != TypeStepRecorded {
			t.Errorf("expected step_recorded, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("stepCh should receive step event")
	}
	select {
	case e := <-stepCh:
		t.Errorf("stepCh received unexpected event %s", e.EventType())
	default:
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := New(2)
	defer bus.Close()

	ch := bus.Subscribe()

	for i := 0; i < 10; i++ {
		bus.Publish(NewStepRecordedEvent("sess-1", i, true))
	}

	if bus.DroppedCount() == 0 {
		t.Error("expected dropped events with full buffer")
	}

	// Ring buffer keeps the newest events.
	var last Event
	for {
		select {
		case e := <-ch:
			last = e
			continue
		default:
		}
		break
	}
	if last == nil {
		t.Fatal("expected at least one delivered event")
	}
	if got := last.(StepRecordedEvent).StepNum; got != 9 {
		t.Errorf("newest event step = %d, want 9", got)
	}
}

func TestBus_PriorityNeverDrops(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	ch := bus.SubscribePriority()

	var wg sync.WaitGroup
	received := make([]Event, 0, 60)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range ch {
			received = append(received, e)
			if len(received) == 60 {
				return
			}
		}
	}()

	for i := 0; i < 60; i++ {
		bus.PublishPriority(NewTaskFinalizedEvent(fmt.Sprintf("sess-%d", i), "SUCCESS", i, 1.5))
	}
	wg.Wait()

	if len(received) != 60 {
		t.Errorf("priority subscriber received %d events, want 60", len(received))
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	bus.Publish(NewStateChangedEvent("sess-1", "CREATED", "RUNNING"))

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := New(10)
	bus.Subscribe()
	bus.Close()

	// Must not panic.
	bus.Publish(NewStateChangedEvent("sess-1", "CREATED", "RUNNING"))
	bus.PublishPriority(NewTaskFinalizedEvent("sess-1", "SUCCESS", 1, 0.1))
	bus.Close()
}
