package events

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	got := make(chan Event, 1)
	bus.Subscribe(EventRetryCeiling, func(e Event) {
		got <- e
	})

	bus.Publish(EventRetryCeiling, map[string]interface{}{"task_id": "session_x"})

	select {
	case e := <-got:
		if e.Data["task_id"] != "session_x" {
			t.Errorf("data: got %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var count int64
	unsub := bus.Subscribe(EventCycleCompleted, func(Event) {
		atomic.AddInt64(&count, 1)
	})

	bus.Publish(EventCycleCompleted, nil)
	time.Sleep(50 * time.Millisecond)
	unsub()
	bus.Publish(EventCycleCompleted, nil)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt64(&count) != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestBus_PanickingSubscriberDoesNotKillBus(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	bus.Subscribe(EventTaskRemediated, func(Event) {
		panic("subscriber bug")
	})
	ok := make(chan struct{}, 1)
	bus.Subscribe(EventTaskRemediated, func(Event) {
		ok <- struct{}{}
	})

	bus.Publish(EventTaskRemediated, nil)

	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber starved by panicking one")
	}
}
