package events

import (
	"sync"
	"testing"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
)

func TestEmitReachesCallbacksAndSubscribers(t *testing.T) {
	var mu sync.Mutex
	var seen []cascade.MetricEvent
	m := NewManager(func(e cascade.MetricEvent) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	sub := m.Subscribe(10)
	defer m.Unsubscribe(sub)

	m.Emit(cascade.MetricEvent{Type: cascade.MetricQueryStart, TraceID: "t1"})

	mu.Lock()
	if len(seen) != 1 || seen[0].TraceID != "t1" {
		t.Fatalf("callback saw %v", seen)
	}
	mu.Unlock()

	select {
	case e := <-sub.C:
		if e.Type != cascade.MetricQueryStart {
			t.Errorf("subscriber got %s", e.Type)
		}
		if e.At.IsZero() {
			t.Error("emit must stamp zero times")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestRegisterAddsCallbackLate(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var got int
	m.Register(func(cascade.MetricEvent) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	m.Emit(cascade.MetricEvent{Type: cascade.MetricQueryComplete})
	mu.Lock()
	defer mu.Unlock()
	if got != 1 {
		t.Fatalf("late callback saw %d events, want 1", got)
	}
}

func TestMultipleSubscribers(t *testing.T) {
	m := NewManager()
	sub1 := m.Subscribe(10)
	sub2 := m.Subscribe(10)
	defer m.Unsubscribe(sub1)
	defer m.Unsubscribe(sub2)

	m.Emit(cascade.MetricEvent{Type: cascade.MetricModelCallError})

	for i, sub := range []*Subscriber{sub1, sub2} {
		select {
		case e := <-sub.C:
			if e.Type != cascade.MetricModelCallError {
				t.Errorf("subscriber %d got %s", i, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager()
	sub := m.Subscribe(10)
	m.Unsubscribe(sub)

	if m.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0", m.SubscriberCount())
	}
	// Emitting after unsubscribe must not panic.
	m.Emit(cascade.MetricEvent{Type: cascade.MetricQueryStart})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	m := NewManager()
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	m.Emit(cascade.MetricEvent{Type: cascade.MetricQueryStart, TraceID: "kept"})
	m.Emit(cascade.MetricEvent{Type: cascade.MetricQueryStart, TraceID: "dropped"})

	if m.DroppedCount() != 1 {
		t.Errorf("dropped = %d, want 1", m.DroppedCount())
	}
	e := <-sub.C
	if e.TraceID != "kept" {
		t.Errorf("kept event = %s, want the first", e.TraceID)
	}
}

func TestPanickingCallbackIsCountedNotPropagated(t *testing.T) {
	var after int
	m := NewManager(
		func(cascade.MetricEvent) { panic("observer bug") },
		func(cascade.MetricEvent) { after++ },
	)

	m.Emit(cascade.MetricEvent{Type: cascade.MetricQueryStart})

	if m.PanicCount() != 1 {
		t.Errorf("panic count = %d, want 1", m.PanicCount())
	}
	if after != 1 {
		t.Error("a panicking callback must not starve the ones after it")
	}
}

func TestEmitConcurrent(t *testing.T) {
	m := NewManager()
	sub := m.Subscribe(1024)
	defer m.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Emit(cascade.MetricEvent{Type: cascade.MetricQueryStart})
			}
		}()
	}
	wg.Wait()

	delivered := len(sub.C) + int(m.DroppedCount())
	if delivered != 800 {
		t.Errorf("delivered+dropped = %d, want 800", delivered)
	}
}
