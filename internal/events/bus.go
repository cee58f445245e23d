// Package events fans lifecycle events out to observers: registered callback
// functions for in-process metrics and channel subscribers for feeds like the
// SSE event stream. Dispatch never fails the request that produced the event;
// panicking callbacks and slow subscribers are counted and skipped.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// Subscriber receives events on a buffered channel. Events are dropped, not
// queued, when the channel is full.
type Subscriber struct {
	C    chan cascade.MetricEvent
	done chan struct{}
}

// Manager implements cascade.MetricSink: an in-process fan-out over callback
// functions and channel subscribers. Dispatch is synchronous and ordered with
// respect to any one request.
type Manager struct {
	mu          sync.RWMutex
	callbacks   []cascade.Callback
	subscribers map[*Subscriber]struct{}

	panics  atomic.Uint64 // callbacks that panicked
	dropped atomic.Uint64 // events dropped on full subscriber channels
}

// NewManager builds a manager with the given construction-time callbacks.
func NewManager(callbacks ...cascade.Callback) *Manager {
	return &Manager{
		callbacks:   callbacks,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Register adds a callback after construction.
func (m *Manager) Register(cb cascade.Callback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Subscribe creates a channel subscriber with the given buffer.
func (m *Manager) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan cascade.MetricEvent, bufSize),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	m.subscribers[s] = struct{}{}
	m.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber. In-flight dispatches are not cancelled;
// the channel stays open until they finish.
func (m *Manager) Unsubscribe(s *Subscriber) {
	m.mu.Lock()
	delete(m.subscribers, s)
	m.mu.Unlock()
	close(s.done)
}

// Emit dispatches one event to every callback and subscriber. Callback
// panics are recovered and counted; full subscriber channels drop the event.
func (m *Manager) Emit(e cascade.MetricEvent) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.callbacks {
		m.dispatch(cb, e)
	}
	for s := range m.subscribers {
		select {
		case s.C <- e:
		default:
			m.dropped.Add(1)
		}
	}
}

func (m *Manager) dispatch(cb cascade.Callback, e cascade.MetricEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
		}
	}()
	cb(e)
}

// PanicCount reports how many callback invocations panicked.
func (m *Manager) PanicCount() uint64 { return m.panics.Load() }

// DroppedCount reports how many events were dropped on full channels.
func (m *Manager) DroppedCount() uint64 { return m.dropped.Load() }

// SubscriberCount returns the number of active channel subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}
