package health

import (
	"testing"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
)

func TestRecordSuccess(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("openai", 150.0)
	tr.RecordSuccess("openai", 200.0)

	s := tr.GetStats("openai")
	if s.TotalRequests != 2 {
		t.Errorf("expected 2 requests, got %d", s.TotalRequests)
	}
	if s.State != StateHealthy {
		t.Errorf("expected healthy, got %s", s.State)
	}
	if s.ConsecErrors != 0 {
		t.Errorf("expected 0 consec errors, got %d", s.ConsecErrors)
	}
}

func TestDegradedAfterErrors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordError("openai", "timeout")
	tr.RecordError("openai", "timeout")

	s := tr.GetStats("openai")
	if s.State != StateDegraded {
		t.Errorf("expected degraded after 2 errors, got %s", s.State)
	}
	if !tr.IsAvailable("openai") {
		t.Error("degraded provider should still be available")
	}
}

func TestDownAfterErrors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 5; i++ {
		tr.RecordError("openai", "server error")
	}

	s := tr.GetStats("openai")
	if s.State != StateDown {
		t.Errorf("expected down after 5 errors, got %s", s.State)
	}
	if tr.IsAvailable("openai") {
		t.Error("down provider should not be available during cooldown")
	}
}

func TestCooldownExpiry(t *testing.T) {
	cfg := TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     2,
		CooldownDuration:        10 * time.Millisecond,
	}
	tr := NewTracker(cfg)
	tr.RecordError("openai", "error1")
	tr.RecordError("openai", "error2")

	if tr.IsAvailable("openai") {
		t.Error("should be unavailable during cooldown")
	}

	time.Sleep(15 * time.Millisecond)

	if !tr.IsAvailable("openai") {
		t.Error("should be available after cooldown expires")
	}
}

func TestSuccessResetsErrors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordError("openai", "error1")
	tr.RecordError("openai", "error2")

	s := tr.GetStats("openai")
	if s.State != StateDegraded {
		t.Fatalf("expected degraded, got %s", s.State)
	}

	tr.RecordSuccess("openai", 100)

	s = tr.GetStats("openai")
	if s.State != StateHealthy {
		t.Errorf("expected healthy after success, got %s", s.State)
	}
	if s.ConsecErrors != 0 {
		t.Errorf("expected 0 consec errors after success, got %d", s.ConsecErrors)
	}
}

func TestUnknownProviderAvailable(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	if !tr.IsAvailable("unknown") {
		t.Error("unknown provider should be available by default")
	}
}

func TestAllStats(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("openai", 100)
	tr.RecordSuccess("anthropic", 200)
	tr.RecordError("vllm", "error")

	all := tr.AllStats()
	if len(all) != 3 {
		t.Errorf("expected 3 providers in AllStats, got %d", len(all))
	}
}

func TestGetStatsUnknown(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	s := tr.GetStats("nonexistent")
	if s.State != StateHealthy {
		t.Errorf("expected healthy for unknown provider, got %s", s.State)
	}
}

func TestErrorCountTracking(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("p1", 50)
	tr.RecordError("p1", "err1")
	tr.RecordError("p1", "err2")

	s := tr.GetStats("p1")
	if s.TotalRequests != 3 {
		t.Errorf("expected 3 total requests, got %d", s.TotalRequests)
	}
	if s.TotalErrors != 2 {
		t.Errorf("expected 2 total errors, got %d", s.TotalErrors)
	}
}

type transition struct {
	provider string
	from, to State
}

func TestOnChangeFiresOnTransitionsOnly(t *testing.T) {
	var seen []transition
	cfg := TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     4,
		CooldownDuration:        10 * time.Millisecond,
	}
	tr := NewTracker(cfg, WithOnChange(func(provider string, from, to State) {
		seen = append(seen, transition{provider, from, to})
	}))

	tr.RecordError("p1", "err1") // still healthy (1 < 2)
	if len(seen) != 0 {
		t.Fatalf("unexpected transition after first error: %+v", seen)
	}

	tr.RecordError("p1", "err2") // healthy -> degraded
	tr.RecordError("p1", "err3")
	tr.RecordError("p1", "err4") // degraded -> down
	time.Sleep(15 * time.Millisecond)
	tr.RecordSuccess("p1", 50) // down -> healthy

	want := []transition{
		{"p1", StateHealthy, StateDegraded},
		{"p1", StateDegraded, StateDown},
		{"p1", StateDown, StateHealthy},
	}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %+v, want %+v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestCallbackFeedsTrackerFromModelCallEvents(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	cb := tr.Callback()

	cb(cascade.MetricEvent{Type: cascade.MetricModelCallComplete, Data: map[string]any{
		"provider": "openai", "model": "mini", "latency_ms": int64(120),
	}})
	cb(cascade.MetricEvent{Type: cascade.MetricModelCallError, Data: map[string]any{
		"provider": "openai", "model": "mini", "error": "status 500",
	}})
	// query events and events without a provider are ignored
	cb(cascade.MetricEvent{Type: cascade.MetricQueryComplete, Data: map[string]any{}})
	cb(cascade.MetricEvent{Type: cascade.MetricModelCallError, Data: map[string]any{}})

	s := tr.GetStats("openai")
	if s.TotalRequests != 2 || s.TotalErrors != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.AvgLatencyMs != 120 {
		t.Errorf("avg latency = %v, want 120", s.AvgLatencyMs)
	}
	if s.LastError != "status 500" {
		t.Errorf("last error = %q", s.LastError)
	}
}
