// Package health passively tracks provider health from pipeline events and
// optionally probes provider endpoints. Health state is reporting only; it
// is never consulted during routing.
package health

import (
	"sync"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// State represents the health state of a provider.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats captures runtime health metrics for a single provider.
type Stats struct {
	Provider      string    `json:"provider"`
	State         State     `json:"state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// TrackerConfig configures the health tracker thresholds.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: how many consecutive errors before degraded state.
	ConsecErrorsForDegraded int
	// ConsecErrorsForDown: how many consecutive errors before down state.
	ConsecErrorsForDown int
	// CooldownDuration: how long to keep a provider in down state.
	CooldownDuration time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker tracks runtime health of all providers.
type Tracker struct {
	cfg      TrackerConfig
	onChange func(provider string, from, to State)

	mu    sync.RWMutex
	stats map[string]*Stats
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithOnChange registers a callback invoked on every state transition.
func WithOnChange(fn func(provider string, from, to State)) TrackerOption {
	return func(t *Tracker) {
		t.onChange = fn
	}
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Callback returns the event consumer that feeds the tracker from pipeline
// model-call events. Register it with the event manager.
func (t *Tracker) Callback() cascade.Callback {
	return func(e cascade.MetricEvent) {
		provider, _ := e.Data["provider"].(string)
		if provider == "" {
			return
		}
		switch e.Type {
		case cascade.MetricModelCallComplete:
			latency, _ := e.Data["latency_ms"].(int64)
			t.RecordSuccess(provider, float64(latency))
		case cascade.MetricModelCallError:
			msg, _ := e.Data["error"].(string)
			t.RecordError(provider, msg)
		}
	}
}

// RecordSuccess records a successful request to a provider.
func (t *Tracker) RecordSuccess(provider string, latencyMs float64) {
	t.mu.Lock()

	s := t.getOrCreate(provider)
	oldState := s.State

	s.TotalRequests++
	s.ConsecErrors = 0
	s.LastSuccessAt = time.Now()
	s.State = StateHealthy
	s.CooldownUntil = time.Time{}

	// Running average (simple weighted).
	if s.TotalRequests == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}

	newState := s.State
	t.mu.Unlock()

	if oldState != newState && t.onChange != nil {
		t.onChange(provider, oldState, newState)
	}
}

// RecordError records a failed request to a provider.
func (t *Tracker) RecordError(provider string, errMsg string) {
	t.mu.Lock()

	s := t.getOrCreate(provider)
	oldState := s.State

	s.TotalRequests++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorTime = time.Now()

	if s.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		s.State = StateDown
		s.CooldownUntil = time.Now().Add(t.cfg.CooldownDuration)
	} else if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		s.State = StateDegraded
	}

	newState := s.State
	t.mu.Unlock()

	if oldState != newState && t.onChange != nil {
		t.onChange(provider, oldState, newState)
	}
}

// IsAvailable returns whether a provider is currently past its cooldown.
func (t *Tracker) IsAvailable(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[provider]
	if !ok {
		return true // unknown provider is assumed available
	}
	if s.State == StateDown && time.Now().Before(s.CooldownUntil) {
		return false
	}
	return true
}

// GetStats returns a copy of the health stats for a provider.
func (t *Tracker) GetStats(provider string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[provider]
	if !ok {
		return &Stats{Provider: provider, State: StateHealthy}
	}
	cp := *s
	return &cp
}

// AllStats returns a copy of health stats for all known providers.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	return result
}

// ErrorRate returns the error rate for a provider.
func (t *Tracker) ErrorRate(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[provider]; ok && s.TotalRequests > 0 {
		return float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	return 0
}

func (t *Tracker) getOrCreate(provider string) *Stats {
	s, ok := t.stats[provider]
	if !ok {
		s = &Stats{Provider: provider, State: StateHealthy}
		t.stats[provider] = s
	}
	return s
}
