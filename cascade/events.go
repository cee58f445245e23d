package cascade

import "time"

// EventType tags a StreamEvent variant.
type EventType string

const (
	EventRouting          EventType = "routing"
	EventChunk            EventType = "chunk"
	EventDraftDecision    EventType = "draft_decision"
	EventSwitch           EventType = "switch"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallDelta    EventType = "tool_call_delta"
	EventToolCallComplete EventType = "tool_call_complete"
	EventToolExecuting    EventType = "tool_executing"
	EventToolResult       EventType = "tool_result"
	EventToolError        EventType = "tool_error"
	EventComplete         EventType = "complete"
	EventError            EventType = "error"
)

// StreamEvent is one element of a streamed run. Consumers must treat unknown
// event types as no-ops.
type StreamEvent struct {
	Type    EventType      `json:"type"`
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Terminal reports whether this event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// MetricEventType tags an in-process lifecycle event.
type MetricEventType string

const (
	MetricQueryStart         MetricEventType = "query_start"
	MetricComplexityDetected MetricEventType = "complexity_detected"
	MetricStrategySelected   MetricEventType = "strategy_selected"
	MetricModelCallStart     MetricEventType = "model_call_start"
	MetricModelCallComplete  MetricEventType = "model_call_complete"
	MetricModelCallError     MetricEventType = "model_call_error"
	MetricCascadeDecision    MetricEventType = "cascade_decision"
	MetricCacheHit           MetricEventType = "cache_hit"
	MetricCacheMiss          MetricEventType = "cache_miss"
	MetricQueryComplete      MetricEventType = "query_complete"
	MetricQueryError         MetricEventType = "query_error"
)

// MetricEvent is the unit fanned out to observability callbacks. Dispatch is
// in-process and ordered per trace; subscriber panics are counted, never
// propagated.
type MetricEvent struct {
	Type    MetricEventType `json:"type"`
	TraceID string          `json:"trace_id"`
	At      time.Time       `json:"at"`
	Data    map[string]any  `json:"data,omitempty"`
}

// Callback receives lifecycle events. Callbacks must not block; long work is
// the subscriber's responsibility to offload.
type Callback func(MetricEvent)

// MetricSink accepts lifecycle events from the pipeline. The events package
// provides the canonical fan-out implementation.
type MetricSink interface {
	Emit(MetricEvent)
}
