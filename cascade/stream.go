package cascade

import "context"

// streamBuffer bounds the event channel so a slow consumer applies
// backpressure to upstream reads instead of growing memory.
const streamBuffer = 64

// StreamRun executes the same pipeline as Run but yields events as they
// occur. The first event is always ROUTING and the last is exactly one of
// COMPLETE or ERROR; the channel closes after the terminal event. Consumer
// cancellation (via ctx) stops upstream reads within one chunk and yields
// ERROR{kind=cancelled}.
func (p *Pipeline) StreamRun(ctx context.Context, q Query, opts Options) <-chan StreamEvent {
	events := make(chan StreamEvent, streamBuffer)

	go func() {
		defer close(events)

		emit := func(ev StreamEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}

		res, err := p.execute(ctx, q, opts, emit, true)
		if err != nil {
			data := map[string]any{
				"kind":   string(KindOf(err)),
				"reason": err.Error(),
			}
			if ra := RetryAfterOf(err); ra > 0 {
				data["retry_after_ms"] = ra.Milliseconds()
			}
			// The terminal event is delivered even when the consumer has
			// gone away, then dropped by the closed channel's reader side.
			select {
			case events <- StreamEvent{Type: EventError, Data: data}:
			case <-ctx.Done():
				select {
				case events <- StreamEvent{Type: EventError, Data: data}:
				default:
				}
			}
			return
		}

		complete := StreamEvent{
			Type:    EventComplete,
			Content: res.Content,
			Data: map[string]any{
				"result": res,
			},
		}
		select {
		case events <- complete:
		case <-ctx.Done():
			select {
			case events <- complete:
			default:
			}
		}
	}()

	return events
}
