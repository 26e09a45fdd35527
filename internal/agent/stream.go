package agent

import "context"

// RunStream executes the loop and emits events as it goes. The channel is
// closed after exactly one terminal event (final or error).
func (l *Loop) RunStream(ctx context.Context, opts RunOptions) <-chan Event {
	events := make(chan Event, 64)

	go func() {
		defer close(events)

		emit := func(e Event) {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		}

		onToken := func(token string) {
			emit(Event{Kind: EventToken, Content: token})
		}

		result, err := l.run(ctx, opts, onToken, emit)
		if err != nil {
			emit(Event{Kind: EventError, Error: err.Error()})
			return
		}
		emit(Event{Kind: EventFinal, Content: result.Answer})
	}()

	return events
}
