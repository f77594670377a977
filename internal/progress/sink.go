package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so
// trackers stay agnostic about how events are buffered or delivered.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(evt Event) { f(evt) }
