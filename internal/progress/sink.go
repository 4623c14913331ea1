package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts individual events without blocking.
type Emitter interface {
	Emit(evt Event)
}

// Publisher is the surface the worker pool and pipeline report phases through.
type Publisher interface {
	Publish(evt Event)
}
