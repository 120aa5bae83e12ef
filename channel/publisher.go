package channel

import "context"

// Publisher is the emission contract task logic publishes through during
// run execution. Publish must not return until the message has been
// accepted by the channel: a step's terminal "result" update must not be
// emitted before its preceding log/progress updates have been accepted,
// and callers rely on Publish returning to preserve that causal order.
//
// Tasks are expected to emit, per logical step: zero or more log/progress
// updates, then exactly one terminal result or error update.
type Publisher interface {
	Publish(ctx context.Context, ch Channel, topic string, data any) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, ch Channel, topic string, data any) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, ch Channel, topic string, data any) error {
	return f(ctx, ch, topic, data)
}
