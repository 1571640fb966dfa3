package notifier

import "context"

// InlineNotifier is the "other backends" half of spec.md §4.3: a Publisher
// that dispatches synchronously in-process, for backends with no
// LISTEN/NOTIFY equivalent. The sqlite backend does not go through it; it
// calls its own Fanout right after each append transaction commits. The
// memory backend publishes nothing on append, so its reactors are reached
// by the catch-up poller.
type InlineNotifier struct {
	fanout *Fanout
}

// NewInline returns an InlineNotifier that dispatches through fanout.
func NewInline(fanout *Fanout) *InlineNotifier {
	return &InlineNotifier{fanout: fanout}
}

// Publish dispatches synchronously; it never blocks on I/O, so there is no
// reconnect/backoff concern here unlike the Postgres path.
func (n *InlineNotifier) Publish(ctx context.Context, messageTypes []string) error {
	n.fanout.Dispatch(messageTypes)
	return nil
}
