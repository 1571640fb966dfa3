// Package notifier implements the pub/sub fan-out described in spec.md
// §4.3: on every successful append, the backend publishes the set of
// message types appended, and the notifier pushes every reactor whose
// handled types intersect that set onto the work queue.
package notifier

import (
	"context"

	"github.com/cuemby/sequent/pkg/reactor"
	"github.com/cuemby/sequent/pkg/workqueue"
)

// Publisher is implemented by anything that can announce "these message
// types were just appended" — a Postgres LISTEN/NOTIFY bridge, or an
// inline callback invoked synchronously after a commit.
type Publisher interface {
	Publish(ctx context.Context, messageTypes []string) error
}

// Fanout indexes a reactor registry by handled message type and pushes the
// matching reactors onto a Queue whenever Dispatch is called. It is the
// shared core both the inline and Postgres notifiers build on.
type Fanout struct {
	registry *reactor.Registry
	queue    *workqueue.Queue
}

// NewFanout returns a Fanout wired to registry and queue.
func NewFanout(registry *reactor.Registry, queue *workqueue.Queue) *Fanout {
	return &Fanout{registry: registry, queue: queue}
}

// Dispatch pushes every registered reactor that handles at least one of
// messageTypes onto the queue.
func (f *Fanout) Dispatch(messageTypes []string) {
	wanted := make(map[string]bool, len(messageTypes))
	for _, t := range messageTypes {
		wanted[t] = true
	}

	for _, r := range f.registry.All() {
		for _, handled := range r.HandledMessages() {
			if wanted[handled] {
				f.queue.Push(r)
				break
			}
		}
	}
}
