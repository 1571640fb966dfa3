// Package actions defines the value objects a reactor returns from
// handle_batch: the only way a reactor is allowed to mutate the log. The
// router executes a pair's actions, in order, inside one transaction, then
// acknowledges the source message for the reactor's group.
package actions

import (
	"context"
	"time"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/message"
)

// Action is something the router can execute against a Backend inside the
// apply transaction for one (actions, source_message) pair.
type Action interface {
	// Execute runs the action against store, using source as the message
	// that produced it (AppendAfter needs its Seq for expected_seq).
	Execute(ctx context.Context, store backend.Backend, source *message.Message) error
}

// AppendAfter appends Messages to StreamID with expected_seq equal to the
// source message's Seq, so a conflicting concurrent append on that stream
// surfaces ErrConcurrentAppend rather than silently interleaving. Each
// message is correlated against source before it is persisted, so a
// reactor that builds plain messages and wraps them in AppendAfter still
// gets causation/correlation/metadata propagation for free.
type AppendAfter struct {
	StreamID string
	Messages []*message.Message
}

func (a AppendAfter) Execute(ctx context.Context, store backend.Backend, source *message.Message) error {
	correlated := make([]*message.Message, len(a.Messages))
	for i, m := range a.Messages {
		correlated[i] = source.Correlate(m)
	}
	return store.AppendToStream(ctx, a.StreamID, correlated, source.Seq)
}

// AppendNext appends Messages after the current tip of each message's
// stream, letting the backend assign Seq. Messages may target different
// streams; they are grouped internally.
type AppendNext struct {
	Messages []*message.Message
}

func (a AppendNext) Execute(ctx context.Context, store backend.Backend, source *message.Message) error {
	byStream := map[string][]*message.Message{}
	order := []string{}
	for _, m := range a.Messages {
		if _, seen := byStream[m.StreamID]; !seen {
			order = append(order, m.StreamID)
		}
		byStream[m.StreamID] = append(byStream[m.StreamID], m)
	}
	for _, streamID := range order {
		if err := store.AppendNextToStream(ctx, streamID, byStream[streamID]); err != nil {
			return err
		}
	}
	return nil
}

// Schedule inserts Messages into the scheduled table, to be promoted into
// their streams once At has passed.
type Schedule struct {
	Messages []*message.Message
	At       time.Time
}

func (a Schedule) Execute(ctx context.Context, store backend.Backend, source *message.Message) error {
	entries := make([]backend.ScheduleEntry, len(a.Messages))
	for i, m := range a.Messages {
		entries[i] = backend.ScheduleEntry{Message: m, AvailableAt: a.At}
	}
	return store.ScheduleMessages(ctx, entries)
}

// Sync runs an arbitrary synchronous side effect inside the apply
// transaction. A failure aborts the whole commit, per spec.md §7.
type Sync struct {
	Fn func(ctx context.Context) error
}

func (a Sync) Execute(ctx context.Context, _ backend.Backend, _ *message.Message) error {
	return a.Fn(ctx)
}

// Ack is a terminal no-append result: the router still acknowledges the
// source message for the group, but this action itself does nothing.
type Ack struct {
	MessageID string
}

func (a Ack) Execute(ctx context.Context, store backend.Backend, source *message.Message) error {
	return nil
}

// OK is the zero-work terminal result — "I looked at this message and
// there is nothing to do."
type OK struct{}

func (a OK) Execute(ctx context.Context, store backend.Backend, source *message.Message) error {
	return nil
}
