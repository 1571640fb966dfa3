package router_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sequent/pkg/actions"
	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/backend/memory"
	"github.com/cuemby/sequent/pkg/errstrategy"
	"github.com/cuemby/sequent/pkg/message"
	"github.com/cuemby/sequent/pkg/reactor"
	"github.com/cuemby/sequent/pkg/router"
)

type recordingReactor struct {
	groupID string
	handle  func(batch []backend.BatchEntry, history []*message.Message) ([]reactor.Pair, error)
}

func (r *recordingReactor) HandledMessages() []string { return []string{"Widget"} }
func (r *recordingReactor) ConsumerInfo() reactor.ConsumerInfo {
	return reactor.ConsumerInfo{GroupID: r.groupID, StartFrom: backend.StartFromBeginningValue, BatchSize: 10}
}
func (r *recordingReactor) HandleBatch(batch []backend.BatchEntry, history []*message.Message) ([]reactor.Pair, error) {
	return r.handle(batch, history)
}

func seedWidget(t *testing.T, store backend.Backend, streamID string) *message.Message {
	t.Helper()
	m, err := message.New(streamID, "Widget", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendNextToStream(context.Background(), streamID, []*message.Message{m}))
	stream, err := store.ReadStream(context.Background(), streamID, 0)
	require.NoError(t, err)
	return stream[len(stream)-1]
}

func TestHandleNextEventForReactorReturnsFalseWhenNothingToClaim(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Install(ctx))

	r := &recordingReactor{groupID: "g"}
	_, err := store.RegisterConsumerGroup(ctx, "g", backend.StartFromBeginningValue)
	require.NoError(t, err)

	rt := router.New(store, errstrategy.NewDefault())
	progressed, err := rt.HandleNextEventForReactor(ctx, r, "w1", 0)
	require.NoError(t, err)
	assert.False(t, progressed)
}

func TestHandleNextEventForReactorAppliesActionsAndAcks(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Install(ctx))

	_, err := store.RegisterConsumerGroup(ctx, "g", backend.StartFromBeginningValue)
	require.NoError(t, err)
	seedWidget(t, store, "s1")

	r := &recordingReactor{groupID: "g", handle: func(batch []backend.BatchEntry, history []*message.Message) ([]reactor.Pair, error) {
		pairs := make([]reactor.Pair, 0, len(batch))
		for _, entry := range batch {
			next, err := entry.Message.Follow(entry.Message.StreamID, "Widget", map[string]int{"n": 2}, nil)
			require.NoError(t, err)
			next.Seq = entry.Message.Seq + 1
			pairs = append(pairs, reactor.Pair{
				Actions: []actions.Action{actions.AppendAfter{StreamID: entry.Message.StreamID, Messages: []*message.Message{next}}},
				Source:  entry.Message,
			})
		}
		return pairs, nil
	}}

	rt := router.New(store, errstrategy.NewDefault())
	progressed, err := rt.HandleNextEventForReactor(ctx, r, "w1", 0)
	require.NoError(t, err)
	assert.True(t, progressed)

	stream, err := store.ReadStream(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, stream, 2)

	// acked: a second claim attempt should find nothing left to do.
	progressed, err = rt.HandleNextEventForReactor(ctx, r, "w1", 0)
	require.NoError(t, err)
	assert.False(t, progressed)
}

func TestHandleNextEventForReactorStopsGroupAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Install(ctx))

	_, err := store.RegisterConsumerGroup(ctx, "g", backend.StartFromBeginningValue)
	require.NoError(t, err)
	seedWidget(t, store, "s1")

	boom := errors.New("handler exploded")
	r := &recordingReactor{groupID: "g", handle: func(batch []backend.BatchEntry, history []*message.Message) ([]reactor.Pair, error) {
		return nil, boom
	}}

	strategy := &errstrategy.Default{MaxRetries: 0, Backoff: errstrategy.ExponentialBackoff(0, 0)}
	rt := router.New(store, strategy)

	progressed, err := rt.HandleNextEventForReactor(ctx, r, "w1", 0)
	require.Error(t, err)
	assert.True(t, progressed)

	group, err := store.GetConsumerGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, backend.GroupStopped, group.Status)
}

func TestHandleNextEventForReactorPartialBatchAcksPrefix(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Install(ctx))

	_, err := store.RegisterConsumerGroup(ctx, "g", backend.StartFromBeginningValue)
	require.NoError(t, err)
	first := seedWidget(t, store, "s1")

	r := &recordingReactor{groupID: "g", handle: func(batch []backend.BatchEntry, history []*message.Message) ([]reactor.Pair, error) {
		pair := reactor.Pair{Actions: []actions.Action{actions.OK{}}, Source: batch[0].Message}
		return []reactor.Pair{pair}, &reactor.PartialBatchError{Err: errors.New("stopped partway"), Pairs: []reactor.Pair{pair}}
	}}

	rt := router.New(store, errstrategy.NewDefault())
	progressed, err := rt.HandleNextEventForReactor(ctx, r, "w1", 0)
	require.Error(t, err)
	assert.True(t, progressed)

	group, err := store.GetConsumerGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, first.GlobalSeq, group.HighestGlobalSeq)
}

func TestStreamLockKey(t *testing.T) {
	assert.Equal(t, "g/s1", router.StreamLockKey("g", "s1"))
}
