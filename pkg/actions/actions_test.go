package actions_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sequent/pkg/actions"
	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/backend/memory"
	"github.com/cuemby/sequent/pkg/message"
)

func TestAppendAfterUsesSourceSeq(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Install(ctx))

	first, err := message.New("s1", "Seeded", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendNextToStream(ctx, "s1", []*message.Message{first}))

	stream, err := store.ReadStream(ctx, "s1", 0)
	require.NoError(t, err)
	source := stream[0]

	next, err := message.New("s1", "Followed", map[string]int{"n": 2}, nil)
	require.NoError(t, err)
	next.Seq = source.Seq + 1

	action := actions.AppendAfter{StreamID: "s1", Messages: []*message.Message{next}}
	require.NoError(t, action.Execute(ctx, store, source))

	stream, err = store.ReadStream(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Equal(t, uint64(2), stream[1].Seq)
}

func TestAppendAfterConflictsOnStaleSeq(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Install(ctx))

	first, err := message.New("s1", "Seeded", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendNextToStream(ctx, "s1", []*message.Message{first}))

	second, err := message.New("s1", "Seeded", map[string]int{"n": 2}, nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendNextToStream(ctx, "s1", []*message.Message{second}))

	stale := *first
	stale.Seq = 1

	next, err := message.New("s1", "Followed", map[string]int{"n": 3}, nil)
	require.NoError(t, err)

	action := actions.AppendAfter{StreamID: "s1", Messages: []*message.Message{next}}
	err = action.Execute(ctx, store, &stale)
	assert.True(t, errors.Is(err, backend.ErrConcurrentAppend))
}

func TestAppendNextGroupsByStream(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Install(ctx))

	a1, err := message.New("s1", "Event", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	a2, err := message.New("s1", "Event", map[string]int{"n": 2}, nil)
	require.NoError(t, err)
	b1, err := message.New("s2", "Event", map[string]int{"n": 1}, nil)
	require.NoError(t, err)

	action := actions.AppendNext{Messages: []*message.Message{a1, b1, a2}}
	require.NoError(t, action.Execute(ctx, store, nil))

	s1, err := store.ReadStream(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, s1, 2)
	assert.Equal(t, uint64(1), s1[0].Seq)
	assert.Equal(t, uint64(2), s1[1].Seq)

	s2, err := store.ReadStream(ctx, "s2", 0)
	require.NoError(t, err)
	require.Len(t, s2, 1)
	assert.Equal(t, uint64(1), s2[0].Seq)
}

func TestSyncRunsFn(t *testing.T) {
	called := false
	action := actions.Sync{Fn: func(ctx context.Context) error {
		called = true
		return nil
	}}
	require.NoError(t, action.Execute(context.Background(), nil, nil))
	assert.True(t, called)
}

func TestOKAndAckAreNoOps(t *testing.T) {
	assert.NoError(t, actions.OK{}.Execute(context.Background(), nil, nil))
	assert.NoError(t, actions.Ack{MessageID: "x"}.Execute(context.Background(), nil, nil))
}
