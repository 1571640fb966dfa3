// Package backendtest is a conformance suite exercised against every
// backend.Backend implementation, running one shared scenario set against
// each concrete backend.
package backendtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/message"
)

// Factory builds a fresh, migrated backend.Backend for a single test case,
// and a cleanup func the caller must defer.
type Factory func(t *testing.T) (backend.Backend, func())

// Run exercises every behavior the Backend contract promises.
func Run(t *testing.T, newBackend Factory) {
	t.Run("AppendAndReadStream", func(t *testing.T) { testAppendAndReadStream(t, newBackend) })
	t.Run("ConcurrentAppendRejected", func(t *testing.T) { testConcurrentAppendRejected(t, newBackend) })
	t.Run("AppendNextAssignsSeq", func(t *testing.T) { testAppendNextAssignsSeq(t, newBackend) })
	t.Run("ClaimAckCycle", func(t *testing.T) { testClaimAckCycle(t, newBackend) })
	t.Run("ClaimIsExclusive", func(t *testing.T) { testClaimIsExclusive(t, newBackend) })
	t.Run("ScheduleAndPromote", func(t *testing.T) { testScheduleAndPromote(t, newBackend) })
	t.Run("ConsumerGroupLifecycle", func(t *testing.T) { testConsumerGroupLifecycle(t, newBackend) })
	t.Run("ReleaseStaleClaims", func(t *testing.T) { testReleaseStaleClaims(t, newBackend) })
}

func newMsg(t *testing.T, streamID, msgType string) *message.Message {
	t.Helper()
	m, err := message.New(streamID, msgType, map[string]string{"k": "v"}, nil)
	require.NoError(t, err)
	return m
}

func testAppendAndReadStream(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, b.Install(ctx))

	m1 := newMsg(t, "cart-1", "ItemAdded")
	m2 := newMsg(t, "cart-1", "ItemAdded")
	m1.Seq, m2.Seq = 1, 2 // AppendToStream expects caller-assigned seqs
	require.NoError(t, b.AppendToStream(ctx, "cart-1", []*message.Message{m1}, 0))
	require.NoError(t, b.AppendToStream(ctx, "cart-1", []*message.Message{m2}, 1))

	got, err := b.ReadStream(ctx, "cart-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.True(t, got[1].GlobalSeq > got[0].GlobalSeq)
}

func testConcurrentAppendRejected(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, b.Install(ctx))

	m1 := newMsg(t, "cart-2", "ItemAdded")
	m1.Seq = 1
	require.NoError(t, b.AppendToStream(ctx, "cart-2", []*message.Message{m1}, 0))

	stale := newMsg(t, "cart-2", "ItemAdded")
	stale.Seq = 1
	err := b.AppendToStream(ctx, "cart-2", []*message.Message{stale}, 0)
	assert.ErrorIs(t, err, backend.ErrConcurrentAppend)
}

func testAppendNextAssignsSeq(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, b.Install(ctx))

	m1 := newMsg(t, "cart-3", "ItemAdded")
	m2 := newMsg(t, "cart-3", "ItemAdded")
	require.NoError(t, b.AppendNextToStream(ctx, "cart-3", []*message.Message{m1}))
	require.NoError(t, b.AppendNextToStream(ctx, "cart-3", []*message.Message{m2}))
	assert.Equal(t, uint64(1), m1.Seq)
	assert.Equal(t, uint64(2), m2.Seq)
}

func testClaimAckCycle(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, b.Install(ctx))

	_, err := b.RegisterConsumerGroup(ctx, "summary", backend.StartFromBeginningValue)
	require.NoError(t, err)

	m1 := newMsg(t, "cart-4", "ItemAdded")
	require.NoError(t, b.AppendNextToStream(ctx, "cart-4", []*message.Message{m1}))

	info := backend.ConsumerInfo{GroupID: "summary", HandledType: []string{"ItemAdded"}, StartFrom: backend.StartFromBeginningValue}
	claim, ok, err := b.ClaimNextBatch(ctx, info, 10, false, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, claim.Batch, 1)
	assert.False(t, claim.Batch[0].Replaying)

	require.NoError(t, b.Ack(ctx, "summary", claim.StreamID, claim.Batch[0].Message.GlobalSeq))

	_, ok, err = b.ClaimNextBatch(ctx, info, 10, false, "worker-1")
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to claim after ack")
}

func testClaimIsExclusive(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, b.Install(ctx))

	_, err := b.RegisterConsumerGroup(ctx, "exclusive", backend.StartFromBeginningValue)
	require.NoError(t, err)
	m1 := newMsg(t, "cart-5", "ItemAdded")
	require.NoError(t, b.AppendNextToStream(ctx, "cart-5", []*message.Message{m1}))

	info := backend.ConsumerInfo{GroupID: "exclusive", HandledType: []string{"ItemAdded"}, StartFrom: backend.StartFromBeginningValue}
	claim, ok, err := b.ClaimNextBatch(ctx, info, 10, false, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.ClaimNextBatch(ctx, info, 10, false, "worker-b")
	require.NoError(t, err)
	assert.False(t, ok, "second claimer must not see an already-claimed offset")

	require.NoError(t, b.ReleaseClaim(ctx, claim.OffsetID))
	_, ok, err = b.ClaimNextBatch(ctx, info, 10, false, "worker-b")
	require.NoError(t, err)
	assert.True(t, ok, "released claim becomes claimable again")
}

func testScheduleAndPromote(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, b.Install(ctx))

	m1 := newMsg(t, "cart-6", "AbandonmentWarning")
	require.NoError(t, b.ScheduleMessages(ctx, []backend.ScheduleEntry{{Message: m1, AvailableAt: time.Now().Add(-time.Minute)}}))

	n, err := b.UpdateSchedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.ReadStream(ctx, "cart-6", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "AbandonmentWarning", got[0].Type)
}

func testConsumerGroupLifecycle(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, b.Install(ctx))

	g, err := b.RegisterConsumerGroup(ctx, "lifecycle", backend.StartFromBeginningValue)
	require.NoError(t, err)
	assert.Equal(t, backend.GroupActive, g.Status)

	require.NoError(t, b.StopConsumerGroup(ctx, "lifecycle", "manual stop"))
	g, err = b.GetConsumerGroup(ctx, "lifecycle")
	require.NoError(t, err)
	assert.Equal(t, backend.GroupStopped, g.Status)

	require.NoError(t, b.StartConsumerGroup(ctx, "lifecycle"))
	g, err = b.GetConsumerGroup(ctx, "lifecycle")
	require.NoError(t, err)
	assert.Equal(t, backend.GroupActive, g.Status)

	_, err = b.GetConsumerGroup(ctx, "does-not-exist")
	assert.ErrorIs(t, err, backend.ErrGroupNotFound)
}

func testReleaseStaleClaims(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, b.Install(ctx))

	_, err := b.RegisterConsumerGroup(ctx, "stale", backend.StartFromBeginningValue)
	require.NoError(t, err)
	m1 := newMsg(t, "cart-7", "ItemAdded")
	require.NoError(t, b.AppendNextToStream(ctx, "cart-7", []*message.Message{m1}))

	info := backend.ConsumerInfo{GroupID: "stale", HandledType: []string{"ItemAdded"}, StartFrom: backend.StartFromBeginningValue}
	_, ok, err := b.ClaimNextBatch(ctx, info, 10, false, "worker-stale")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := b.ReleaseStaleClaims(ctx, 0) // ttl=0: every claim is immediately stale
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	_, ok, err = b.ClaimNextBatch(ctx, info, 10, false, "worker-new")
	require.NoError(t, err)
	assert.True(t, ok)
}
