package housekeeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/backend/memory"
	"github.com/cuemby/sequent/pkg/housekeeper"
	"github.com/cuemby/sequent/pkg/message"
)

func TestHousekeeperPromotesDueScheduledMessages(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Install(ctx))

	m, err := message.New("s1", "Widget", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.ScheduleMessages(ctx, []backend.ScheduleEntry{
		{Message: m, AvailableAt: time.Now().UTC().Add(-time.Second)},
	}))

	h := housekeeper.New(store, 10*time.Millisecond, func() []string { return nil })
	h.Start()
	defer h.Stop()

	require.Eventually(t, func() bool {
		stream, err := store.ReadStream(ctx, "s1", 0)
		return err == nil && len(stream) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHousekeeperHeartbeatsWorkersWithoutError(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Install(ctx))

	calls := make(chan struct{}, 10)
	h := housekeeper.New(store, 10*time.Millisecond, func() []string {
		select {
		case calls <- struct{}{}:
		default:
		}
		return []string{"w1"}
	}, housekeeper.WithHeartbeatInterval(0))
	h.Start()
	defer h.Stop()

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("workerIDs was never consulted by a housekeeping cycle")
	}
}

func TestHousekeeperReapsStaleClaims(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Install(ctx))

	_, err := store.RegisterConsumerGroup(ctx, "g", backend.StartFromBeginningValue)
	require.NoError(t, err)
	m, err := message.New("s1", "Widget", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendNextToStream(ctx, "s1", []*message.Message{m}))

	claim, ok, err := store.ClaimNextBatch(ctx, backend.ConsumerInfo{GroupID: "g", HandledType: []string{"Widget"}, StartFrom: backend.StartFromBeginningValue}, 10, false, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	_ = claim

	h := housekeeper.New(store, 10*time.Millisecond, func() []string { return nil },
		housekeeper.WithClaimTTL(0))
	h.Start()
	defer h.Stop()

	require.Eventually(t, func() bool {
		claim2, ok2, err2 := store.ClaimNextBatch(ctx, backend.ConsumerInfo{GroupID: "g", HandledType: []string{"Widget"}, StartFrom: backend.StartFromBeginningValue}, 10, false, "w2")
		if err2 != nil || !ok2 {
			return false
		}
		_ = claim2
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestHousekeeperStopWaitsForLoopExit(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Install(context.Background()))

	h := housekeeper.New(store, time.Hour, func() []string { return nil })
	h.Start()

	stopped := make(chan struct{})
	go func() { h.Stop(); close(stopped) }()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.True(t, true)
}
