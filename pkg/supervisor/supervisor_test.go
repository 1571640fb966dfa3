package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sequent/pkg/actions"
	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/backend/memory"
	"github.com/cuemby/sequent/pkg/errstrategy"
	"github.com/cuemby/sequent/pkg/message"
	"github.com/cuemby/sequent/pkg/reactor"
	"github.com/cuemby/sequent/pkg/supervisor"
	"github.com/cuemby/sequent/pkg/workqueue"
)

// echoReaction acknowledges every Widget it's handed with an OK action,
// letting tests observe through the group's highest_global_seq that the
// worker pool actually drove a reactor end to end.
type echoReaction struct{}

func (echoReaction) HandledMessages() []string { return []string{"Widget"} }
func (echoReaction) ConsumerInfo() reactor.ConsumerInfo {
	return reactor.ConsumerInfo{GroupID: "echo", StartFrom: backend.StartFromBeginningValue, BatchSize: 10}
}
func (echoReaction) HandleBatch(batch []backend.BatchEntry, history []*message.Message) ([]reactor.Pair, error) {
	pairs := make([]reactor.Pair, 0, len(batch))
	for _, entry := range batch {
		pairs = append(pairs, reactor.Pair{Actions: []actions.Action{actions.OK{}}, Source: entry.Message})
	}
	return pairs, nil
}

func TestSupervisorStartDrivesRegisteredReactors(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Install(ctx))

	registry := reactor.NewRegistry()
	require.NoError(t, registry.Register(reactor.Registration{Reactor: echoReaction{}}))

	m, err := message.New("s1", "Widget", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendNextToStream(ctx, "s1", []*message.Message{m}))

	cfg := supervisor.DefaultConfig()
	cfg.Workers = 1
	cfg.HouseKeepers = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HousekeepInterval = 10 * time.Millisecond

	queue := workqueue.New(cfg.QueueCapacity)
	sup := supervisor.New(store, registry, errstrategy.NewDefault(), nil, queue, cfg)

	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	require.Eventually(t, func() bool {
		group, err := store.GetConsumerGroup(ctx, "echo")
		return err == nil && group.HighestGlobalSeq >= m.GlobalSeq
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisorStartTwiceErrors(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Install(ctx))

	registry := reactor.NewRegistry()
	cfg := supervisor.DefaultConfig()
	cfg.Workers = 1
	cfg.PollInterval = time.Hour
	cfg.HousekeepInterval = time.Hour

	sup := supervisor.New(store, registry, errstrategy.NewDefault(), nil, nil, cfg)
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	assert.Error(t, sup.Start(ctx))
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Install(ctx))

	registry := reactor.NewRegistry()
	cfg := supervisor.DefaultConfig()
	cfg.Workers = 1
	cfg.PollInterval = time.Hour
	cfg.HousekeepInterval = time.Hour

	sup := supervisor.New(store, registry, errstrategy.NewDefault(), nil, nil, cfg)
	require.NoError(t, sup.Start(ctx))
	sup.Stop()
	sup.Stop() // second call must not block or panic
}
