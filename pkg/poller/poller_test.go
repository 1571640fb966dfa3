package poller_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/message"
	"github.com/cuemby/sequent/pkg/poller"
	"github.com/cuemby/sequent/pkg/reactor"
	"github.com/cuemby/sequent/pkg/workqueue"
)

type fakeReactor struct{ groupID string }

func (f *fakeReactor) HandledMessages() []string { return nil }
func (f *fakeReactor) ConsumerInfo() reactor.ConsumerInfo {
	return reactor.ConsumerInfo{GroupID: f.groupID, StartFrom: backend.StartFromBeginningValue}
}
func (f *fakeReactor) HandleBatch(batch []backend.BatchEntry, history []*message.Message) ([]reactor.Pair, error) {
	return nil, nil
}

func TestPollerPushesImmediatelyOnStart(t *testing.T) {
	registry := reactor.NewRegistry()
	require.NoError(t, registry.Register(reactor.Registration{Reactor: &fakeReactor{groupID: "g1"}}))

	q := workqueue.New(0)
	p := poller.New(registry, q, time.Hour)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPollerSweepsOnEveryTick(t *testing.T) {
	registry := reactor.NewRegistry()
	require.NoError(t, registry.Register(reactor.Registration{Reactor: &fakeReactor{groupID: "g1"}}))

	q := workqueue.New(0)
	p := poller.New(registry, q, 20*time.Millisecond)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
	q.Pop()
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPollerStopWaitsForLoopExit(t *testing.T) {
	registry := reactor.NewRegistry()
	q := workqueue.New(0)
	p := poller.New(registry, q, time.Hour)
	p.Start()

	stopped := make(chan struct{})
	go func() { p.Stop(); close(stopped) }()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, 0, q.Len())
}
