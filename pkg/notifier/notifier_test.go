package notifier_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/message"
	"github.com/cuemby/sequent/pkg/notifier"
	"github.com/cuemby/sequent/pkg/reactor"
	"github.com/cuemby/sequent/pkg/workqueue"
)

type fakeReactor struct {
	groupID string
	handled []string
}

func (f *fakeReactor) HandledMessages() []string { return f.handled }
func (f *fakeReactor) ConsumerInfo() reactor.ConsumerInfo {
	return reactor.ConsumerInfo{GroupID: f.groupID, StartFrom: backend.StartFromBeginningValue}
}
func (f *fakeReactor) HandleBatch(batch []backend.BatchEntry, history []*message.Message) ([]reactor.Pair, error) {
	return nil, nil
}

func TestFanoutDispatchPushesOnlyMatchingReactors(t *testing.T) {
	registry := reactor.NewRegistry()
	cart := &fakeReactor{groupID: "cart", handled: []string{"ItemAdded"}}
	billing := &fakeReactor{groupID: "billing", handled: []string{"InvoicePaid"}}
	require.NoError(t, registry.Register(reactor.Registration{Reactor: cart}))
	require.NoError(t, registry.Register(reactor.Registration{Reactor: billing}))

	q := workqueue.New(0)
	fanout := notifier.NewFanout(registry, q)
	fanout.Dispatch([]string{"ItemAdded"})

	assert.Equal(t, 1, q.Len())
	popped := q.Pop()
	assert.Equal(t, "cart", popped.ConsumerInfo().GroupID)
}

func TestFanoutDispatchPushesEveryReactorThatMatchesAnyType(t *testing.T) {
	registry := reactor.NewRegistry()
	both := &fakeReactor{groupID: "both", handled: []string{"A", "B"}}
	require.NoError(t, registry.Register(reactor.Registration{Reactor: both}))

	q := workqueue.New(0)
	fanout := notifier.NewFanout(registry, q)
	fanout.Dispatch([]string{"B", "C"})

	assert.Equal(t, 1, q.Len())
}

func TestInlineNotifierPublishDispatchesSynchronously(t *testing.T) {
	registry := reactor.NewRegistry()
	r := &fakeReactor{groupID: "g", handled: []string{"Widget"}}
	require.NoError(t, registry.Register(reactor.Registration{Reactor: r}))

	q := workqueue.New(0)
	fanout := notifier.NewFanout(registry, q)
	n := notifier.NewInline(fanout)

	require.NoError(t, n.Publish(context.Background(), []string{"Widget"}))
	assert.Equal(t, 1, q.Len())
}
