package workqueue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/message"
	"github.com/cuemby/sequent/pkg/reactor"
	"github.com/cuemby/sequent/pkg/workqueue"
)

type fakeReactor struct {
	groupID string
}

func (f *fakeReactor) HandledMessages() []string { return []string{"Anything"} }
func (f *fakeReactor) ConsumerInfo() reactor.ConsumerInfo {
	return reactor.ConsumerInfo{GroupID: f.groupID, StartFrom: backend.StartFromBeginningValue}
}
func (f *fakeReactor) HandleBatch(batch []backend.BatchEntry, history []*message.Message) ([]reactor.Pair, error) {
	return nil, nil
}

func TestQueuePushPopFIFO(t *testing.T) {
	q := workqueue.New(0)
	a := &fakeReactor{groupID: "a"}
	b := &fakeReactor{groupID: "b"}

	q.Push(a)
	q.Push(b)
	assert.Equal(t, 2, q.Len())

	got := q.Pop()
	assert.Equal(t, "a", got.ConsumerInfo().GroupID)
	got = q.Pop()
	assert.Equal(t, "b", got.ConsumerInfo().GroupID)
	assert.Equal(t, 0, q.Len())
}

func TestQueueAllowsMultiplePendingPerReactor(t *testing.T) {
	q := workqueue.New(2)
	a := &fakeReactor{groupID: "a"}

	q.Push(a)
	q.Push(a)
	assert.Equal(t, 2, q.Len())
}

func TestQueueDropsOwnOverflowOnly(t *testing.T) {
	q := workqueue.New(1)
	a := &fakeReactor{groupID: "a"}
	b := &fakeReactor{groupID: "b"}

	q.Push(a)
	q.Push(a) // a already has 1 pending == max, dropped
	assert.Equal(t, 1, q.Len())

	q.Push(b) // a's overflow must not affect b
	assert.Equal(t, 2, q.Len())

	q.Push(b) // b now at its own max, dropped
	assert.Equal(t, 2, q.Len())
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := workqueue.New(0)
	a := &fakeReactor{groupID: "a"}

	done := make(chan reactor.Reactor, 1)
	go func() { done <- q.Pop() }()

	select {
	case <-done:
		t.Fatal("Pop returned before any Push")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(a)
	require.Eventually(t, func() bool {
		select {
		case got := <-done:
			return got.ConsumerInfo().GroupID == "a"
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := workqueue.New(0)

	done := make(chan reactor.Reactor, 1)
	go func() { done <- q.Pop() }()

	q.Close()
	require.Eventually(t, func() bool {
		select {
		case got := <-done:
			return got == nil
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
