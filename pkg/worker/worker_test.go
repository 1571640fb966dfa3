package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/message"
	"github.com/cuemby/sequent/pkg/reactor"
	"github.com/cuemby/sequent/pkg/worker"
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

type fakeDispatcher struct {
	calls     int32
	remaining int32
	err       error
}

func (d *fakeDispatcher) HandleNextEventForReactor(ctx context.Context, r reactor.Reactor, workerID string, batchSize int) (bool, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.err != nil {
		return true, d.err
	}
	if atomic.AddInt32(&d.remaining, -1) >= 0 {
		return true, nil
	}
	return false, nil
}

func TestWorkerDrainsUntilNoProgress(t *testing.T) {
	q := workqueue.New(0)
	d := &fakeDispatcher{remaining: 2}
	w := worker.New("w1", q, d)

	q.Push(&fakeReactor{groupID: "g"})
	q.Close()

	done := make(chan struct{})
	go func() { w.Run(context.Background()); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not finish draining")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&d.calls), int32(3))
}

func TestWorkerRequeuesOnMaxDrainRounds(t *testing.T) {
	q := workqueue.New(0)
	d := &fakeDispatcher{remaining: 1000000}
	w := worker.New("w1", q, d, worker.WithMaxDrainRounds(3))

	r := &fakeReactor{groupID: "g"}
	q.Push(r)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { w.Run(ctx); close(done) }()

	// A reactor hitting the round cap is pushed back rather than dropped:
	// the dispatcher keeps reporting progress forever, so the call count
	// climbing well past maxDrainRounds shows the requeue->repop cycle is
	// running rather than the worker exiting after its first cap.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&d.calls) >= 12
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestWorkerRetriesOnErrorAndStopsOnContextCancel(t *testing.T) {
	q := workqueue.New(0)
	d := &fakeDispatcher{err: errors.New("boom")}
	w := worker.New("w1", q, d)

	q.Push(&fakeReactor{groupID: "g"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&d.calls) >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
