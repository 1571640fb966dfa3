// Package workqueue implements the bounded semantic queue that sits between
// notification sources (the notifier, the catch-up poller, and workers
// re-queueing a reactor that hit its drain-round cap) and the worker pool. "Bounded" is per reactor: each reactor group may have
// at most maxPerReactor pushes pending at once, so a reactor that is slow or
// stuck cannot starve the queue for everyone else, but a busy reactor can
// still have more than one outstanding signal waiting for a worker.
package workqueue

import (
	"sync"

	"github.com/cuemby/sequent/pkg/metrics"
	"github.com/cuemby/sequent/pkg/reactor"
)

// Queue is a FIFO work queue of reactors, bounded per reactor group.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	order    []reactor.Reactor // FIFO of pending pushes, possibly repeating a group
	pending  map[string]int    // group id -> count of that group's entries in order
	maxPer   int
	closed   bool
}

// New returns a Queue that drops a push for a reactor once that reactor
// already has maxPerReactor pushes pending. maxPerReactor <= 0 means
// unbounded.
func New(maxPerReactor int) *Queue {
	q := &Queue{
		pending: make(map[string]int),
		maxPer:  maxPerReactor,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push enqueues r. If r's group already has maxPerReactor pushes pending,
// the push is dropped and WorkQueueDroppedTotal is incremented; pending
// pushes for other groups never affect this decision.
func (q *Queue) Push(r reactor.Reactor) {
	groupID := r.ConsumerInfo().GroupID

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.maxPer > 0 && q.pending[groupID] >= q.maxPer {
		metrics.WorkQueueDroppedTotal.WithLabelValues(groupID).Inc()
		return
	}
	q.pending[groupID]++
	q.order = append(q.order, r)
	metrics.WorkQueueDepth.WithLabelValues(groupID).Set(float64(q.pending[groupID]))
	q.notEmpty.Signal()
}

// Pop blocks until a reactor is available or the queue is closed, in which
// case it returns nil.
func (q *Queue) Pop() reactor.Reactor {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.order) == 0 {
		return nil
	}

	r := q.order[0]
	q.order = q.order[1:]
	groupID := r.ConsumerInfo().GroupID
	q.pending[groupID]--
	if q.pending[groupID] <= 0 {
		delete(q.pending, groupID)
	}
	metrics.WorkQueueDepth.WithLabelValues(groupID).Set(float64(q.pending[groupID]))
	return r
}

// Close unblocks every pending and future Pop call, which will return nil.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}

// Len returns the number of pending pushes currently queued, across all
// reactor groups.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
