// Package worker implements the drain-loop workers that pop reactors off
// the work queue and run them against the router until they stop making
// progress, per spec.md §4.8.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sequent/pkg/log"
	"github.com/cuemby/sequent/pkg/reactor"
	"github.com/cuemby/sequent/pkg/router"
	"github.com/cuemby/sequent/pkg/workqueue"
)

const (
	defaultMaxDrainRounds = 50
	defaultBatchSize      = 100
)

// Dispatcher is the subset of Router a Worker needs — narrowed to an
// interface so tests can substitute a fake without a real backend.
type Dispatcher interface {
	HandleNextEventForReactor(ctx context.Context, r reactor.Reactor, workerID string, batchSize int) (bool, error)
}

var _ Dispatcher = (*router.Router)(nil)

// Worker pulls reactors off a Queue and drains them against a Dispatcher.
type Worker struct {
	ID             string
	queue          *workqueue.Queue
	dispatcher     Dispatcher
	maxDrainRounds int
	batchSize      int
	backoff        backoffConfig

	logger zerolog.Logger
	done   chan struct{}
}

type backoffConfig struct {
	base       time.Duration
	max        time.Duration
	maxRetries int
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithMaxDrainRounds overrides the default per-reactor drain cap.
func WithMaxDrainRounds(n int) Option {
	return func(w *Worker) { w.maxDrainRounds = n }
}

// WithBatchSize overrides the default claim batch size.
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

// New returns a Worker identified by id, pulling from queue and dispatching
// through d.
func New(id string, queue *workqueue.Queue, d Dispatcher, opts ...Option) *Worker {
	w := &Worker{
		ID:             id,
		queue:          queue,
		dispatcher:     d,
		maxDrainRounds: defaultMaxDrainRounds,
		batchSize:      defaultBatchSize,
		backoff:        backoffConfig{base: 500 * time.Millisecond, max: 30 * time.Second, maxRetries: 10},
		logger:         log.WithWorker(id),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run pops reactors off the queue and drains them until the queue is
// closed. It is meant to be run in its own goroutine by the Supervisor.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := w.queue.Pop()
		if r == nil {
			return
		}
		w.drain(ctx, r)
	}
}

// Done returns a channel closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// drain repeatedly dispatches r until it stops making progress, yielding
// back to the queue if it hits the per-call round cap so other reactors get
// serviced fairly.
func (w *Worker) drain(ctx context.Context, r reactor.Reactor) {
	rounds := 0
	attempt := 0
	for rounds < w.maxDrainRounds {
		select {
		case <-ctx.Done():
			return
		default:
		}

		progressed, err := w.dispatcher.HandleNextEventForReactor(ctx, r, w.ID, w.batchSize)
		if err != nil {
			attempt++
			w.logger.Error().Err(err).Int("attempt", attempt).Msg("dispatch failed")
			if attempt >= w.backoff.maxRetries {
				w.logger.Error().Msg("giving up on reactor after repeated failures, yielding to catch-up poller")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.linearBackoff(attempt)):
			}
			continue
		}
		attempt = 0
		if !progressed {
			return
		}
		rounds++
	}
	if rounds == w.maxDrainRounds {
		w.queue.Push(r)
	}
}

func (w *Worker) linearBackoff(attempt int) time.Duration {
	d := w.backoff.base * time.Duration(attempt)
	if d > w.backoff.max {
		return w.backoff.max
	}
	return d
}
