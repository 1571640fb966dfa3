// Package poller implements the catch-up poller: a cheap safety net that
// periodically pushes every registered reactor onto the work queue,
// covering startup, missed notifications, dropped pubsub connections,
// non-Postgres backends, and offset resets, per spec.md §4.5.
package poller

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sequent/pkg/log"
	"github.com/cuemby/sequent/pkg/reactor"
	"github.com/cuemby/sequent/pkg/workqueue"
)

// Poller pushes every registered reactor onto a Queue on a fixed interval.
type Poller struct {
	registry *reactor.Registry
	queue    *workqueue.Queue
	interval time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Poller that fires every interval.
func New(registry *reactor.Registry, queue *workqueue.Queue, interval time.Duration) *Poller {
	return &Poller{
		registry: registry,
		queue:    queue,
		interval: interval,
		logger:   log.WithComponent("poller"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the poll loop in its own goroutine.
func (p *Poller) Start() {
	go p.run()
}

// Stop signals the poll loop to exit and waits for it to do so.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pushAll()
	for {
		select {
		case <-ticker.C:
			p.pushAll()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Poller) pushAll() {
	reactors := p.registry.All()
	p.logger.Debug().Int("count", len(reactors)).Msg("catch-up sweep")
	for _, r := range reactors {
		p.queue.Push(r)
	}
}
