// Package supervisor owns the full set of background tasks a running
// sequent process needs: the worker pool, the notifier, the catch-up
// poller, and one or more housekeepers, per spec.md §4.10. On start it
// spawns every task concurrently; on Stop it signals every component,
// closes the work queue with sentinels, and waits for task completion.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/errstrategy"
	"github.com/cuemby/sequent/pkg/housekeeper"
	"github.com/cuemby/sequent/pkg/log"
	"github.com/cuemby/sequent/pkg/notifier"
	"github.com/cuemby/sequent/pkg/poller"
	"github.com/cuemby/sequent/pkg/reactor"
	"github.com/cuemby/sequent/pkg/router"
	"github.com/cuemby/sequent/pkg/worker"
	"github.com/cuemby/sequent/pkg/workqueue"
)

// Config controls how many of each task type a Supervisor runs and at what
// cadence.
type Config struct {
	Workers           int
	HouseKeepers      int
	PollInterval      time.Duration
	HousekeepInterval time.Duration
	// QueueCapacity bounds how many pushes a single reactor may have
	// pending in the work queue at once (max_per_reactor); it is not a
	// cap on the total number of distinct reactors queued. Defaults to
	// Workers.
	QueueCapacity  int
	BatchSize      int
	MaxDrainRounds int
	ClaimTTL       time.Duration
	WorkerIDPrefix string
}

// DefaultConfig returns sensible defaults: 4 workers, one housekeeper, a
// 5-second catch-up sweep and a 2-second housekeeping cycle. QueueCapacity
// defaults to the worker count, per spec.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		HouseKeepers:      1,
		PollInterval:      5 * time.Second,
		HousekeepInterval: 2 * time.Second,
		QueueCapacity:     4,
		BatchSize:         100,
		MaxDrainRounds:    50,
		ClaimTTL:          60 * time.Second,
		WorkerIDPrefix:    "worker",
	}
}

// Supervisor starts and stops every background task for one sequent
// process as a unit.
type Supervisor struct {
	store    backend.Backend
	registry *reactor.Registry
	queue    *workqueue.Queue
	router   *router.Router

	workers      []*worker.Worker
	pollerTask   *poller.Poller
	housekeepers []*housekeeper.HouseKeeper
	pub          notifier.Publisher

	logger zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a Supervisor over store and registry, using strategy for
// group-level error handling and pub (may be nil) as the pub/sub publisher
// whose lifecycle the supervisor also manages if it implements Lifecycle.
// queue may be nil, in which case Supervisor builds its own from
// cfg.QueueCapacity; callers that also construct a notifier.Fanout (the
// postgres and sqlite paths) must build the queue themselves first and pass
// it here, since the Fanout and the Supervisor's workers have to share one
// queue for a push to ever reach a pop.
func New(store backend.Backend, registry *reactor.Registry, strategy errstrategy.Strategy, pub notifier.Publisher, queue *workqueue.Queue, cfg Config) *Supervisor {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.Workers
	}
	if queue == nil {
		queue = workqueue.New(cfg.QueueCapacity)
	}
	rt := router.New(store, strategy)

	s := &Supervisor{
		store:    store,
		registry: registry,
		queue:    queue,
		router:   rt,
		pub:      pub,
		logger:   log.WithComponent("supervisor"),
	}

	for i := 0; i < cfg.Workers; i++ {
		id := fmt.Sprintf("%s-%d", cfg.WorkerIDPrefix, i)
		s.workers = append(s.workers, worker.New(id, queue, rt,
			worker.WithBatchSize(cfg.BatchSize),
			worker.WithMaxDrainRounds(cfg.MaxDrainRounds),
		))
	}
	s.pollerTask = poller.New(registry, queue, cfg.PollInterval)
	for i := 0; i < cfg.HouseKeepers; i++ {
		s.housekeepers = append(s.housekeepers, housekeeper.New(store, cfg.HousekeepInterval, s.workerIDs,
			housekeeper.WithClaimTTL(cfg.ClaimTTL),
		))
	}

	return s
}

// Lifecycle is implemented by publishers that need their own start/stop,
// such as the Postgres LISTEN/NOTIFY bridge.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop()
}

func (s *Supervisor) workerIDs() []string {
	ids := make([]string, len(s.workers))
	for i, w := range s.workers {
		ids[i] = w.ID
	}
	return ids
}

// Start spawns every configured task concurrently. It returns once all
// tasks have been launched, not once they've finished (they run until
// Stop).
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("supervisor: already started")
	}

	for _, r := range s.registry.All() {
		info := r.ConsumerInfo()
		if _, err := s.store.RegisterConsumerGroup(ctx, info.GroupID, info.StartFrom); err != nil {
			return fmt.Errorf("supervisor: register consumer group %s: %w", info.GroupID, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if lc, ok := s.pub.(Lifecycle); ok {
		if err := lc.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("supervisor: start notifier: %w", err)
		}
	}

	s.pollerTask.Start()
	for _, h := range s.housekeepers {
		h.Start()
	}

	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker.Worker) {
			defer s.wg.Done()
			w.Run(runCtx)
		}(w)
	}

	s.started = true
	s.logger.Info().
		Int("workers", len(s.workers)).
		Int("housekeepers", len(s.housekeepers)).
		Msg("supervisor started")
	return nil
}

// Stop signals every task to stop, closes the work queue (unblocking any
// worker waiting in Pop), and waits for every task to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info().Msg("supervisor stopping")

	s.cancel()
	s.queue.Close()
	s.pollerTask.Stop()
	for _, h := range s.housekeepers {
		h.Stop()
	}
	if lc, ok := s.pub.(Lifecycle); ok {
		lc.Stop()
	}

	s.wg.Wait()
	s.logger.Info().Msg("supervisor stopped")
}

// Registry exposes the reactor registry, for cmd/sequent's admin subcommands.
func (s *Supervisor) Registry() *reactor.Registry {
	return s.registry
}
