// Package housekeeper implements the background maintenance loop described
// in spec.md §4.9: promoting due scheduled messages, recording worker
// heartbeats, and reaping stale claims.
package housekeeper

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/log"
	"github.com/cuemby/sequent/pkg/metrics"
)

// WorkerIDs is called once per cycle to get the current set of running
// worker ids to heartbeat — a function rather than a static slice because
// the supervisor may add or remove workers over the process lifetime.
type WorkerIDs func() []string

// HouseKeeper runs the periodic maintenance cycle against a Backend.
type HouseKeeper struct {
	store           backend.Backend
	interval        time.Duration
	heartbeatEvery  time.Duration
	claimTTL        time.Duration
	workerIDs       WorkerIDs
	lastHeartbeat   time.Time

	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a HouseKeeper at construction time.
type Option func(*HouseKeeper)

// WithHeartbeatInterval overrides the default heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *HouseKeeper) { h.heartbeatEvery = d }
}

// WithClaimTTL overrides the default stale-claim TTL.
func WithClaimTTL(d time.Duration) Option {
	return func(h *HouseKeeper) { h.claimTTL = d }
}

// New returns a HouseKeeper that runs every interval against store.
func New(store backend.Backend, interval time.Duration, workerIDs WorkerIDs, opts ...Option) *HouseKeeper {
	h := &HouseKeeper{
		store:          store,
		interval:       interval,
		heartbeatEvery: 10 * time.Second,
		claimTTL:       60 * time.Second,
		workerIDs:      workerIDs,
		logger:         log.WithComponent("housekeeper"),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start begins the maintenance loop, staggering its first tick by a small
// random amount so multiple housekeepers in the same process (or fleet)
// don't all collide on the same instant.
func (h *HouseKeeper) Start() {
	go h.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (h *HouseKeeper) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *HouseKeeper) run() {
	defer close(h.doneCh)

	stagger := time.Duration(rand.Int63n(int64(h.interval)))
	select {
	case <-time.After(stagger):
	case <-h.stopCh:
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.cycle(context.Background())
	for {
		select {
		case <-ticker.C:
			h.cycle(context.Background())
		case <-h.stopCh:
			return
		}
	}
}

func (h *HouseKeeper) cycle(ctx context.Context) {
	promoted, err := h.store.UpdateSchedule(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("update schedule")
	} else if promoted > 0 {
		metrics.HousekeeperPromotedTotal.Add(float64(promoted))
		h.logger.Debug().Int("promoted", promoted).Msg("promoted scheduled messages")
	}

	if time.Since(h.lastHeartbeat) >= h.heartbeatEvery {
		ids := h.workerIDs()
		if len(ids) > 0 {
			if err := h.store.WorkerHeartbeat(ctx, ids); err != nil {
				h.logger.Error().Err(err).Msg("worker heartbeat")
			}
		}
		h.lastHeartbeat = time.Now()
	}

	reaped, err := h.store.ReleaseStaleClaims(ctx, h.claimTTL)
	if err != nil {
		h.logger.Error().Err(err).Msg("release stale claims")
	} else if reaped > 0 {
		metrics.HousekeeperClaimsReapedTotal.Add(float64(reaped))
		h.logger.Debug().Int("reaped", reaped).Msg("reaped stale claims")
	}
}
