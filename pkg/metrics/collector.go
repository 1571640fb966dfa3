package metrics

import (
	"context"
	"time"

	"github.com/cuemby/sequent/pkg/backend"
)

// Collector periodically polls a Backend's Stats and republishes them as
// gauges. Scraped state is kept separate from the hot path so a prometheus
// read never blocks a claim or ack.
type Collector struct {
	store  backend.Backend
	stopCh chan struct{}
}

// NewCollector builds a Collector polling store.
func NewCollector(store backend.Backend) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds, immediately on start.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := c.store.Stats(ctx)
	if err != nil {
		return
	}

	stopped := 0
	for _, gs := range stats {
		if gs.Status == backend.GroupStopped {
			stopped++
		}
		ClaimsActive.WithLabelValues(gs.GroupID).Set(float64(gs.ActiveClaims))
		GroupRetryCount.WithLabelValues(gs.GroupID).Set(float64(gs.RetryCount))
	}
	GroupsStopped.Set(float64(stopped))
}
