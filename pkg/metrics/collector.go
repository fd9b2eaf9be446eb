package metrics

import (
	"time"

	"github.com/shardmig/shardmig/pkg/statestore"
	"github.com/shardmig/shardmig/pkg/types"
)

// Collector periodically samples gauge metrics from the status store.
type Collector struct {
	store  statestore.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store statestore.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectMigrationMetrics()
	c.collectOutboxMetrics()
}

func (c *Collector) collectMigrationMetrics() {
	migrations, err := c.store.ListMigrations()
	if err != nil {
		return
	}

	counts := make(map[types.MigrationState]int)
	for _, m := range migrations {
		counts[m.State]++
	}
	for state, count := range counts {
		MigrationsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectOutboxMetrics() {
	pending, err := c.store.PendingOutbox(10000)
	if err != nil {
		return
	}
	OutboxDepth.Set(float64(len(pending)))
}
