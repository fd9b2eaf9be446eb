package events

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/shardmig/shardmig/pkg/log"
	"github.com/shardmig/shardmig/pkg/statestore"
)

const (
	drainInterval = time.Second
	drainBatch    = 100
	dedupeWindow  = 1024
)

// Drainer moves buffered events from the status store outbox onto the
// bus. Events are published before they are marked drained, so a crash
// between the two republishes; the drainer's dedupe window and consumer
// id-dedupe keep duplicates harmless.
type Drainer struct {
	store  statestore.Store
	bus    Bus
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}

	// recently published ids, bounded FIFO
	seen  map[string]bool
	order []string
}

// NewDrainer creates a drainer over the store outbox.
func NewDrainer(store statestore.Store, bus Bus) *Drainer {
	return &Drainer{
		store:  store,
		bus:    bus,
		logger: log.WithComponent("outbox"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		seen:   make(map[string]bool),
	}
}

// Start begins the drain loop.
func (d *Drainer) Start() {
	go d.run()
}

// Stop halts the drain loop and waits for it to exit.
func (d *Drainer) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Drainer) run() {
	defer close(d.doneCh)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	d.drain()
	for {
		select {
		case <-ticker.C:
			d.drain()
		case <-d.stopCh:
			d.drain()
			return
		}
	}
}

func (d *Drainer) drain() {
	pending, err := d.store.PendingOutbox(drainBatch)
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to read outbox")
		return
	}
	if len(pending) == 0 {
		return
	}

	drained := make([]string, 0, len(pending))
	for _, event := range pending {
		if !d.seen[event.ID] {
			d.bus.Publish(event)
			d.remember(event.ID)
		}
		drained = append(drained, event.ID)
	}

	if err := d.store.MarkDrained(drained); err != nil {
		d.logger.Warn().Err(err).Msg("failed to mark outbox events drained")
		return
	}
	d.logger.Debug().Int("events", len(drained)).Msg("outbox drained")
}

func (d *Drainer) remember(id string) {
	d.seen[id] = true
	d.order = append(d.order, id)
	if len(d.order) > dedupeWindow {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
}
