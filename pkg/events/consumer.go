package events

import (
	"github.com/rs/zerolog"

	"github.com/shardmig/shardmig/pkg/log"
	"github.com/shardmig/shardmig/pkg/metrics"
	"github.com/shardmig/shardmig/pkg/types"
)

// commandDedupe bounds how many recent command ids are remembered.
const commandDedupe = 256

// Coordinator is the surface commands are driven into.
type Coordinator interface {
	Admit(req *types.MigrationRequest) (*types.Migration, error)
	Begin(id string) error
	Cancel(id string) error
}

// Consumer drains operator commands off the bus and applies them to the
// coordinator. Redelivered commands are recognized by id and skipped;
// a command that fails is logged and dropped, the submitter observing
// the outcome through lifecycle events instead of a reply.
type Consumer struct {
	broker *Broker
	coord  Coordinator
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}

	// recently handled command ids, bounded FIFO
	seen  map[string]bool
	order []string
}

// NewConsumer builds a consumer over the broker's command stream.
func NewConsumer(broker *Broker, coord Coordinator) *Consumer {
	return &Consumer{
		broker: broker,
		coord:  coord,
		logger: log.WithComponent("commands"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		seen:   make(map[string]bool),
	}
}

// Start begins the consume loop.
func (c *Consumer) Start() {
	go c.run()
}

// Stop halts the consume loop and waits for it to exit.
func (c *Consumer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Consumer) run() {
	defer close(c.doneCh)
	for {
		select {
		case cmd := <-c.broker.Commands():
			c.handle(cmd)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Consumer) handle(cmd *types.Command) {
	if cmd.ID != "" {
		if c.seen[cmd.ID] {
			c.logger.Debug().Str("command", cmd.ID).Msg("redelivered command skipped")
			return
		}
		c.remember(cmd.ID)
	}
	metrics.CommandsConsumed.WithLabelValues(string(cmd.Kind)).Inc()

	switch cmd.Kind {
	case types.CommandRequest:
		if cmd.Request == nil {
			c.logger.Warn().Str("command", cmd.ID).Msg("request command without a request payload")
			return
		}
		m, err := c.coord.Admit(cmd.Request)
		if err != nil {
			c.logger.Warn().Err(err).Str("command", cmd.ID).Msg("request command rejected at admission")
			return
		}
		if err := c.coord.Begin(m.ID); err != nil {
			c.logger.Warn().Err(err).Str("migration", m.ID).Msg("admitted migration could not begin")
		}
	case types.CommandCancel:
		if err := c.coord.Cancel(cmd.MigrationID); err != nil {
			c.logger.Warn().Err(err).Str("migration", cmd.MigrationID).Msg("cancel command rejected")
		}
	default:
		c.logger.Warn().Str("kind", string(cmd.Kind)).Msg("unknown command kind")
	}
}

func (c *Consumer) remember(id string) {
	c.seen[id] = true
	c.order = append(c.order, id)
	if len(c.order) > commandDedupe {
		delete(c.seen, c.order[0])
		c.order = c.order[1:]
	}
}
