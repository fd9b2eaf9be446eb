package events

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shardmig/shardmig/pkg/metrics"
	"github.com/shardmig/shardmig/pkg/types"
)

// Bus delivers migration lifecycle events to subscribers. Delivery is
// at-least-once, ordered per migration id; consumers dedupe by event id.
type Bus interface {
	Publish(event *types.Event)
	Subscribe() Subscriber
	Unsubscribe(sub Subscriber)
}

// Subscriber is a channel that receives events.
type Subscriber chan *types.Event

const (
	// laneCount partitions dispatch by migration id. One migration
	// always hashes to one lane, so its events fan out in publish
	// order; ordering across migrations is unspecified.
	laneCount = 8
	laneDepth = 128

	subscriberBuffer = 50
	commandDepth     = 64
)

// Broker is the in-process bus back-end. Events are dispatched over
// id-hashed lanes to keep per-migration order; slow subscribers drop
// events rather than stall a lane, the outbox in the status store
// being the durable record. The broker also carries inbound operator
// commands toward the coordinator-side consumer.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool

	lanes    []chan *types.Event
	commands chan *types.Command
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewBroker creates an idle broker; Start launches its lane dispatchers.
func NewBroker() *Broker {
	lanes := make([]chan *types.Event, laneCount)
	for i := range lanes {
		lanes[i] = make(chan *types.Event, laneDepth)
	}
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		lanes:       lanes,
		commands:    make(chan *types.Command, commandDepth),
		stopCh:      make(chan struct{}),
	}
}

// Start launches one dispatch goroutine per lane.
func (b *Broker) Start() {
	for _, lane := range b.lanes {
		b.wg.Add(1)
		go b.dispatch(lane)
	}
}

// Stop halts dispatch and waits for the lane goroutines to exit.
func (b *Broker) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues an event on its migration's lane.
func (b *Broker) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case b.laneFor(event.MigrationID) <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) laneFor(migrationID string) chan *types.Event {
	h := fnv.New32a()
	h.Write([]byte(migrationID))
	return b.lanes[int(h.Sum32())%laneCount]
}

func (b *Broker) dispatch(lane chan *types.Event) {
	defer b.wg.Done()
	for {
		select {
		case event := <-lane:
			b.fanOut(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) fanOut(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Laggard's buffer is full; it misses this event.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// SendCommand enqueues an operator command for the consumer.
func (b *Broker) SendCommand(cmd *types.Command) {
	select {
	case b.commands <- cmd:
	case <-b.stopCh:
	}
}

// Commands exposes the inbound command stream.
func (b *Broker) Commands() <-chan *types.Command {
	return b.commands
}

// NewEvent builds a lifecycle event with a fresh id.
func NewEvent(migrationID string, kind types.EventKind, payload map[string]string) *types.Event {
	return &types.Event{
		ID:          uuid.New().String(),
		MigrationID: migrationID,
		Kind:        kind,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

// NewRequestCommand wraps a migration request for bus submission.
func NewRequestCommand(req *types.MigrationRequest) *types.Command {
	return &types.Command{
		ID:      uuid.New().String(),
		Kind:    types.CommandRequest,
		Request: req,
	}
}

// NewCancelCommand builds a cancellation command for a migration.
func NewCancelCommand(migrationID string) *types.Command {
	return &types.Command{
		ID:          uuid.New().String(),
		Kind:        types.CommandCancel,
		MigrationID: migrationID,
	}
}
