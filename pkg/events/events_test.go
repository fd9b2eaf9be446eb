package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shardmig/shardmig/pkg/statestore"
	"github.com/shardmig/shardmig/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func recv(t *testing.T, sub Subscriber) *types.Event {
	t.Helper()
	select {
	case event := <-sub:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Publish(NewEvent("m1", types.EventStarted, map[string]string{"stage": "0"}))

	got := recv(t, sub)
	assert.Equal(t, "m1", got.MigrationID)
	assert.Equal(t, types.EventStarted, got.Kind)
	assert.Equal(t, "0", got.Payload["stage"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	a := broker.Subscribe()
	b := broker.Subscribe()

	broker.Publish(NewEvent("m1", types.EventCompleted, nil))

	assert.Equal(t, types.EventCompleted, recv(t, a).Kind)
	assert.Equal(t, types.EventCompleted, recv(t, b).Kind)
}

func TestBrokerSlowSubscriberDropsEvents(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()

	// Publish past the per-subscriber buffer without consuming; the
	// distribution loop must not block on the laggard.
	for i := 0; i < 80; i++ {
		broker.Publish(NewEvent("m1", types.EventProgress, nil))
	}

	assert.Eventually(t, func() bool {
		return len(sub) == cap(sub)
	}, 2*time.Second, 10*time.Millisecond, "laggard keeps at most its buffer")
}

func TestBrokerUnsubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open, "unsubscribed channel is closed")
}

func TestBrokerPreservesPerMigrationOrder(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()

	// All events of one migration ride the same lane, so a subscriber
	// sees them in publish order.
	for i := 0; i < 30; i++ {
		broker.Publish(NewEvent("m1", types.EventProgress, map[string]string{"n": fmt.Sprint(i)}))
	}
	for i := 0; i < 30; i++ {
		assert.Equal(t, fmt.Sprint(i), recv(t, sub).Payload["n"])
	}
}

func TestNewEventIDsAreUnique(t *testing.T) {
	a := NewEvent("m1", types.EventCreated, nil)
	b := NewEvent("m1", types.EventCreated, nil)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func newEventStore(t *testing.T) statestore.Store {
	t.Helper()
	store, err := statestore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDrainerPublishesOutbox(t *testing.T) {
	store := newEventStore(t)
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendEvent(NewEvent("m1", types.EventProgress, map[string]string{"n": fmt.Sprint(i)})))
	}

	drainer := NewDrainer(store, broker)
	drainer.Start()
	defer drainer.Stop()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[recv(t, sub).Payload["n"]] = true
	}
	assert.Len(t, seen, 3)

	assert.Eventually(t, func() bool {
		pending, err := store.PendingOutbox(10)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// countBus records publishes for dedupe assertions.
type countBus struct {
	events []*types.Event
}

func (c *countBus) Publish(event *types.Event) { c.events = append(c.events, event) }
func (c *countBus) Subscribe() Subscriber      { return nil }
func (c *countBus) Unsubscribe(sub Subscriber) {}

// failMarkStore fails the first MarkDrained so the same outbox batch is
// redelivered on the next drain.
type failMarkStore struct {
	statestore.Store
	failed bool
}

func (s *failMarkStore) MarkDrained(ids []string) error {
	if !s.failed {
		s.failed = true
		return fmt.Errorf("simulated crash before drain mark")
	}
	return s.Store.MarkDrained(ids)
}

func TestDrainerDedupesRedelivery(t *testing.T) {
	store := &failMarkStore{Store: newEventStore(t)}
	bus := &countBus{}
	drainer := NewDrainer(store, bus)

	require.NoError(t, store.AppendEvent(NewEvent("m1", types.EventCompleted, nil)))

	// First pass publishes but fails to mark; second pass sees the same
	// event, skips the publish, and marks it drained.
	drainer.drain()
	drainer.drain()

	assert.Len(t, bus.events, 1, "redelivered event published once")
	pending, err := store.PendingOutbox(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// fakeCoordinator records the commands applied to it.
type fakeCoordinator struct {
	mu        sync.Mutex
	admitted  []string
	begun     []string
	cancelled []string
}

func (f *fakeCoordinator) Admit(req *types.MigrationRequest) (*types.Migration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admitted = append(f.admitted, req.IdempotencyKey)
	return &types.Migration{ID: "mig-" + req.IdempotencyKey, State: types.MigrationPending}, nil
}

func (f *fakeCoordinator) Begin(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = append(f.begun, id)
	return nil
}

func (f *fakeCoordinator) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeCoordinator) snapshot() (admitted, begun, cancelled []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.admitted...),
		append([]string(nil), f.begun...),
		append([]string(nil), f.cancelled...)
}

func TestConsumerAdmitsAndBeginsRequestedMigration(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	coord := &fakeCoordinator{}
	consumer := NewConsumer(broker, coord)
	consumer.Start()
	defer consumer.Stop()

	broker.SendCommand(NewRequestCommand(&types.MigrationRequest{
		Name:           "rewrite-users",
		StoreClass:     types.StoreClassDocument,
		IdempotencyKey: "bus-submitted",
	}))

	assert.Eventually(t, func() bool {
		admitted, begun, _ := coord.snapshot()
		return len(admitted) == 1 && len(begun) == 1
	}, 2*time.Second, 10*time.Millisecond)

	admitted, begun, _ := coord.snapshot()
	assert.Equal(t, []string{"bus-submitted"}, admitted)
	assert.Equal(t, []string{"mig-bus-submitted"}, begun)
}

func TestConsumerCancelCommand(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	coord := &fakeCoordinator{}
	consumer := NewConsumer(broker, coord)
	consumer.Start()
	defer consumer.Stop()

	broker.SendCommand(NewCancelCommand("mig-42"))

	assert.Eventually(t, func() bool {
		_, _, cancelled := coord.snapshot()
		return len(cancelled) == 1 && cancelled[0] == "mig-42"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerDedupesRedeliveredCommands(t *testing.T) {
	coord := &fakeCoordinator{}
	consumer := NewConsumer(NewBroker(), coord)

	cmd := NewCancelCommand("mig-7")
	consumer.handle(cmd)
	consumer.handle(cmd)

	_, _, cancelled := coord.snapshot()
	assert.Len(t, cancelled, 1, "redelivered command applied once")
}

func TestDedupeWindowIsBounded(t *testing.T) {
	drainer := NewDrainer(newEventStore(t), &countBus{})
	for i := 0; i < dedupeWindow+50; i++ {
		drainer.remember(fmt.Sprintf("evt-%d", i))
	}
	assert.Len(t, drainer.seen, dedupeWindow)
	assert.False(t, drainer.seen["evt-0"], "oldest ids age out")
	assert.True(t, drainer.seen[fmt.Sprintf("evt-%d", dedupeWindow+49)])
}
