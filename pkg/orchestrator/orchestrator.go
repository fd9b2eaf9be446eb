package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shardmig/shardmig/pkg/backup"
	"github.com/shardmig/shardmig/pkg/config"
	"github.com/shardmig/shardmig/pkg/driver"
	"github.com/shardmig/shardmig/pkg/events"
	"github.com/shardmig/shardmig/pkg/executor"
	"github.com/shardmig/shardmig/pkg/lock"
	"github.com/shardmig/shardmig/pkg/log"
	"github.com/shardmig/shardmig/pkg/pump"
	"github.com/shardmig/shardmig/pkg/statestore"
	"github.com/shardmig/shardmig/pkg/topology"
	"github.com/shardmig/shardmig/pkg/transform"
	"github.com/shardmig/shardmig/pkg/types"
	"github.com/shardmig/shardmig/pkg/validator"
)

const reapInterval = 10 * time.Second

// Orchestrator drives admitted migrations through their state machine.
// One orchestrator instance runs per coordinator process; a fresh
// process takes over crashed migrations by CAS-swapping the owner
// token, and fencing tokens neutralize whatever the old owner still
// writes.
type Orchestrator struct {
	cfg          *config.Config
	store        statestore.Store
	topo         *topology.Topology
	drivers      map[types.StoreClass]driver.Driver
	exec         *executor.Executor
	validate     *validator.Validator
	locks        *lock.Manager
	bus          events.Bus
	transformers *transform.Registry
	backups      backup.Store

	// ownerToken identifies this process in migration records.
	ownerToken string
	limiters   map[types.StoreClass]*pump.Limiter

	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles the collaborators an orchestrator is built from.
type Deps struct {
	Store        statestore.Store
	Topology     *topology.Topology
	Drivers      map[types.StoreClass]driver.Driver
	Executor     *executor.Executor
	Validator    *validator.Validator
	Locks        *lock.Manager
	Bus          events.Bus
	Backups      backup.Store
	Transformers *transform.Registry
}

// New builds an orchestrator. The owner token is fresh per process.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	limiters := map[types.StoreClass]*pump.Limiter{
		types.StoreClassDocument:   pump.NewLimiter(cfg.PerStoreClassParallelism),
		types.StoreClassRelational: pump.NewLimiter(cfg.PerStoreClassParallelism),
	}
	return &Orchestrator{
		cfg:          cfg,
		store:        deps.Store,
		topo:         deps.Topology,
		drivers:      deps.Drivers,
		exec:         deps.Executor,
		validate:     deps.Validator,
		locks:        deps.Locks,
		bus:          deps.Bus,
		backups:      deps.Backups,
		transformers: deps.Transformers,
		ownerToken:   uuid.New().String(),
		limiters:     limiters,
		logger:       log.WithComponent("orchestrator"),
		running:      make(map[string]context.CancelFunc),
		stopCh:       make(chan struct{}),
	}
}

// OwnerToken returns this process's owner identity.
func (o *Orchestrator) OwnerToken() string {
	return o.ownerToken
}

// Start launches the background loops and resumes interrupted work.
func (o *Orchestrator) Start() error {
	if err := o.recover(); err != nil {
		return err
	}

	o.wg.Add(1)
	go o.reapLoop()
	return nil
}

// Stop cancels in-flight migrations cooperatively and waits for them to
// park. Parked work resumes from checkpoints on the next Start.
func (o *Orchestrator) Stop() {
	close(o.stopCh)

	o.mu.Lock()
	for _, cancel := range o.running {
		cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
}

func (o *Orchestrator) reapLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			err := o.locks.ReapStale(func(holder string) bool {
				m, err := o.store.GetMigration(holder)
				if err != nil {
					return false
				}
				// Unrecoverable migrations keep their locks until an
				// operator acknowledges.
				if len(m.Unrecoverable) > 0 {
					return false
				}
				return m.State.Terminal()
			})
			if err != nil {
				o.logger.Warn().Err(err).Msg("lock reap pass failed")
			}
		}
	}
}

// recover scans for migrations this process should resume: anything
// non-terminal whose owner is gone. Ownership moves by CAS so two
// coordinators racing a takeover resolve to one winner.
func (o *Orchestrator) recover() error {
	migrations, err := o.store.ListMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.State.Terminal() || m.State == types.MigrationCreated {
			continue
		}
		m.OwnerToken = o.ownerToken
		if err := o.store.CASMigration(m); err != nil {
			// Another coordinator won the takeover.
			o.logger.Debug().Str("migration", m.ID).Msg("takeover lost, skipping")
			continue
		}
		o.logger.Info().
			Str("migration", m.ID).
			Str("state", string(m.State)).
			Msg("resuming interrupted migration")
		o.launch(m.ID)
	}
	return nil
}

// launch runs a migration asynchronously with a cancellable context.
func (o *Orchestrator) launch(id string) {
	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if _, already := o.running[id]; already {
		o.mu.Unlock()
		cancel()
		return
	}
	o.running[id] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.running, id)
			o.mu.Unlock()
		}()
		o.run(ctx, id)
	}()
}

// emit appends a lifecycle event to the durable history and outbox.
// Under the outboxed bus kind the drainer picks it up asynchronously
// with at-least-once delivery; the memory kind publishes inline and
// drains the outbox entry immediately.
func (o *Orchestrator) emit(migrationID string, kind types.EventKind, payload map[string]string) {
	event := events.NewEvent(migrationID, kind, payload)
	if err := o.store.AppendEvent(event); err != nil {
		o.logger.Error().Err(err).Str("migration", migrationID).Str("kind", string(kind)).Msg("failed to append event")
		return
	}
	if o.cfg.EventBusKind == config.BusMemory && o.bus != nil {
		o.bus.Publish(event)
		if err := o.store.MarkDrained([]string{event.ID}); err != nil {
			o.logger.Warn().Err(err).Msg("failed to drain inline event")
		}
	}
}
