package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shardmig/shardmig/pkg/config"
	"github.com/shardmig/shardmig/pkg/driver"
	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/lock"
	"github.com/shardmig/shardmig/pkg/metrics"
	"github.com/shardmig/shardmig/pkg/types"
)

// lockAcquireAttempts bounds how long a migration queues behind busy
// shard leases before failing with lock contention.
const lockAcquireAttempts = 5

// run drives one migration from its current state to a terminal state,
// or parks it when the process is shutting down.
func (o *Orchestrator) run(ctx context.Context, id string) {
	m, err := o.store.GetMigration(id)
	if err != nil {
		o.logger.Error().Err(err).Str("migration", id).Msg("cannot load migration")
		return
	}
	req, err := o.store.GetRequest(m.RequestID)
	if err != nil {
		o.fail(m, fmt.Errorf("request lost: %w", err))
		return
	}
	plan, err := o.store.GetPlan(m.ID)
	if err != nil {
		o.fail(m, fmt.Errorf("plan lost: %w", err))
		return
	}

	conns, closeConns, err := o.openConns(ctx, m.StoreClass, plan)
	if err != nil {
		o.fail(m, err)
		return
	}
	defer closeConns()

	// Resumed rollback and cancellation paths skip forward execution.
	switch m.State {
	case types.MigrationCancelling:
		o.rollback(m, plan, conns, types.MigrationCancelled, types.EventCancelled)
		return
	case types.MigrationFailing, types.MigrationRollingBack:
		o.rollback(m, plan, conns, types.MigrationRolledBack, types.EventRolledBack)
		return
	}

	// Forward dispatch runs against the shard set the plan was built on.
	// A plan pinned to an evicted topology version cannot be resumed
	// safely; the operator re-plans.
	if _, terr := o.topo.At(plan.TopologyVersion); terr != nil {
		o.fail(m, terr)
		return
	}

	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, m.CreatedAt.Add(req.Deadline))
		defer cancel()
	}

	if m.State == types.MigrationPending {
		if err := o.validate.PreCheck(ctx, plan, conns, m.ID); err != nil {
			o.fail(m, err)
			return
		}
		m.State = types.MigrationRunning
		m.StartedAt = time.Now().UTC()
		if err := o.store.CASMigration(m); err != nil {
			o.logger.Error().Err(err).Str("migration", id).Msg("lost migration ownership")
			return
		}
		o.emit(m.ID, types.EventStarted, map[string]string{"digest": plan.Digest})
	}

	if err := o.acquireShardLocks(ctx, m, plan); err != nil {
		o.fail(m, err)
		return
	}

	keepCtx, stopKeepAlive := context.WithCancel(context.Background())
	go o.locks.KeepAlive(keepCtx, m.ID)
	defer stopKeepAlive()

	err = o.executeStages(ctx, m, req, plan, conns)
	if err == nil {
		err = o.finalValidation(ctx, m, req, plan, conns)
	}
	if err == nil {
		err = o.complete(m)
	}

	if err != nil {
		o.settleFailure(ctx, m, plan, conns, err)
	}
}

// executeStages runs remaining plan stages in order. Steps inside a
// stage run concurrently, longest critical path first, serialized per
// shard; the per-store-class batch limiter throttles actual I/O.
func (o *Orchestrator) executeStages(ctx context.Context, m *types.Migration, req *types.MigrationRequest, plan *types.Plan, conns map[types.ShardID]driver.Conn) error {
	for idx := m.CurrentStage; idx < len(plan.Stages); idx++ {
		stage := plan.Stages[idx]

		byShard := make(map[types.ShardID][]*types.PlanStep)
		for _, step := range stage.Steps {
			byShard[step.Shard] = append(byShard[step.Shard], step)
		}
		for _, steps := range byShard {
			sort.Slice(steps, func(i, j int) bool {
				if steps[i].Depth != steps[j].Depth {
					return steps[i].Depth > steps[j].Depth
				}
				if steps[i].EstimatedItems != steps[j].EstimatedItems {
					return steps[i].EstimatedItems > steps[j].EstimatedItems
				}
				return steps[i].ID < steps[j].ID
			})
		}

		g, gctx := errgroup.WithContext(ctx)
		for shard, steps := range byShard {
			shard, steps := shard, steps
			g.Go(func() error {
				conn := conns[shard]
				resource := lock.ShardResource(m.StoreClass, shard)
				token, err := o.locks.Token(resource)
				if err != nil {
					return err
				}
				for _, step := range steps {
					if err := o.runStep(gctx, m, step, conn, resource, token, req.StepTimeout); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		m.CurrentStage = idx + 1
		o.refreshProgress(m)
		if err := o.store.CASMigration(m); err != nil {
			return err
		}
		o.emit(m.ID, types.EventProgress, map[string]string{
			"stage": strconv.Itoa(idx + 1),
			"done":  strconv.FormatInt(m.ItemsDone, 10),
		})
	}
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, m *types.Migration, step *types.PlanStep, conn driver.Conn, resource string, token uint64, stepTimeout time.Duration) error {
	o.emit(m.ID, types.EventStepStarted, map[string]string{"step": step.ID})

	// The per-step timeout bounds a single step's execution; validation
	// and later steps run under the migration context.
	runCtx := ctx
	if stepTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, stepTimeout)
		defer cancel()
	}

	limiter := o.limiters[m.StoreClass]
	if err := o.exec.Run(runCtx, m.ID, step, conn, resource, token, limiter); err != nil {
		o.emit(m.ID, types.EventStepFailed, map[string]string{
			"step":  step.ID,
			"error": err.Error(),
			"class": string(errdefs.ClassOf(err)),
		})
		return err
	}

	if step.Kind == types.StepKindData {
		if err := o.validate.PostStep(ctx, m.ID, step, conn); err != nil {
			o.emit(m.ID, types.EventValidationFailed, map[string]string{
				"step":  step.ID,
				"error": err.Error(),
			})
			return err
		}
		metrics.ItemsProcessed.WithLabelValues(string(m.StoreClass)).Add(float64(step.EstimatedItems))
	}

	o.emit(m.ID, types.EventStepCompleted, map[string]string{"step": step.ID})
	return nil
}

func (o *Orchestrator) finalValidation(ctx context.Context, m *types.Migration, req *types.MigrationRequest, plan *types.Plan, conns map[types.ShardID]driver.Conn) error {
	m.State = types.MigrationValidating
	if err := o.store.CASMigration(m); err != nil {
		return err
	}

	if err := o.validate.CrossShard(ctx, m.ID, req.Probes, conns); err != nil {
		o.emit(m.ID, types.EventValidationFailed, map[string]string{"error": err.Error()})
		return err
	}
	return nil
}

func (o *Orchestrator) complete(m *types.Migration) error {
	o.refreshProgress(m)
	m.State = types.MigrationCompleted
	m.EndedAt = time.Now().UTC()
	if err := o.store.CASMigration(m); err != nil {
		return err
	}
	o.emit(m.ID, types.EventCompleted, nil)
	o.locks.Release(m.ID)
	if err := o.backups.Drop(m.ID); err != nil {
		o.logger.Warn().Err(err).Str("migration", m.ID).Msg("failed to drop snapshots")
	}
	o.logger.Info().Str("migration", m.ID).Int64("items", m.ItemsDone).Msg("migration completed")
	return nil
}

// settleFailure decides what a forward-path error does: park on
// shutdown, roll back on cancellation or (per policy) on failure, halt
// into failed otherwise. A CAS conflict means a concurrent writer (a
// Cancel, typically) bumped the record; the fresh copy is re-read
// before deciding.
func (o *Orchestrator) settleFailure(ctx context.Context, m *types.Migration, plan *types.Plan, conns map[types.ShardID]driver.Conn, cause error) {
	if errors.Is(cause, context.Canceled) ||
		errors.Is(cause, context.DeadlineExceeded) ||
		errors.Is(cause, errdefs.ErrCASConflict) {
		if current, err := o.store.GetMigration(m.ID); err == nil {
			*m = *current
		}
		if m.State == types.MigrationCancelling {
			o.rollback(m, plan, conns, types.MigrationCancelled, types.EventCancelled)
			return
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			// A migration deadline or per-step timeout behaves like an
			// external cancel: roll back and land in cancelled.
			m.State = types.MigrationCancelling
			m.Error = "deadline exceeded"
			if err := o.store.CASMigration(m); err != nil {
				o.logger.Error().Err(err).Str("migration", m.ID).Msg("failed to enter cancelling")
				return
			}
			o.rollback(m, plan, conns, types.MigrationCancelled, types.EventCancelled)
			return
		}
		if errors.Is(cause, context.Canceled) {
			// Process shutdown: park as-is, recovery resumes from checkpoints.
			o.logger.Info().Str("migration", m.ID).Msg("migration parked for resume")
			return
		}
		// CAS conflict from another writer, but not a cancellation: fall
		// through to the failure path with the refreshed record.
	}

	m.State = types.MigrationFailing
	m.Error = cause.Error()
	if err := o.store.CASMigration(m); err != nil {
		if errors.Is(err, errdefs.ErrCASConflict) {
			// Cancel raced the failure settle; honor it.
			if current, gerr := o.store.GetMigration(m.ID); gerr == nil && current.State == types.MigrationCancelling {
				*m = *current
				o.rollback(m, plan, conns, types.MigrationCancelled, types.EventCancelled)
				return
			}
		}
		o.logger.Error().Err(err).Str("migration", m.ID).Msg("failed to record failing state")
		return
	}

	if o.cfg.RollbackPolicy == config.RollbackHalt {
		o.fail(m, cause)
		return
	}
	o.rollback(m, plan, conns, types.MigrationRolledBack, types.EventRolledBack)
}

// rollback compensates completed work in reverse stage order and lands
// the migration in final (rolled_back or cancelled). Steps whose
// compensation is unavailable are recorded as unrecoverable; their
// shards stay locked until an operator acknowledges.
func (o *Orchestrator) rollback(m *types.Migration, plan *types.Plan, conns map[types.ShardID]driver.Conn, final types.MigrationState, finalEvent types.EventKind) {
	if m.State != types.MigrationCancelling {
		m.State = types.MigrationRollingBack
		if err := o.store.CASMigration(m); err != nil {
			o.logger.Error().Err(err).Str("migration", m.ID).Msg("failed to enter rolling_back")
			return
		}
	}

	// Rollback gets its own context: it must finish even though the
	// forward context is cancelled.
	ctx := context.Background()

	var unrecoverable []string
	for idx := len(plan.Stages) - 1; idx >= 0; idx-- {
		for i := len(plan.Stages[idx].Steps) - 1; i >= 0; i-- {
			step := plan.Stages[idx].Steps[i]
			conn, ok := conns[step.Shard]
			if !ok {
				unrecoverable = append(unrecoverable, step.ID)
				continue
			}
			resource := lock.ShardResource(m.StoreClass, step.Shard)
			token, err := o.locks.Token(resource)
			if err != nil {
				// Lease lost mid-rollback; reacquire under the same holder.
				if _, aerr := o.locks.Acquire([]string{resource}, m.ID); aerr != nil {
					unrecoverable = append(unrecoverable, step.ID)
					continue
				}
				token, _ = o.locks.Token(resource)
			}
			if err := o.exec.Compensate(ctx, m.ID, step, conn, resource, token); err != nil {
				o.logger.Error().Err(err).
					Str("migration", m.ID).
					Str("step", step.ID).
					Msg("compensation failed")
				unrecoverable = append(unrecoverable, step.ID)
			}
		}
	}

	if len(unrecoverable) > 0 {
		m.Unrecoverable = unrecoverable
		m.State = types.MigrationFailed
		m.EndedAt = time.Now().UTC()
		if err := o.store.CASMigration(m); err != nil {
			o.logger.Error().Err(err).Str("migration", m.ID).Msg("failed to record unrecoverable state")
			return
		}
		o.emit(m.ID, types.EventFailed, map[string]string{
			"error":         m.Error,
			"unrecoverable": strconv.Itoa(len(unrecoverable)),
		})
		// Locks are deliberately kept: the shards hold inconsistent data.
		o.logger.Error().
			Str("migration", m.ID).
			Strs("steps", unrecoverable).
			Msg("rollback left unrecoverable steps, shards remain locked until ack")
		return
	}

	m.State = final
	m.EndedAt = time.Now().UTC()
	if err := o.store.CASMigration(m); err != nil {
		o.logger.Error().Err(err).Str("migration", m.ID).Msg("failed to record rollback completion")
		return
	}
	o.emit(m.ID, finalEvent, nil)
	o.locks.Release(m.ID)
	if err := o.backups.Drop(m.ID); err != nil {
		o.logger.Warn().Err(err).Str("migration", m.ID).Msg("failed to drop snapshots")
	}
	o.logger.Info().Str("migration", m.ID).Str("state", string(final)).Msg("rollback finished")
}

// fail lands a migration in failed without compensation. Used before
// any shard work happened, or under the halt rollback policy.
func (o *Orchestrator) fail(m *types.Migration, cause error) {
	m.State = types.MigrationFailed
	m.Error = cause.Error()
	m.EndedAt = time.Now().UTC()
	if err := o.store.CASMigration(m); err != nil {
		o.logger.Error().Err(err).Str("migration", m.ID).Msg("failed to record failure")
		return
	}
	o.emit(m.ID, types.EventFailed, map[string]string{
		"error": cause.Error(),
		"class": string(errdefs.ClassOf(cause)),
	})
	o.locks.Release(m.ID)
	o.logger.Error().Err(cause).Str("migration", m.ID).Msg("migration failed")
}

// acquireShardLocks leases every shard and collection the plan
// touches, holder-keyed by migration id. Busy leases are retried a few
// times with linear backoff before the migration fails with lock
// contention.
func (o *Orchestrator) acquireShardLocks(ctx context.Context, m *types.Migration, plan *types.Plan) error {
	seen := make(map[string]bool)
	var resources []string
	add := func(r string) {
		if !seen[r] {
			resources = append(resources, r)
			seen[r] = true
		}
	}
	for _, stage := range plan.Stages {
		for _, step := range stage.Steps {
			add(lock.ShardResource(m.StoreClass, step.Shard))
			if step.Collection != "" {
				add(lock.CollectionResource(step.Collection))
			}
		}
	}
	sort.Strings(resources)

	var err error
	for attempt := 1; attempt <= lockAcquireAttempts; attempt++ {
		_, err = o.locks.Acquire(resources, m.ID)
		if err == nil {
			metrics.LocksAcquired.Add(float64(len(resources)))
			return nil
		}
		if !errors.Is(err, errdefs.ErrLockBusy) {
			return err
		}
		metrics.LockContention.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return errdefs.Wrap(errdefs.ErrLockUnavailable, err)
}

// openConns dials every shard the plan touches once and shares the
// connection across steps.
func (o *Orchestrator) openConns(ctx context.Context, class types.StoreClass, plan *types.Plan) (map[types.ShardID]driver.Conn, func(), error) {
	drv, ok := o.drivers[class]
	if !ok {
		return nil, nil, errdefs.New(errdefs.ClassStructural, "STORE_CLASS_UNCONFIGURED",
			fmt.Sprintf("no driver configured for store class %s", class))
	}

	conns := make(map[types.ShardID]driver.Conn)
	closeAll := func() {
		for _, conn := range conns {
			if err := conn.Close(); err != nil {
				o.logger.Warn().Err(err).Msg("failed to close shard connection")
			}
		}
	}

	for _, stage := range plan.Stages {
		for _, step := range stage.Steps {
			if _, dialed := conns[step.Shard]; dialed {
				continue
			}
			conn, err := drv.Open(ctx, step.Shard)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			conns[step.Shard] = conn
		}
	}
	return conns, closeAll, nil
}

// refreshProgress aggregates per-shard progress into the migration record.
func (o *Orchestrator) refreshProgress(m *types.Migration) {
	progress, err := o.store.ListProgress(m.ID)
	if err != nil {
		return
	}
	var done int64
	for _, p := range progress {
		done += p.ItemsProcessed
	}
	m.ItemsDone = done
}
