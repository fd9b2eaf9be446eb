package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/shardmig/shardmig/pkg/backup"
	"github.com/shardmig/shardmig/pkg/driver"
	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/log"
	"github.com/shardmig/shardmig/pkg/metrics"
	"github.com/shardmig/shardmig/pkg/pump"
	"github.com/shardmig/shardmig/pkg/statestore"
	"github.com/shardmig/shardmig/pkg/transform"
	"github.com/shardmig/shardmig/pkg/types"
)

// Options tune retry, batching and throttling behavior.
type Options struct {
	MaxRetries    int
	BackoffFactor float64

	InitialBatch  int
	MinBatch      int
	MaxBatch      int
	HighWatermark time.Duration
	LowWatermark  time.Duration
	AdjustEvery   int

	// ThrottleRate caps batches per second per step; zero disables.
	ThrottleRate int
}

// Executor runs individual plan steps against shard connections. It is
// stateless between calls: everything needed to resume lives in the
// status store, keyed by (migration, step, shard).
type Executor struct {
	store        statestore.Store
	schemas      *driver.SchemaRegistry
	transformers *transform.Registry
	backups      backup.Store
	opts         Options
}

func New(store statestore.Store, schemas *driver.SchemaRegistry, transformers *transform.Registry, backups backup.Store, opts Options) *Executor {
	return &Executor{
		store:        store,
		schemas:      schemas,
		transformers: transformers,
		backups:      backups,
		opts:         opts,
	}
}

// Run executes one plan step on an open shard connection. resource and
// token are the shard lease this execution runs under; every progress
// write carries the token so a zombie holder is fenced out. Completed
// steps are skipped, partially-run data steps resume from their last
// checkpoint, and batches already applied before a crash are re-applied
// as upsert no-ops.
func (e *Executor) Run(ctx context.Context, migrationID string, step *types.PlanStep, conn driver.Conn, resource string, token uint64, limiter *pump.Limiter) error {
	logger := log.WithMigrationID(migrationID).With().
		Str("step", step.ID).
		Str("shard", string(step.Shard)).
		Logger()

	progress, err := e.loadOrCreate(migrationID, step, resource, token)
	if err != nil {
		return err
	}
	if progress.Status == types.ProgressCompleted {
		logger.Debug().Msg("step already completed, skipping")
		return nil
	}

	progress.Status = types.ProgressRunning
	if progress.StartedAt.IsZero() {
		progress.StartedAt = time.Now().UTC()
	}
	progress.Error = ""
	if err := e.store.UpsertProgress(progress, resource, token); err != nil {
		return err
	}

	switch step.Kind {
	case types.StepKindSchema:
		err = e.runSchema(ctx, step, conn, logger)
	case types.StepKindData:
		err = e.runData(ctx, migrationID, step, conn, resource, token, limiter, progress, logger)
	default:
		err = errdefs.New(errdefs.ClassStructural, "UNKNOWN_STEP_KIND", fmt.Sprintf("step %s has unknown kind %q", step.ID, step.Kind))
	}

	if err != nil {
		progress.Status = types.ProgressFailed
		progress.Error = err.Error()
		progress.EndedAt = time.Now().UTC()
		if perr := e.store.UpsertProgress(progress, resource, token); perr != nil {
			logger.Error().Err(perr).Msg("failed to record step failure")
		}
		return err
	}

	progress.Status = types.ProgressCompleted
	progress.Error = ""
	progress.EndedAt = time.Now().UTC()
	return e.store.UpsertProgress(progress, resource, token)
}

func (e *Executor) loadOrCreate(migrationID string, step *types.PlanStep, resource string, token uint64) (*types.ShardProgress, error) {
	key := types.ProgressKey{MigrationID: migrationID, StepID: step.ID, Shard: step.Shard}
	progress, err := e.store.GetProgress(key)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		return progress, nil
	}

	progress = &types.ShardProgress{
		MigrationID: migrationID,
		StepID:      step.ID,
		Shard:       step.Shard,
		Status:      types.ProgressPending,
		TotalItems:  step.EstimatedItems,
	}
	if err := e.store.UpsertProgress(progress, resource, token); err != nil {
		return nil, err
	}
	return progress, nil
}

func (e *Executor) runSchema(ctx context.Context, step *types.PlanStep, conn driver.Conn, logger zerolog.Logger) error {
	change, err := e.schemas.Lookup(step.SchemaRef)
	if err != nil {
		return errdefs.New(errdefs.ClassStructural, "SCHEMA_UNKNOWN", err.Error())
	}

	var applied bool
	err = e.retry(ctx, func() error {
		var aerr error
		applied, aerr = conn.ApplySchema(ctx, change)
		return aerr
	})
	if err != nil {
		return err
	}

	if !applied {
		logger.Info().Str("schema", change.Ref).Msg("schema change already applied")
	} else {
		logger.Info().Str("schema", change.Ref).Msg("schema change applied")
	}
	return nil
}

func (e *Executor) runData(ctx context.Context, migrationID string, step *types.PlanStep, conn driver.Conn, resource string, token uint64, limiter *pump.Limiter, progress *types.ShardProgress, logger zerolog.Logger) error {
	transformer, err := e.transformers.Lookup(step.Transformer)
	if err != nil {
		return err
	}

	// Snapshot before the first batch. A resumed step keeps the snapshot
	// it took on first entry.
	if err := e.backups.Snapshot(ctx, migrationID, step.ID, conn, step.Collection); err != nil {
		return errdefs.Transient(fmt.Errorf("snapshot failed: %w", err))
	}

	p := pump.New(conn, step.Shard, step.Collection, limiter, pump.Options{
		InitialSize:   e.opts.InitialBatch,
		MinBatch:      e.opts.MinBatch,
		MaxBatch:      e.opts.MaxBatch,
		HighWatermark: e.opts.HighWatermark,
		LowWatermark:  e.opts.LowWatermark,
		AdjustEvery:   e.opts.AdjustEvery,
	})

	var minInterval time.Duration
	if e.opts.ThrottleRate > 0 {
		minInterval = time.Second / time.Duration(e.opts.ThrottleRate)
	}

	cursor := progress.LastCheckpoint
	if cursor != "" {
		logger.Info().Str("checkpoint", cursor).Msg("resuming from checkpoint")
	}

	for {
		// Cancellation is cooperative: checked between batches, never
		// mid-batch, so an applied batch is always checkpointed.
		if err := ctx.Err(); err != nil {
			return err
		}

		timer := metrics.NewTimer()
		records, next, release, err := p.Next(ctx, cursor)
		if err != nil {
			return err
		}

		applied := 0
		if len(records) > 0 {
			transformed, dropped, terr := transform.ApplyAll(transformer.Apply, records)
			if terr != nil {
				release()
				return terr
			}
			if len(transformed) > 0 {
				err = e.retry(ctx, func() error {
					var aerr error
					applied, aerr = conn.ApplyBatch(ctx, step.Collection, transformed)
					return aerr
				})
				if err != nil {
					release()
					return err
				}
			}
			// Records the transformer mapped to nil are removed from the
			// target before the checkpoint commits. Replaying a delete is
			// a no-op, like replaying an upsert.
			if len(dropped) > 0 {
				err = e.retry(ctx, func() error {
					_, derr := conn.DeleteRecords(ctx, step.Collection, dropped)
					return derr
				})
				if err != nil {
					release()
					return err
				}
			}
		}

		// The checkpoint commits only after the batch is durable at the
		// target. A crash between apply and checkpoint replays the batch;
		// upsert-by-id makes the replay a no-op.
		progress.ItemsProcessed += int64(len(records))
		progress.LastCheckpoint = next
		if next == "" {
			// Keep the final cursor so a replayed completion is stable.
			progress.LastCheckpoint = cursor
		}
		if err := e.store.UpsertProgress(progress, resource, token); err != nil {
			release()
			return err
		}
		release()

		elapsed := timer.ObserveBatch(string(step.Shard))
		metrics.BatchesApplied.WithLabelValues(string(step.Shard)).Inc()
		p.Observe(elapsed, conn.Health(ctx))

		logger.Debug().
			Int("records", len(records)).
			Int("applied", applied).
			Int64("total", progress.ItemsProcessed).
			Msg("batch applied")

		if next == "" {
			return nil
		}
		cursor = next

		if minInterval > 0 && elapsed < minInterval {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(minInterval - elapsed):
			}
		}
	}
}

// retry runs op with exponential backoff for transient and contention
// failures, up to the configured attempt limit. Logical, structural and
// fatal errors abort immediately.
func (e *Executor) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.Multiplier = e.opts.BackoffFactor
	b.InitialInterval = 100 * time.Millisecond

	attempts := uint64(e.opts.MaxRetries)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !errdefs.Retryable(err) {
			return backoff.Permanent(err)
		}
		metrics.ExecutorRetries.WithLabelValues(string(errdefs.ClassOf(err))).Inc()
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, attempts), ctx))
}
