package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shardmig/shardmig/pkg/driver"
	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/log"
	"github.com/shardmig/shardmig/pkg/transform"
	"github.com/shardmig/shardmig/pkg/types"
)

const compensateChunk = 500

// Compensate undoes one completed (or partially completed) plan step.
// Schema steps run the store-native down-migration. Data steps replay
// the inverse transformer over the collection when one is registered,
// and otherwise restore the pre-step snapshot. A step with neither is
// unrecoverable and surfaces ErrMissingCompensation; the orchestrator
// then holds the shard locked until an operator acknowledges.
func (e *Executor) Compensate(ctx context.Context, migrationID string, step *types.PlanStep, conn driver.Conn, resource string, token uint64) error {
	logger := log.WithMigrationID(migrationID).With().
		Str("step", step.ID).
		Str("shard", string(step.Shard)).
		Logger()

	key := types.ProgressKey{MigrationID: migrationID, StepID: step.ID, Shard: step.Shard}
	progress, err := e.store.GetProgress(key)
	if err != nil {
		return err
	}
	if progress == nil {
		// Never started on this shard, nothing to undo.
		return nil
	}
	if progress.Status == types.ProgressPending || progress.Status == types.ProgressSkipped {
		return nil
	}

	switch step.Kind {
	case types.StepKindSchema:
		err = e.compensateSchema(ctx, step, conn)
	case types.StepKindData:
		err = e.compensateData(ctx, migrationID, step, conn)
	default:
		err = errdefs.New(errdefs.ClassStructural, "UNKNOWN_STEP_KIND", fmt.Sprintf("step %s has unknown kind %q", step.ID, step.Kind))
	}
	if err != nil {
		return err
	}

	progress.Status = types.ProgressSkipped
	progress.LastCheckpoint = ""
	progress.EndedAt = time.Now().UTC()
	if perr := e.store.UpsertProgress(progress, resource, token); perr != nil {
		return perr
	}
	logger.Info().Msg("step compensated")
	return nil
}

func (e *Executor) compensateSchema(ctx context.Context, step *types.PlanStep, conn driver.Conn) error {
	change, err := e.schemas.Lookup(step.SchemaRef)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrMissingCompensation, err)
	}

	applied, err := conn.SchemaApplied(ctx, change.Ref)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return e.retry(ctx, func() error {
		return conn.RevertSchema(ctx, change)
	})
}

func (e *Executor) compensateData(ctx context.Context, migrationID string, step *types.PlanStep, conn driver.Conn) error {
	transformer, err := e.transformers.Lookup(step.Transformer)
	if err == nil && transformer.Inverse != nil {
		return e.inverseReplay(ctx, step, conn, transformer)
	}

	has, err := e.backups.Has(migrationID, step.ID)
	if err != nil {
		return err
	}
	if !has {
		return errdefs.Wrap(errdefs.ErrMissingCompensation,
			fmt.Errorf("step %s: transformer %q has no inverse and no snapshot exists", step.ID, step.Transformer))
	}
	return e.retry(ctx, func() error {
		return e.backups.Restore(ctx, migrationID, step.ID, conn, step.Collection)
	})
}

// inverseReplay streams the collection and rewrites each record through
// the inverse transformer. Records the forward pass dropped cannot be
// resurrected this way; steps with dropping transformers should rely on
// snapshot restore by not registering an inverse.
func (e *Executor) inverseReplay(ctx context.Context, step *types.PlanStep, conn driver.Conn, transformer *transform.Transformer) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, next, err := conn.StreamBatch(ctx, step.Collection, cursor, compensateChunk)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			reverted, dropped, err := transform.ApplyAll(transformer.Inverse, records)
			if err != nil {
				return err
			}
			if len(reverted) > 0 {
				err = e.retry(ctx, func() error {
					_, aerr := conn.ApplyBatch(ctx, step.Collection, reverted)
					return aerr
				})
				if err != nil {
					return err
				}
			}
			if len(dropped) > 0 {
				err = e.retry(ctx, func() error {
					_, derr := conn.DeleteRecords(ctx, step.Collection, dropped)
					return derr
				})
				if err != nil {
					return err
				}
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}
