package validator

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/shardmig/shardmig/pkg/backup"
	"github.com/shardmig/shardmig/pkg/driver"
	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/lock"
	"github.com/shardmig/shardmig/pkg/log"
	"github.com/shardmig/shardmig/pkg/statestore"
	"github.com/shardmig/shardmig/pkg/transform"
	"github.com/shardmig/shardmig/pkg/types"
)

// sampleSize is how many pre-image records a post-step check replays
// through the forward transformer to verify the migrated values.
const sampleSize = 16

// Validator gates a migration before execution and audits the result
// after. Pre-checks are cheap reachability and applicability probes;
// post-checks compare the migrated data against the pre-step snapshot.
type Validator struct {
	schemas      *driver.SchemaRegistry
	transformers *transform.Registry
	backups      backup.Store
	store        statestore.Store
}

func New(schemas *driver.SchemaRegistry, transformers *transform.Registry, backups backup.Store, store statestore.Store) *Validator {
	return &Validator{
		schemas:      schemas,
		transformers: transformers,
		backups:      backups,
		store:        store,
	}
}

// PreCheck verifies a plan is executable before any shard is touched:
// every target shard answers a health probe, every schema ref and
// transformer resolves, every data step has a viable compensation path,
// and no plan shard is leased to another holder. Failing any check
// rejects the migration without side effects.
func (v *Validator) PreCheck(ctx context.Context, plan *types.Plan, conns map[types.ShardID]driver.Conn, holder string) error {
	logger := log.WithMigrationID(plan.MigrationID)

	for _, stage := range plan.Stages {
		for _, step := range stage.Steps {
			conn, ok := conns[step.Shard]
			if !ok {
				return errdefs.Wrap(errdefs.ErrShardNotFound, fmt.Errorf("no connection for shard %s", step.Shard))
			}
			if h := conn.Health(ctx); h == types.HealthDown {
				return errdefs.New(errdefs.ClassTransient, "SHARD_UNREACHABLE",
					fmt.Sprintf("shard %s is down", step.Shard))
			}

			switch step.Kind {
			case types.StepKindSchema:
				change, err := v.schemas.Lookup(step.SchemaRef)
				if err != nil {
					return errdefs.New(errdefs.ClassStructural, "SCHEMA_UNKNOWN", err.Error())
				}
				if plan.StoreClass == types.StoreClassRelational && len(change.DownSQL) == 0 {
					return errdefs.Wrap(errdefs.ErrMissingCompensation,
						fmt.Errorf("schema change %s has no down-migration", change.Ref))
				}
			case types.StepKindData:
				if _, err := v.transformers.Lookup(step.Transformer); err != nil {
					return err
				}
				// A data step without an inverse still compensates via the
				// snapshot taken before its first batch, so resolution is
				// the only hard requirement here.
			}
		}
	}

	if err := v.checkLeases(plan, holder); err != nil {
		return err
	}

	logger.Debug().Str("digest", plan.Digest).Msg("pre-validation passed")
	return nil
}

// checkLeases rejects plans whose shards or collections are leased to
// someone else. The orchestrator acquires its own leases right after;
// this keeps a doomed migration from queueing behind a long-running one.
func (v *Validator) checkLeases(plan *types.Plan, holder string) error {
	locks, err := v.store.ListLocks()
	if err != nil {
		return errdefs.Wrap(errdefs.ErrStoreUnavailable, err)
	}
	busy := make(map[string]string, len(locks))
	now := time.Now().UTC()
	for _, l := range locks {
		if l.HolderID != holder && now.Before(l.ExpiresAt) {
			busy[l.Resource] = l.HolderID
		}
	}

	for _, stage := range plan.Stages {
		for _, step := range stage.Steps {
			resource := lock.ShardResource(plan.StoreClass, step.Shard)
			if other, held := busy[resource]; held {
				return errdefs.Wrap(errdefs.ErrLockBusy,
					fmt.Errorf("shard %s leased to %s", step.Shard, other))
			}
			if step.Collection == "" {
				continue
			}
			if other, held := busy[lock.CollectionResource(step.Collection)]; held {
				return errdefs.Wrap(errdefs.ErrLockBusy,
					fmt.Errorf("collection %s leased to %s", step.Collection, other))
			}
		}
	}
	return nil
}

// PostStep audits one completed data step on its shard: the record
// count must sit within the step's allowed deviation of the pre-step
// snapshot, and a spread sample of snapshot records replayed through
// the forward transformer must match what the shard now holds.
func (v *Validator) PostStep(ctx context.Context, migrationID string, step *types.PlanStep, conn driver.Conn) error {
	if step.Kind != types.StepKindData {
		return nil
	}

	pre, err := v.backups.Count(migrationID, step.ID)
	if err != nil {
		return err
	}
	post, err := conn.Count(ctx, step.Collection)
	if err != nil {
		return err
	}

	if err := checkDeviation(pre, post, step.MaxCountDeviation); err != nil {
		return errdefs.Logical("COUNT_MISMATCH",
			fmt.Errorf("step %s shard %s: %w", step.ID, step.Shard, err))
	}

	return v.sampleCheck(ctx, migrationID, step, conn)
}

func checkDeviation(pre, post int64, allowed float64) error {
	delta := math.Abs(float64(post - pre))
	if pre == 0 {
		if post != 0 && allowed == 0 {
			return fmt.Errorf("expected empty collection, found %d records", post)
		}
		return nil
	}
	if ratio := delta / float64(pre); ratio > allowed {
		return fmt.Errorf("count deviation %.4f exceeds allowed %.4f (pre=%d post=%d)", ratio, allowed, pre, post)
	}
	return nil
}

func (v *Validator) sampleCheck(ctx context.Context, migrationID string, step *types.PlanStep, conn driver.Conn) error {
	transformer, err := v.transformers.Lookup(step.Transformer)
	if err != nil {
		return err
	}

	ids, err := v.backups.SampleIDs(migrationID, step.ID, sampleSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	preImages, err := v.backups.Records(migrationID, step.ID, ids)
	if err != nil {
		return err
	}

	expected := make(map[string]types.Record)
	var wantIDs []string
	for i := range preImages {
		rec, err := transformer.Apply(&preImages[i])
		if err != nil {
			return errdefs.Logical("TRANSFORMER_REJECTED", err)
		}
		if rec == nil {
			// Forward pass drops this record; its absence is checked below.
			wantIDs = append(wantIDs, preImages[i].ID)
			continue
		}
		expected[rec.ID] = *rec
		wantIDs = append(wantIDs, rec.ID)
	}

	actual, err := conn.GetRecords(ctx, step.Collection, wantIDs)
	if err != nil {
		return err
	}
	got := make(map[string]types.Record, len(actual))
	for _, rec := range actual {
		got[rec.ID] = rec
	}

	for id, want := range expected {
		have, ok := got[id]
		if !ok {
			return errdefs.Logical("SAMPLE_MISSING",
				fmt.Errorf("step %s shard %s: record %s missing after migration", step.ID, step.Shard, id))
		}
		if !reflect.DeepEqual(want.Fields, have.Fields) {
			return errdefs.Logical("SAMPLE_MISMATCH",
				fmt.Errorf("step %s shard %s: record %s differs from expected transform output", step.ID, step.Shard, id))
		}
	}
	for _, rec := range preImages {
		if out, _ := transformer.Apply(&rec); out == nil {
			if _, present := got[rec.ID]; present {
				return errdefs.Logical("SAMPLE_NOT_DROPPED",
					fmt.Errorf("step %s shard %s: record %s should have been dropped", step.ID, step.Shard, rec.ID))
			}
		}
	}
	return nil
}

// CrossShard runs the request's declared consistency probes across all
// shards after every stage completed. Probe failures are logical and
// push the migration into rollback.
func (v *Validator) CrossShard(ctx context.Context, migrationID string, probes []types.ConsistencyProbe, conns map[types.ShardID]driver.Conn) error {
	logger := log.WithMigrationID(migrationID)
	for _, probe := range probes {
		switch probe.Kind {
		case types.ProbeGlobalCount:
			if err := v.probeGlobalCount(ctx, probe, conns); err != nil {
				return err
			}
		case types.ProbeUniqueness:
			if err := v.probeUniqueness(ctx, probe, conns); err != nil {
				return err
			}
		default:
			return errdefs.New(errdefs.ClassStructural, "UNKNOWN_PROBE",
				fmt.Sprintf("unknown probe kind %q", probe.Kind))
		}
		logger.Debug().
			Str("probe", string(probe.Kind)).
			Str("collection", probe.Collection).
			Msg("consistency probe passed")
	}
	return nil
}

func (v *Validator) probeGlobalCount(ctx context.Context, probe types.ConsistencyProbe, conns map[types.ShardID]driver.Conn) error {
	var total int64
	for shard, conn := range conns {
		n, err := conn.Count(ctx, probe.Collection)
		if err != nil {
			return fmt.Errorf("count on shard %s: %w", shard, err)
		}
		total += n
	}
	if total != probe.Expected {
		return errdefs.Logical("GLOBAL_COUNT_MISMATCH",
			fmt.Errorf("collection %s: global count %d, expected %d", probe.Collection, total, probe.Expected))
	}
	return nil
}

func (v *Validator) probeUniqueness(ctx context.Context, probe types.ConsistencyProbe, conns map[types.ShardID]driver.Conn) error {
	seen := make(map[string]types.ShardID)
	for shard, conn := range conns {
		values, err := conn.FieldValues(ctx, probe.Collection, probe.Field)
		if err != nil {
			return fmt.Errorf("field values on shard %s: %w", shard, err)
		}
		for _, val := range values {
			if first, dup := seen[val]; dup {
				return errdefs.Logical("UNIQUENESS_VIOLATION",
					fmt.Errorf("collection %s field %s: value %q present on shards %s and %s",
						probe.Collection, probe.Field, val, first, shard))
			}
			seen[val] = shard
		}
	}
	return nil
}
