package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmig/shardmig/pkg/backup"
	"github.com/shardmig/shardmig/pkg/driver"
	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/lock"
	"github.com/shardmig/shardmig/pkg/pump"
	"github.com/shardmig/shardmig/pkg/statestore"
	"github.com/shardmig/shardmig/pkg/transform"
	"github.com/shardmig/shardmig/pkg/types"
)

type execEnv struct {
	store        statestore.Store
	backups      backup.Store
	locks        *lock.Manager
	conn         driver.Conn
	resource     string
	token        uint64
	schemas      *driver.SchemaRegistry
	transformers *transform.Registry
	limiter      *pump.Limiter
}

// newExecEnv builds a full single-shard fixture: bolt state and backup
// stores, a document shard seeded with n records, and a shard lease held
// by migration m1.
func newExecEnv(t *testing.T, n int) *execEnv {
	t.Helper()

	store, err := statestore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backups, err := backup.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backups.Close() })

	drv := driver.NewDocumentDriver(map[string]string{
		"shard-0": filepath.Join(t.TempDir(), "shard-0.db"),
	})
	t.Cleanup(func() { drv.CloseAll() })
	conn, err := drv.Open(context.Background(), "shard-0")
	require.NoError(t, err)

	if n > 0 {
		records := make([]types.Record, n)
		for i := range records {
			records[i] = types.Record{
				ID:     fmt.Sprintf("rec-%03d", i),
				Fields: map[string]interface{}{"name": fmt.Sprintf("user-%d", i)},
			}
		}
		_, err = conn.ApplyBatch(context.Background(), "users", records)
		require.NoError(t, err)
	}

	locks := lock.NewManager(store, time.Minute, 0)
	resource := lock.ShardResource(types.StoreClassDocument, "shard-0")
	_, err = locks.Acquire([]string{resource}, "m1")
	require.NoError(t, err)
	token, err := locks.Token(resource)
	require.NoError(t, err)

	transformers := transform.NewRegistry()
	transformers.Register(&transform.Transformer{
		Name: "upper-name",
		Apply: func(rec *types.Record) (*types.Record, error) {
			name, _ := rec.Fields["name"].(string)
			out := types.Record{ID: rec.ID, Fields: map[string]interface{}{"name": strings.ToUpper(name)}}
			return &out, nil
		},
	})
	transformers.Register(&transform.Transformer{
		Name: "tag",
		Apply: func(rec *types.Record) (*types.Record, error) {
			name, _ := rec.Fields["name"].(string)
			out := types.Record{ID: rec.ID, Fields: map[string]interface{}{"name": name + "#v2"}}
			return &out, nil
		},
		Inverse: func(rec *types.Record) (*types.Record, error) {
			name, _ := rec.Fields["name"].(string)
			out := types.Record{ID: rec.ID, Fields: map[string]interface{}{"name": strings.TrimSuffix(name, "#v2")}}
			return &out, nil
		},
	})
	transformers.Register(&transform.Transformer{
		Name: "reject-all",
		Apply: func(rec *types.Record) (*types.Record, error) {
			return nil, errors.New("record is malformed")
		},
	})
	transformers.Register(&transform.Transformer{
		Name: "drop-odd",
		Apply: func(rec *types.Record) (*types.Record, error) {
			var n int
			fmt.Sscanf(rec.ID, "rec-%d", &n)
			if n%2 == 1 {
				return nil, nil
			}
			return rec, nil
		},
	})

	schemas := driver.NewSchemaRegistry()
	schemas.Register(driver.SchemaChange{Ref: "create-users", Collection: "users"})

	return &execEnv{
		store:        store,
		backups:      backups,
		locks:        locks,
		conn:         conn,
		resource:     resource,
		token:        token,
		schemas:      schemas,
		transformers: transformers,
		limiter:      pump.NewLimiter(2),
	}
}

func (env *execEnv) executor() *Executor {
	return New(env.store, env.schemas, env.transformers, env.backups, Options{
		MaxRetries:    3,
		BackoffFactor: 1.5,
		InitialBatch:  10,
		MinBatch:      5,
		MaxBatch:      100,
		HighWatermark: 2 * time.Second,
		LowWatermark:  500 * time.Millisecond,
		AdjustEvery:   5,
	})
}

func dataStep(id, transformer string, est int64) *types.PlanStep {
	return &types.PlanStep{
		ID:             id + "@shard-0",
		StepID:         id,
		Kind:           types.StepKindData,
		Shard:          "shard-0",
		Collection:     "users",
		Transformer:    transformer,
		EstimatedItems: est,
	}
}

func schemaStep(id, ref string) *types.PlanStep {
	return &types.PlanStep{
		ID:        id + "@shard-0",
		StepID:    id,
		Kind:      types.StepKindSchema,
		Shard:     "shard-0",
		SchemaRef: ref,
	}
}

func (env *execEnv) progress(t *testing.T, step *types.PlanStep) *types.ShardProgress {
	t.Helper()
	p, err := env.store.GetProgress(types.ProgressKey{MigrationID: "m1", StepID: step.ID, Shard: step.Shard})
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestRunDataStep(t *testing.T) {
	env := newExecEnv(t, 25)
	step := dataStep("rewrite", "upper-name", 25)

	err := env.executor().Run(context.Background(), "m1", step, env.conn, env.resource, env.token, env.limiter)
	require.NoError(t, err)

	p := env.progress(t, step)
	assert.Equal(t, types.ProgressCompleted, p.Status)
	assert.Equal(t, int64(25), p.ItemsProcessed)
	assert.False(t, p.EndedAt.IsZero())

	got, err := env.conn.GetRecords(context.Background(), "users", []string{"rec-000", "rec-024"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "USER-0", got[0].Fields["name"])
	assert.Equal(t, "USER-24", got[1].Fields["name"])

	// The pre-step snapshot was taken before the first batch.
	has, err := env.backups.Has("m1", step.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRunSkipsCompletedStep(t *testing.T) {
	env := newExecEnv(t, 10)
	step := dataStep("rewrite", "upper-name", 10)
	exec := env.executor()
	ctx := context.Background()

	require.NoError(t, exec.Run(ctx, "m1", step, env.conn, env.resource, env.token, env.limiter))
	require.NoError(t, exec.Run(ctx, "m1", step, env.conn, env.resource, env.token, env.limiter))

	// The second run is a no-op, not a double count.
	assert.Equal(t, int64(10), env.progress(t, step).ItemsProcessed)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	env := newExecEnv(t, 25)
	step := dataStep("rewrite", "upper-name", 25)

	// A prior run got through rec-009 before the process died.
	require.NoError(t, env.store.UpsertProgress(&types.ShardProgress{
		MigrationID:    "m1",
		StepID:         step.ID,
		Shard:          step.Shard,
		Status:         types.ProgressRunning,
		ItemsProcessed: 10,
		LastCheckpoint: "rec-009",
		StartedAt:      time.Now().UTC(),
	}, env.resource, env.token))

	err := env.executor().Run(context.Background(), "m1", step, env.conn, env.resource, env.token, env.limiter)
	require.NoError(t, err)

	p := env.progress(t, step)
	assert.Equal(t, types.ProgressCompleted, p.Status)
	assert.Equal(t, int64(25), p.ItemsProcessed)

	// Records before the checkpoint were not reprocessed.
	got, err := env.conn.GetRecords(context.Background(), "users", []string{"rec-000", "rec-010"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "user-0", got[0].Fields["name"])
	assert.Equal(t, "USER-10", got[1].Fields["name"])
}

func TestRunDeletesDroppedRecords(t *testing.T) {
	env := newExecEnv(t, 20)
	step := dataStep("prune", "drop-odd", 20)
	ctx := context.Background()

	err := env.executor().Run(ctx, "m1", step, env.conn, env.resource, env.token, env.limiter)
	require.NoError(t, err)

	// Dropped records are removed from the target, not merely skipped.
	count, err := env.conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	got, err := env.conn.GetRecords(ctx, "users", []string{"rec-000", "rec-001", "rec-013"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rec-000", got[0].ID)

	// Every streamed record counts toward progress, kept or dropped.
	p := env.progress(t, step)
	assert.Equal(t, types.ProgressCompleted, p.Status)
	assert.Equal(t, int64(20), p.ItemsProcessed)

	// The pre-image snapshot still holds the dropped records for restore.
	pre, err := env.backups.Count("m1", step.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), pre)
}

func TestRunSchemaStep(t *testing.T) {
	env := newExecEnv(t, 0)
	step := schemaStep("bootstrap", "create-users")
	exec := env.executor()
	ctx := context.Background()

	require.NoError(t, exec.Run(ctx, "m1", step, env.conn, env.resource, env.token, env.limiter))

	applied, err := env.conn.SchemaApplied(ctx, "create-users")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, types.ProgressCompleted, env.progress(t, step).Status)

	// Replaying a completed schema step is harmless.
	require.NoError(t, exec.Run(ctx, "m1", step, env.conn, env.resource, env.token, env.limiter))
}

func TestRunUnknownSchemaRef(t *testing.T) {
	env := newExecEnv(t, 0)
	step := schemaStep("bootstrap", "no-such-change")

	err := env.executor().Run(context.Background(), "m1", step, env.conn, env.resource, env.token, env.limiter)
	require.Error(t, err)
	assert.Equal(t, errdefs.ClassStructural, errdefs.ClassOf(err))
	assert.Equal(t, types.ProgressFailed, env.progress(t, step).Status)
}

func TestRunTransformerRejectionFailsStep(t *testing.T) {
	env := newExecEnv(t, 5)
	step := dataStep("rewrite", "reject-all", 5)

	err := env.executor().Run(context.Background(), "m1", step, env.conn, env.resource, env.token, env.limiter)
	require.Error(t, err)
	assert.Equal(t, errdefs.ClassLogical, errdefs.ClassOf(err))

	p := env.progress(t, step)
	assert.Equal(t, types.ProgressFailed, p.Status)
	assert.NotEmpty(t, p.Error)
}

func TestRunFencedOutByNewerLease(t *testing.T) {
	env := newExecEnv(t, 5)
	step := dataStep("rewrite", "upper-name", 5)

	// A reaper revoked the lease and another coordinator took it over.
	require.NoError(t, env.store.ReapLock(env.resource))
	_, err := env.store.AcquireLock(env.resource, "m2", time.Minute)
	require.NoError(t, err)

	err = env.executor().Run(context.Background(), "m1", step, env.conn, env.resource, env.token, env.limiter)
	assert.ErrorIs(t, err, errdefs.ErrStaleToken)
}

func TestCompensateViaSnapshot(t *testing.T) {
	env := newExecEnv(t, 10)
	step := dataStep("rewrite", "upper-name", 10) // no inverse registered
	exec := env.executor()
	ctx := context.Background()

	require.NoError(t, exec.Run(ctx, "m1", step, env.conn, env.resource, env.token, env.limiter))
	require.NoError(t, exec.Compensate(ctx, "m1", step, env.conn, env.resource, env.token))

	got, err := env.conn.GetRecords(ctx, "users", []string{"rec-003"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "user-3", got[0].Fields["name"], "snapshot restore rewinds the collection")

	p := env.progress(t, step)
	assert.Equal(t, types.ProgressSkipped, p.Status)
	assert.Empty(t, p.LastCheckpoint)
}

func TestCompensateViaInverseReplay(t *testing.T) {
	env := newExecEnv(t, 10)
	step := dataStep("rewrite", "tag", 10)
	exec := env.executor()
	ctx := context.Background()

	require.NoError(t, exec.Run(ctx, "m1", step, env.conn, env.resource, env.token, env.limiter))

	got, err := env.conn.GetRecords(ctx, "users", []string{"rec-000"})
	require.NoError(t, err)
	require.Equal(t, "user-0#v2", got[0].Fields["name"])

	require.NoError(t, exec.Compensate(ctx, "m1", step, env.conn, env.resource, env.token))

	got, err = env.conn.GetRecords(ctx, "users", []string{"rec-000"})
	require.NoError(t, err)
	assert.Equal(t, "user-0", got[0].Fields["name"])
	assert.Equal(t, types.ProgressSkipped, env.progress(t, step).Status)
}

func TestCompensateSchemaStep(t *testing.T) {
	env := newExecEnv(t, 0)
	step := schemaStep("bootstrap", "create-users")
	exec := env.executor()
	ctx := context.Background()

	require.NoError(t, exec.Run(ctx, "m1", step, env.conn, env.resource, env.token, env.limiter))
	require.NoError(t, exec.Compensate(ctx, "m1", step, env.conn, env.resource, env.token))

	applied, err := env.conn.SchemaApplied(ctx, "create-users")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestCompensateNeverStartedStep(t *testing.T) {
	env := newExecEnv(t, 5)
	step := dataStep("untouched", "upper-name", 5)

	// No progress record exists: nothing to undo, nothing written.
	require.NoError(t, env.executor().Compensate(context.Background(), "m1", step, env.conn, env.resource, env.token))
	p, err := env.store.GetProgress(types.ProgressKey{MigrationID: "m1", StepID: step.ID, Shard: step.Shard})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestCompensateWithoutInverseOrSnapshot(t *testing.T) {
	env := newExecEnv(t, 5)
	step := dataStep("rewrite", "upper-name", 5)

	// Mark the step completed without ever snapshotting.
	require.NoError(t, env.store.UpsertProgress(&types.ShardProgress{
		MigrationID: "m1",
		StepID:      step.ID,
		Shard:       step.Shard,
		Status:      types.ProgressCompleted,
	}, env.resource, env.token))

	err := env.executor().Compensate(context.Background(), "m1", step, env.conn, env.resource, env.token)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrMissingCompensation)
}
