package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmig/shardmig/pkg/driver"
	"github.com/shardmig/shardmig/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func openShard(t *testing.T, n int) driver.Conn {
	t.Helper()
	drv := driver.NewDocumentDriver(map[string]string{
		"shard-0": filepath.Join(t.TempDir(), "shard-0.db"),
	})
	t.Cleanup(func() { drv.CloseAll() })

	conn, err := drv.Open(context.Background(), "shard-0")
	require.NoError(t, err)

	records := make([]types.Record, n)
	for i := range records {
		records[i] = types.Record{
			ID:     fmt.Sprintf("rec-%03d", i),
			Fields: map[string]interface{}{"v": fmt.Sprintf("orig-%d", i)},
		}
	}
	if n > 0 {
		_, err = conn.ApplyBatch(context.Background(), "users", records)
		require.NoError(t, err)
	}
	return conn
}

func TestSnapshotAndRestore(t *testing.T) {
	store := newTestStore(t)
	conn := openShard(t, 20)
	ctx := context.Background()

	require.NoError(t, store.Snapshot(ctx, "m1", "step@shard-0", conn, "users"))

	count, err := store.Count("m1", "step@shard-0")
	require.NoError(t, err)
	assert.Equal(t, int64(20), count)

	// Mutate the collection, then restore.
	_, err = conn.ApplyBatch(ctx, "users", []types.Record{
		{ID: "rec-000", Fields: map[string]interface{}{"v": "mutated"}},
		{ID: "extra", Fields: map[string]interface{}{"v": "new"}},
	})
	require.NoError(t, err)

	require.NoError(t, store.Restore(ctx, "m1", "step@shard-0", conn, "users"))

	restored, err := conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(20), restored, "restore drops records added after the snapshot")

	got, err := conn.GetRecords(ctx, "users", []string{"rec-000"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "orig-0", got[0].Fields["v"])
}

func TestSnapshotIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	conn := openShard(t, 5)
	ctx := context.Background()

	require.NoError(t, store.Snapshot(ctx, "m1", "s@shard-0", conn, "users"))

	// Mutate the collection, then snapshot again: the pre-image must not
	// be clobbered with partially migrated data on resume.
	_, err := conn.ApplyBatch(ctx, "users", []types.Record{
		{ID: "rec-000", Fields: map[string]interface{}{"v": "mutated"}},
	})
	require.NoError(t, err)
	require.NoError(t, store.Snapshot(ctx, "m1", "s@shard-0", conn, "users"))

	recs, err := store.Records("m1", "s@shard-0", []string{"rec-000"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "orig-0", recs[0].Fields["v"])
}

func TestSnapshotEmptyCollection(t *testing.T) {
	store := newTestStore(t)
	conn := openShard(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Snapshot(ctx, "m1", "s@shard-0", conn, "users"))
	has, err := store.Has("m1", "s@shard-0")
	require.NoError(t, err)
	assert.True(t, has, "empty snapshots still leave a marker")

	count, err := store.Count("m1", "s@shard-0")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSampleIDsSpreads(t *testing.T) {
	store := newTestStore(t)
	conn := openShard(t, 100)

	require.NoError(t, store.Snapshot(context.Background(), "m1", "s@shard-0", conn, "users"))

	ids, err := store.SampleIDs("m1", "s@shard-0", 10)
	require.NoError(t, err)
	require.Len(t, ids, 10)
	assert.Equal(t, "rec-000", ids[0])
	// Stride 10 over 100 keys lands on every tenth id.
	assert.Equal(t, "rec-090", ids[9])
}

func TestRecordsOmitsMissing(t *testing.T) {
	store := newTestStore(t)
	conn := openShard(t, 3)

	require.NoError(t, store.Snapshot(context.Background(), "m1", "s@shard-0", conn, "users"))

	recs, err := store.Records("m1", "s@shard-0", []string{"rec-001", "nope"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRestoreWithoutSnapshotFails(t *testing.T) {
	store := newTestStore(t)
	conn := openShard(t, 3)

	err := store.Restore(context.Background(), "m1", "missing", conn, "users")
	assert.Error(t, err)
}

func TestDrop(t *testing.T) {
	store := newTestStore(t)
	conn := openShard(t, 3)
	ctx := context.Background()

	require.NoError(t, store.Snapshot(ctx, "m1", "a@shard-0", conn, "users"))
	require.NoError(t, store.Snapshot(ctx, "m1", "b@shard-0", conn, "users"))
	require.NoError(t, store.Snapshot(ctx, "m2", "a@shard-0", conn, "users"))

	require.NoError(t, store.Drop("m1"))

	has, err := store.Has("m1", "a@shard-0")
	require.NoError(t, err)
	assert.False(t, has)

	// Other migrations' snapshots survive.
	has, err = store.Has("m2", "a@shard-0")
	require.NoError(t, err)
	assert.True(t, has)
}
