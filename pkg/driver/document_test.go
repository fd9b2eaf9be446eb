package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmig/shardmig/pkg/types"
)

func openDocumentShard(t *testing.T) Conn {
	t.Helper()
	drv := NewDocumentDriver(map[string]string{
		"shard-0": filepath.Join(t.TempDir(), "shard-0.db"),
	})
	t.Cleanup(func() { drv.CloseAll() })

	conn, err := drv.Open(context.Background(), "shard-0")
	require.NoError(t, err)
	return conn
}

func seedRecords(t *testing.T, conn Conn, collection string, n int) {
	t.Helper()
	records := make([]types.Record, n)
	for i := range records {
		records[i] = types.Record{
			ID:     fmt.Sprintf("rec-%03d", i),
			Fields: map[string]interface{}{"n": float64(i)},
		}
	}
	applied, err := conn.ApplyBatch(context.Background(), collection, records)
	require.NoError(t, err)
	require.Equal(t, n, applied)
}

func TestDocumentApplySchemaIdempotent(t *testing.T) {
	conn := openDocumentShard(t)
	ctx := context.Background()
	change := SchemaChange{Ref: "create-users", Collection: "users"}

	applied, err := conn.ApplySchema(ctx, change)
	require.NoError(t, err)
	assert.True(t, applied)

	// Second application is a marker-detected no-op.
	applied, err = conn.ApplySchema(ctx, change)
	require.NoError(t, err)
	assert.False(t, applied)

	ok, err := conn.SchemaApplied(ctx, "create-users")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, conn.RevertSchema(ctx, change))
	ok, err = conn.SchemaApplied(ctx, "create-users")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDocumentStreamBatchCursor(t *testing.T) {
	conn := openDocumentShard(t)
	ctx := context.Background()
	seedRecords(t, conn, "users", 25)

	var all []types.Record
	cursor := ""
	pages := 0
	for {
		batch, next, err := conn.StreamBatch(ctx, "users", cursor, 10)
		require.NoError(t, err)
		all = append(all, batch...)
		pages++
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, 3, pages)
	require.Len(t, all, 25)
	// Id order, no duplicates across pages.
	seen := map[string]bool{}
	prev := ""
	for _, rec := range all {
		assert.False(t, seen[rec.ID], "record %s streamed twice", rec.ID)
		seen[rec.ID] = true
		assert.Greater(t, rec.ID, prev)
		prev = rec.ID
	}
}

func TestDocumentStreamBatchResumeFromCursor(t *testing.T) {
	conn := openDocumentShard(t)
	ctx := context.Background()
	seedRecords(t, conn, "users", 10)

	first, next, err := conn.StreamBatch(ctx, "users", "", 4)
	require.NoError(t, err)
	require.Len(t, first, 4)
	require.NotEmpty(t, next)

	// Resuming from the same cursor twice yields the same batch; replay
	// after a crash is safe.
	a, _, err := conn.StreamBatch(ctx, "users", next, 4)
	require.NoError(t, err)
	b, _, err := conn.StreamBatch(ctx, "users", next, 4)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "rec-004", a[0].ID)
}

func TestDocumentApplyBatchUpsert(t *testing.T) {
	conn := openDocumentShard(t)
	ctx := context.Background()
	seedRecords(t, conn, "users", 5)

	// Re-applying the same records is an upsert no-op for the count.
	seedRecords(t, conn, "users", 5)
	count, err := conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	// Upsert replaces field values.
	_, err = conn.ApplyBatch(ctx, "users", []types.Record{
		{ID: "rec-000", Fields: map[string]interface{}{"n": float64(999)}},
	})
	require.NoError(t, err)
	got, err := conn.GetRecords(ctx, "users", []string{"rec-000", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, float64(999), got[0].Fields["n"])
}

func TestDocumentDeleteRecords(t *testing.T) {
	conn := openDocumentShard(t)
	ctx := context.Background()
	seedRecords(t, conn, "users", 5)

	deleted, err := conn.DeleteRecords(ctx, "users", []string{"rec-001", "rec-003", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted, "missing ids are skipped")

	count, err := conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// Replaying the delete after a crash changes nothing.
	deleted, err = conn.DeleteRecords(ctx, "users", []string{"rec-001", "rec-003"})
	require.NoError(t, err)
	assert.Zero(t, deleted)

	got, err := conn.GetRecords(ctx, "users", []string{"rec-000", "rec-001"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rec-000", got[0].ID)
}

func TestDocumentFieldValuesAndTruncate(t *testing.T) {
	conn := openDocumentShard(t)
	ctx := context.Background()
	seedRecords(t, conn, "users", 3)

	values, err := conn.FieldValues(ctx, "users", "n")
	require.NoError(t, err)
	assert.Len(t, values, 3)

	require.NoError(t, conn.Truncate(ctx, "users"))
	count, err := conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDocumentEmptyCollection(t *testing.T) {
	conn := openDocumentShard(t)
	ctx := context.Background()

	batch, next, err := conn.StreamBatch(ctx, "ghost", "", 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Empty(t, next)

	count, err := conn.Count(ctx, "ghost")
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.Equal(t, types.HealthOK, conn.Health(ctx))
}

func TestDocumentOpenUnknownShard(t *testing.T) {
	drv := NewDocumentDriver(map[string]string{})
	_, err := drv.Open(context.Background(), "nope")
	assert.Error(t, err)
}

func TestSchemaRegistry(t *testing.T) {
	r := NewSchemaRegistry()
	r.Register(SchemaChange{Ref: "add-email", Collection: "users"})

	change, err := r.Lookup("add-email")
	require.NoError(t, err)
	assert.Equal(t, "users", change.Collection)

	_, err = r.Lookup("missing")
	assert.Error(t, err)
}
