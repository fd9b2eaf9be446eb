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

func openRelationalShard(t *testing.T) Conn {
	t.Helper()
	drv := NewRelationalDriver(map[string]string{
		"rel-0": filepath.Join(t.TempDir(), "rel-0.db"),
	})
	t.Cleanup(func() { drv.CloseAll() })

	conn, err := drv.Open(context.Background(), "rel-0")
	require.NoError(t, err)
	return conn
}

// usersTable provisions the collection table the way a schema step would.
func usersTable(t *testing.T, conn Conn) {
	t.Helper()
	applied, err := conn.ApplySchema(context.Background(), SchemaChange{
		Ref:        "create-users",
		Collection: "users",
		UpSQL:      []string{`CREATE TABLE "users" (id TEXT PRIMARY KEY, doc TEXT NOT NULL)`},
		DownSQL:    []string{`DROP TABLE "users"`},
	})
	require.NoError(t, err)
	require.True(t, applied)
}

func TestRelationalSchemaLifecycle(t *testing.T) {
	conn := openRelationalShard(t)
	ctx := context.Background()
	change := SchemaChange{
		Ref:        "create-users",
		Collection: "users",
		UpSQL:      []string{`CREATE TABLE "users" (id TEXT PRIMARY KEY, doc TEXT NOT NULL)`},
		DownSQL:    []string{`DROP TABLE "users"`},
	}

	applied, err := conn.ApplySchema(ctx, change)
	require.NoError(t, err)
	assert.True(t, applied)

	// Marker row makes the second application a no-op.
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

	// The down-migration dropped the table.
	_, err = conn.Count(ctx, "users")
	assert.Error(t, err)
}

func TestRelationalBatchRoundTrip(t *testing.T) {
	conn := openRelationalShard(t)
	ctx := context.Background()
	usersTable(t, conn)

	records := make([]types.Record, 12)
	for i := range records {
		records[i] = types.Record{
			ID:     fmt.Sprintf("rec-%03d", i),
			Fields: map[string]interface{}{"name": fmt.Sprintf("user-%d", i)},
		}
	}
	applied, err := conn.ApplyBatch(ctx, "users", records)
	require.NoError(t, err)
	assert.Equal(t, 12, applied)

	count, err := conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)

	// Upsert replaces the document without growing the table.
	_, err = conn.ApplyBatch(ctx, "users", []types.Record{
		{ID: "rec-000", Fields: map[string]interface{}{"name": "replaced"}},
	})
	require.NoError(t, err)
	count, err = conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)

	got, err := conn.GetRecords(ctx, "users", []string{"rec-000", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "replaced", got[0].Fields["name"])
}

func TestRelationalStreamBatchCursor(t *testing.T) {
	conn := openRelationalShard(t)
	ctx := context.Background()
	usersTable(t, conn)

	records := make([]types.Record, 25)
	for i := range records {
		records[i] = types.Record{
			ID:     fmt.Sprintf("rec-%03d", i),
			Fields: map[string]interface{}{"n": float64(i)},
		}
	}
	_, err := conn.ApplyBatch(ctx, "users", records)
	require.NoError(t, err)

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
	seen := map[string]bool{}
	for _, rec := range all {
		assert.False(t, seen[rec.ID], "record %s streamed twice", rec.ID)
		seen[rec.ID] = true
	}

	// Replaying from a cursor is deterministic.
	a, _, err := conn.StreamBatch(ctx, "users", "rec-003", 4)
	require.NoError(t, err)
	b, _, err := conn.StreamBatch(ctx, "users", "rec-003", 4)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "rec-004", a[0].ID)
}

func TestRelationalDeleteRecords(t *testing.T) {
	conn := openRelationalShard(t)
	ctx := context.Background()
	usersTable(t, conn)

	records := make([]types.Record, 6)
	for i := range records {
		records[i] = types.Record{
			ID:     fmt.Sprintf("rec-%03d", i),
			Fields: map[string]interface{}{"n": float64(i)},
		}
	}
	_, err := conn.ApplyBatch(ctx, "users", records)
	require.NoError(t, err)

	deleted, err := conn.DeleteRecords(ctx, "users", []string{"rec-000", "rec-005", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted, "missing ids are skipped")

	count, err := conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	// Replay is a no-op.
	deleted, err = conn.DeleteRecords(ctx, "users", []string{"rec-000"})
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestRelationalFieldValuesAndTruncate(t *testing.T) {
	conn := openRelationalShard(t)
	ctx := context.Background()
	usersTable(t, conn)

	_, err := conn.ApplyBatch(ctx, "users", []types.Record{
		{ID: "a", Fields: map[string]interface{}{"email": "a@example.com"}},
		{ID: "b", Fields: map[string]interface{}{"email": "b@example.com"}},
		{ID: "c", Fields: map[string]interface{}{"name": "no-email"}},
	})
	require.NoError(t, err)

	values, err := conn.FieldValues(ctx, "users", "email")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, values)

	require.NoError(t, conn.Truncate(ctx, "users"))
	count, err := conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRelationalOpenUnknownShard(t *testing.T) {
	drv := NewRelationalDriver(map[string]string{})
	_, err := drv.Open(context.Background(), "nope")
	assert.Error(t, err)
}

func TestRelationalHealth(t *testing.T) {
	conn := openRelationalShard(t)
	assert.Equal(t, types.HealthOK, conn.Health(context.Background()))
}
