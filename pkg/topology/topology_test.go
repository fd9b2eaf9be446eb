package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/types"
)

type fakeSource struct {
	membership map[types.StoreClass][]types.ShardID
}

func (f *fakeSource) Shards() (map[types.StoreClass][]types.ShardID, error) {
	out := make(map[types.StoreClass][]types.ShardID, len(f.membership))
	for class, shards := range f.membership {
		out[class] = append([]types.ShardID(nil), shards...)
	}
	return out, nil
}

func TestRouteIsDeterministic(t *testing.T) {
	src := &fakeSource{membership: map[types.StoreClass][]types.ShardID{
		types.StoreClassDocument: {"shard-2", "shard-0", "shard-1"},
	}}
	topo, err := New(src)
	require.NoError(t, err)
	snap := topo.Current()

	first, err := snap.Route("user-123", types.StoreClassDocument)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := snap.Route("user-123", types.StoreClassDocument)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRouteNoShards(t *testing.T) {
	topo, err := New(&fakeSource{membership: map[types.StoreClass][]types.ShardID{}})
	require.NoError(t, err)

	_, err = topo.Current().Route("key", types.StoreClassRelational)
	assert.ErrorIs(t, err, errdefs.ErrShardNotFound)
}

func TestShardsSorted(t *testing.T) {
	src := &fakeSource{membership: map[types.StoreClass][]types.ShardID{
		types.StoreClassDocument: {"shard-2", "shard-0", "shard-1"},
	}}
	topo, err := New(src)
	require.NoError(t, err)

	shards := topo.Current().Shards(types.StoreClassDocument)
	assert.Equal(t, []types.ShardID{"shard-0", "shard-1", "shard-2"}, shards)
}

func TestRefreshBumpsVersionOnlyOnChange(t *testing.T) {
	src := &fakeSource{membership: map[types.StoreClass][]types.ShardID{
		types.StoreClassDocument: {"shard-0"},
	}}
	topo, err := New(src)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), topo.Current().Version)

	// Same membership: no new version.
	require.NoError(t, topo.Refresh())
	assert.Equal(t, uint64(1), topo.Current().Version)

	// Membership change bumps the version.
	src.membership[types.StoreClassDocument] = []types.ShardID{"shard-0", "shard-1"}
	require.NoError(t, topo.Refresh())
	assert.Equal(t, uint64(2), topo.Current().Version)
}

func TestAtRetainsHistory(t *testing.T) {
	src := &fakeSource{membership: map[types.StoreClass][]types.ShardID{
		types.StoreClassDocument: {"shard-0"},
	}}
	topo, err := New(src)
	require.NoError(t, err)

	src.membership[types.StoreClassDocument] = []types.ShardID{"shard-0", "shard-1"}
	require.NoError(t, topo.Refresh())

	old, err := topo.At(1)
	require.NoError(t, err)
	assert.Len(t, old.Shards(types.StoreClassDocument), 1, "pinned snapshot keeps the old membership")

	current, err := topo.At(2)
	require.NoError(t, err)
	assert.Len(t, current.Shards(types.StoreClassDocument), 2)
}

func TestAtEvictedVersionIsStale(t *testing.T) {
	src := &fakeSource{membership: map[types.StoreClass][]types.ShardID{
		types.StoreClassDocument: {"shard-0"},
	}}
	topo, err := New(src)
	require.NoError(t, err)

	// Push enough membership changes to evict version 1 (retain window is 8).
	for i := 1; i <= 10; i++ {
		src.membership[types.StoreClassDocument] = append(
			src.membership[types.StoreClassDocument],
			types.ShardID(string(rune('a'+i))),
		)
		require.NoError(t, topo.Refresh())
	}

	_, err = topo.At(1)
	assert.ErrorIs(t, err, errdefs.ErrTopologyStale)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shards.yaml")
	content := "document: [doc-0, doc-1]\nrelational: [rel-0]\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	topo, err := New(&FileSource{Path: path})
	require.NoError(t, err)

	assert.Len(t, topo.Current().Shards(types.StoreClassDocument), 2)
	assert.Len(t, topo.Current().Shards(types.StoreClassRelational), 1)
}

func TestFromDSNs(t *testing.T) {
	src := FromDSNs(
		map[string]string{"doc-0": "/tmp/doc-0.db"},
		map[string]string{"rel-0": "file:rel0?mode=memory", "rel-1": "file:rel1?mode=memory"},
	)
	topo, err := New(src)
	require.NoError(t, err)

	assert.Len(t, topo.Current().Shards(types.StoreClassDocument), 1)
	assert.Len(t, topo.Current().Shards(types.StoreClassRelational), 2)
}
