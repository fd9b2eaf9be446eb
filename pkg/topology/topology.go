package topology

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/types"
)

// Snapshot is an immutable view of the shard set at one version.
// Routing is deterministic given a snapshot, so a crash-resumed
// migration pinned to a version sees the same shard set it started on.
type Snapshot struct {
	Version uint64
	// shards per store class, sorted for deterministic routing
	shards map[types.StoreClass][]types.ShardID
}

// Shards returns the shard ids of a store class in sorted order.
func (s *Snapshot) Shards(class types.StoreClass) []types.ShardID {
	out := make([]types.ShardID, len(s.shards[class]))
	copy(out, s.shards[class])
	return out
}

// Route resolves a routing key to a shard deterministically.
func (s *Snapshot) Route(key string, class types.StoreClass) (types.ShardID, error) {
	shards := s.shards[class]
	if len(shards) == 0 {
		return "", errdefs.Wrap(errdefs.ErrShardNotFound, fmt.Errorf("no shards for store class %s", class))
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return shards[int(h.Sum32())%len(shards)], nil
}

// Source enumerates the current shard membership per store class.
type Source interface {
	Shards() (map[types.StoreClass][]types.ShardID, error)
}

// Topology tracks versioned shard snapshots. Refresh bumps the version
// only when membership actually changed; old snapshots are retained so
// in-flight migrations can keep resolving their pinned version.
type Topology struct {
	mu      sync.RWMutex
	source  Source
	current *Snapshot
	history map[uint64]*Snapshot
	// retain bounds how many historical snapshots are kept
	retain int
}

// New builds a Topology from a source and takes the initial snapshot.
func New(source Source) (*Topology, error) {
	t := &Topology{
		source:  source,
		history: make(map[uint64]*Snapshot),
		retain:  8,
	}
	if err := t.Refresh(); err != nil {
		return nil, err
	}
	return t, nil
}

// Current returns the latest snapshot.
func (t *Topology) Current() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// At returns the snapshot pinned at version. Resuming against a version
// that has been evicted fails with ErrTopologyStale; resolution is a
// manual re-plan.
func (t *Topology) At(version uint64) (*Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if snap, ok := t.history[version]; ok {
		return snap, nil
	}
	return nil, errdefs.Wrap(errdefs.ErrTopologyStale, fmt.Errorf("version %d not retained", version))
}

// Refresh re-reads the source and publishes a new snapshot when the
// membership changed.
func (t *Topology) Refresh() error {
	shards, err := t.source.Shards()
	if err != nil {
		return fmt.Errorf("failed to enumerate shards: %w", err)
	}
	for class := range shards {
		sort.Slice(shards[class], func(i, j int) bool { return shards[class][i] < shards[class][j] })
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil && sameMembership(t.current.shards, shards) {
		return nil
	}

	version := uint64(1)
	if t.current != nil {
		version = t.current.Version + 1
	}
	snap := &Snapshot{Version: version, shards: shards}
	t.current = snap
	t.history[version] = snap

	// Evict oldest retained snapshots beyond the window.
	for len(t.history) > t.retain {
		oldest := version
		for v := range t.history {
			if v < oldest {
				oldest = v
			}
		}
		delete(t.history, oldest)
	}
	return nil
}

func sameMembership(a, b map[types.StoreClass][]types.ShardID) bool {
	if len(a) != len(b) {
		return false
	}
	for class, as := range a {
		bs, ok := b[class]
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
	}
	return true
}

// StaticSource serves a fixed shard membership, typically assembled from
// the configured per-class DSN maps.
type StaticSource struct {
	Membership map[types.StoreClass][]types.ShardID
}

func (s *StaticSource) Shards() (map[types.StoreClass][]types.ShardID, error) {
	out := make(map[types.StoreClass][]types.ShardID, len(s.Membership))
	for class, shards := range s.Membership {
		cp := make([]types.ShardID, len(shards))
		copy(cp, shards)
		out[class] = cp
	}
	return out, nil
}

// FromDSNs builds a StaticSource from configured DSN maps keyed by shard id.
func FromDSNs(document, relational map[string]string) *StaticSource {
	membership := make(map[types.StoreClass][]types.ShardID)
	for id := range document {
		membership[types.StoreClassDocument] = append(membership[types.StoreClassDocument], types.ShardID(id))
	}
	for id := range relational {
		membership[types.StoreClassRelational] = append(membership[types.StoreClassRelational], types.ShardID(id))
	}
	return &StaticSource{Membership: membership}
}

// FileSource reads shard membership from a YAML discovery file:
//
//	document: [doc-0, doc-1, doc-2]
//	relational: [rel-0, rel-1]
type FileSource struct {
	Path string
}

func (f *FileSource) Shards() (map[types.StoreClass][]types.ShardID, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read discovery file: %w", err)
	}
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse discovery file: %w", err)
	}
	out := make(map[types.StoreClass][]types.ShardID)
	for class, ids := range raw {
		for _, id := range ids {
			out[types.StoreClass(class)] = append(out[types.StoreClass(class)], types.ShardID(id))
		}
	}
	return out, nil
}
