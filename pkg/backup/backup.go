package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/shardmig/shardmig/pkg/driver"
	"github.com/shardmig/shardmig/pkg/log"
	"github.com/shardmig/shardmig/pkg/types"
)

// Store holds pre-migration snapshots of shard collections. A snapshot
// is taken before a data step's first batch and serves two consumers:
// rollback by restore when a transformer has no inverse, and sampled
// pre-image lookups during post-step validation.
type Store interface {
	// Snapshot copies the full collection from conn. Taking a snapshot
	// that already exists is a no-op, so a resumed step does not clobber
	// the pre-image with partially migrated data.
	Snapshot(ctx context.Context, migrationID, planStepID string, conn driver.Conn, collection string) error

	// Has reports whether a snapshot exists for the step.
	Has(migrationID, planStepID string) (bool, error)

	// Records fetches snapshot records by id; missing ids are omitted.
	Records(migrationID, planStepID string, ids []string) ([]types.Record, error)

	// Count returns the number of records in a snapshot.
	Count(migrationID, planStepID string) (int64, error)

	// SampleIDs returns up to n record ids from a snapshot.
	SampleIDs(migrationID, planStepID string, n int) ([]string, error)

	// Restore truncates the collection on conn and reloads the snapshot.
	Restore(ctx context.Context, migrationID, planStepID string, conn driver.Conn, collection string) error

	// Drop discards every snapshot of a migration after it reaches a
	// terminal state.
	Drop(migrationID string) error

	Close() error
}

const restoreChunk = 500

// BoltStore keeps snapshots in a dedicated bolt file, one bucket per
// (migration, plan step).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the snapshot database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "backups.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func bucketName(migrationID, planStepID string) []byte {
	return []byte(migrationID + "/" + planStepID)
}

func (s *BoltStore) Snapshot(ctx context.Context, migrationID, planStepID string, conn driver.Conn, collection string) error {
	exists, err := s.Has(migrationID, planStepID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	logger := log.WithMigrationID(migrationID)
	name := bucketName(migrationID, planStepID)
	total := 0

	cursor := ""
	for {
		records, next, err := conn.StreamBatch(ctx, collection, cursor, restoreChunk)
		if err != nil {
			return fmt.Errorf("failed to stream snapshot batch: %w", err)
		}
		if len(records) > 0 {
			err = s.db.Update(func(tx *bolt.Tx) error {
				b, err := tx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				for i := range records {
					data, err := json.Marshal(&records[i])
					if err != nil {
						return err
					}
					if err := b.Put([]byte(records[i].ID), data); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to persist snapshot batch: %w", err)
			}
			total += len(records)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	// An empty collection still gets a marker bucket so Has() holds.
	err = s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
	if err != nil {
		return err
	}

	logger.Debug().
		Str("step", planStepID).
		Str("collection", collection).
		Int("records", total).
		Msg("snapshot taken")
	return nil
}

func (s *BoltStore) Has(migrationID, planStepID string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketName(migrationID, planStepID)) != nil
		return nil
	})
	return exists, err
}

func (s *BoltStore) Records(migrationID, planStepID string, ids []string) ([]types.Record, error) {
	var out []types.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(migrationID, planStepID))
		if b == nil {
			return fmt.Errorf("no snapshot for step %s", planStepID)
		}
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var rec types.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Count(migrationID, planStepID string) (int64, error) {
	var count int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(migrationID, planStepID))
		if b == nil {
			return fmt.Errorf("no snapshot for step %s", planStepID)
		}
		count = int64(b.Stats().KeyN)
		return nil
	})
	return count, err
}

// SampleIDs takes every k-th key so the sample spans the id range
// instead of clustering at the front.
func (s *BoltStore) SampleIDs(migrationID, planStepID string, n int) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(migrationID, planStepID))
		if b == nil {
			return fmt.Errorf("no snapshot for step %s", planStepID)
		}
		total := b.Stats().KeyN
		if total == 0 {
			return nil
		}
		stride := total / n
		if stride < 1 {
			stride = 1
		}
		i := 0
		return b.ForEach(func(k, _ []byte) error {
			if i%stride == 0 && len(ids) < n {
				ids = append(ids, string(k))
			}
			i++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *BoltStore) Restore(ctx context.Context, migrationID, planStepID string, conn driver.Conn, collection string) error {
	exists, err := s.Has(migrationID, planStepID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("no snapshot for step %s", planStepID)
	}

	if err := conn.Truncate(ctx, collection); err != nil {
		return fmt.Errorf("failed to truncate before restore: %w", err)
	}

	name := bucketName(migrationID, planStepID)
	chunk := make([]types.Record, 0, restoreChunk)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if _, err := conn.ApplyBatch(ctx, collection, chunk); err != nil {
			return fmt.Errorf("failed to apply restore batch: %w", err)
		}
		chunk = chunk[:0]
		return nil
	}

	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(name)
		return b.ForEach(func(_, v []byte) error {
			var rec types.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			chunk = append(chunk, rec)
			if len(chunk) == restoreChunk {
				return flush()
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	logger := log.WithMigrationID(migrationID)
	logger.Info().
		Str("step", planStepID).
		Str("collection", collection).
		Msg("collection restored from snapshot")
	return nil
}

func (s *BoltStore) Drop(migrationID string) error {
	prefix := []byte(migrationID + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if len(name) >= len(prefix) && string(name[:len(prefix)]) == string(prefix) {
				names = append(names, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
