package statestore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/types"
)

var (
	// Bucket names
	bucketMigrations  = []byte("migrations")
	bucketRequests    = []byte("migration_requests")
	bucketPlans       = []byte("migration_plans")
	bucketProgress    = []byte("shard_migrations")
	bucketEvents      = []byte("migration_history")
	bucketOutbox      = []byte("event_outbox")
	bucketLocks       = []byte("migration_locks")
	bucketFencing     = []byte("fencing_tokens")
	bucketIdempotency = []byte("idempotency_keys")
	bucketEventSeq    = []byte("event_seq")
)

// BoltStore implements Store using bbolt. Every mutation is one bolt
// update transaction, which gives the crash-atomicity the engine
// requires without coordinating with the migrated stores themselves.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the coordinator database in dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "shardmig.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketMigrations,
			bucketRequests,
			bucketPlans,
			bucketProgress,
			bucketEvents,
			bucketOutbox,
			bucketLocks,
			bucketFencing,
			bucketIdempotency,
			bucketEventSeq,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Migrations ---

func (s *BoltStore) CreateMigration(m *types.Migration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		if b.Get([]byte(m.ID)) != nil {
			return errdefs.ErrMigrationExists
		}
		m.Version = 1
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(m.ID), data); err != nil {
			return err
		}
		return nil
	})
}

func (s *BoltStore) GetMigration(id string) (*types.Migration, error) {
	var m types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMigrations).Get([]byte(id))
		if data == nil {
			return errdefs.ErrMigrationNotFound
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) ListMigrations() ([]*types.Migration, error) {
	var migrations []*types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).ForEach(func(k, v []byte) error {
			var m types.Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			migrations = append(migrations, &m)
			return nil
		})
	})
	return migrations, err
}

func (s *BoltStore) CASMigration(m *types.Migration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		data := b.Get([]byte(m.ID))
		if data == nil {
			return errdefs.ErrMigrationNotFound
		}
		var stored types.Migration
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.Version != m.Version {
			return errdefs.ErrCASConflict
		}
		m.Version++
		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(m.ID), out)
	})
}

func (s *BoltStore) FindByIdempotencyKey(key string) (*types.Migration, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdempotency).Get([]byte(key))
		if data == nil {
			return errdefs.ErrMigrationNotFound
		}
		id = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMigration(id)
}

// BindIdempotencyKey records key -> migration id. Fails if the key is
// already bound to a different migration.
func (s *BoltStore) BindIdempotencyKey(key, migrationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		if existing := b.Get([]byte(key)); existing != nil && string(existing) != migrationID {
			return errdefs.ErrMigrationExists
		}
		return b.Put([]byte(key), []byte(migrationID))
	})
}

// --- Requests and plans ---

func (s *BoltStore) PutRequest(req *types.MigrationRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRequests).Put([]byte(req.ID), data)
	})
}

func (s *BoltStore) GetRequest(id string) (*types.MigrationRequest, error) {
	var req types.MigrationRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("request not found: %s", id)
		}
		return json.Unmarshal(data, &req)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *BoltStore) PutPlan(plan *types.Plan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(plan)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPlans).Put([]byte(plan.MigrationID), data)
	})
}

func (s *BoltStore) GetPlan(migrationID string) (*types.Plan, error) {
	var plan types.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPlans).Get([]byte(migrationID))
		if data == nil {
			return fmt.Errorf("plan not found for migration: %s", migrationID)
		}
		return json.Unmarshal(data, &plan)
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// --- Progress ---

func progressKey(key types.ProgressKey) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", key.MigrationID, key.StepID, key.Shard))
}

func (s *BoltStore) GetProgress(key types.ProgressKey) (*types.ShardProgress, error) {
	var p types.ShardProgress
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProgress).Get(progressKey(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &p, nil
}

func (s *BoltStore) UpsertProgress(p *types.ShardProgress, resource string, token uint64) error {
	key := progressKey(types.ProgressKey{MigrationID: p.MigrationID, StepID: p.StepID, Shard: p.Shard})
	return s.db.Update(func(tx *bolt.Tx) error {
		// Reject writes bearing a fencing token older than the last one
		// seen for this resource.
		fb := tx.Bucket(bucketFencing)
		if last := fb.Get([]byte(resource)); last != nil {
			if token < binary.BigEndian.Uint64(last) {
				return errdefs.ErrStaleToken
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], token)
		if err := fb.Put([]byte(resource), buf[:]); err != nil {
			return err
		}

		b := tx.Bucket(bucketProgress)
		if data := b.Get(key); data != nil {
			var stored types.ShardProgress
			if err := json.Unmarshal(data, &stored); err != nil {
				return err
			}
			if stored.Version != p.Version {
				return errdefs.ErrCASConflict
			}
			// items_processed is monotonically non-decreasing, also
			// across crash/resume.
			if p.ItemsProcessed < stored.ItemsProcessed {
				return fmt.Errorf("items_processed moved backwards: %d < %d",
					p.ItemsProcessed, stored.ItemsProcessed)
			}
		} else if p.Version != 0 {
			return errdefs.ErrCASConflict
		}
		p.Version++
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListProgress(migrationID string) ([]*types.ShardProgress, error) {
	var out []*types.ShardProgress
	prefix := []byte(migrationID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProgress).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var p types.ShardProgress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
		}
		return nil
	})
	return out, err
}

// --- Events ---

func (s *BoltStore) AppendEvent(e *types.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		// Per-migration sequence keeps history ordered by append.
		sb := tx.Bucket(bucketEventSeq)
		var seq uint64
		if data := sb.Get([]byte(e.MigrationID)); data != nil {
			seq = binary.BigEndian.Uint64(data)
		}
		seq++
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		if err := sb.Put([]byte(e.MigrationID), buf[:]); err != nil {
			return err
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%s/%016d", e.MigrationID, seq))
		if err := tx.Bucket(bucketEvents).Put(key, data); err != nil {
			return err
		}
		// Same record lands in the outbox; the drain loop clears it once
		// the bus acknowledged.
		return tx.Bucket(bucketOutbox).Put(key, data)
	})
}

func (s *BoltStore) ListEvents(migrationID string) ([]*types.Event, error) {
	var out []*types.Event
	prefix := []byte(migrationID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) PendingOutbox(limit int) ([]*types.Event, error) {
	var out []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) MarkDrained(eventIDs []string) error {
	drained := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		drained[id] = true
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		c := b.Cursor()
		var keys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if drained[e.ID] {
				key := make([]byte, len(k))
				copy(key, k)
				keys = append(keys, key)
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Locks ---

func (s *BoltStore) AcquireLock(resource, holder string, ttl time.Duration) (*types.Lock, error) {
	var lock types.Lock
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		now := time.Now().UTC()
		if data := b.Get([]byte(resource)); data != nil {
			var existing types.Lock
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.HolderID != holder && now.Before(existing.ExpiresAt) {
				return errdefs.ErrLockBusy
			}
		}

		// Fencing tokens are monotonic per resource, surviving expiry
		// and reacquisition.
		fb := tx.Bucket(bucketFencing)
		var token uint64
		if data := fb.Get([]byte(resource)); data != nil {
			token = binary.BigEndian.Uint64(data)
		}
		token++
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], token)
		if err := fb.Put([]byte(resource), buf[:]); err != nil {
			return err
		}

		lock = types.Lock{
			Resource:     resource,
			HolderID:     holder,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(ttl),
			FencingToken: token,
		}
		data, err := json.Marshal(&lock)
		if err != nil {
			return err
		}
		return b.Put([]byte(resource), data)
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *BoltStore) RenewLock(resource, holder string, ttl time.Duration) (*types.Lock, error) {
	var lock types.Lock
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(resource))
		if data == nil {
			return errdefs.Wrap(errdefs.ErrLockBusy, fmt.Errorf("lock not held: %s", resource))
		}
		if err := json.Unmarshal(data, &lock); err != nil {
			return err
		}
		if lock.HolderID != holder {
			return errdefs.ErrLockBusy
		}
		lock.ExpiresAt = time.Now().UTC().Add(ttl)
		out, err := json.Marshal(&lock)
		if err != nil {
			return err
		}
		return b.Put([]byte(resource), out)
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *BoltStore) ReleaseLock(resource, holder string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(resource))
		if data == nil {
			return nil
		}
		var lock types.Lock
		if err := json.Unmarshal(data, &lock); err != nil {
			return err
		}
		if lock.HolderID != holder {
			return errdefs.ErrLockBusy
		}
		return b.Delete([]byte(resource))
	})
}

func (s *BoltStore) ReapLock(resource string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).Delete([]byte(resource))
	})
}

func (s *BoltStore) GetLock(resource string) (*types.Lock, error) {
	var lock types.Lock
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLocks).Get([]byte(resource))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &lock)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &lock, nil
}

func (s *BoltStore) ListLocks() ([]*types.Lock, error) {
	var locks []*types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var lock types.Lock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			locks = append(locks, &lock)
			return nil
		})
	})
	return locks, err
}
