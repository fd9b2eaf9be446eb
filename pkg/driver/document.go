package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shardmig/shardmig/pkg/types"
)

// schemaBucket holds applied-marker documents, one per schema ref. It is
// the document-store equivalent of a migrations table.
var schemaBucket = []byte("_schema")

// DocumentDriver serves the document store class. Each shard maps to one
// bbolt database file; collections map to buckets holding JSON documents
// keyed by record id.
type DocumentDriver struct {
	mu    sync.Mutex
	dsns  map[types.ShardID]string
	conns map[types.ShardID]*documentConn
}

// NewDocumentDriver builds a driver over per-shard database paths.
func NewDocumentDriver(dsns map[string]string) *DocumentDriver {
	m := make(map[types.ShardID]string, len(dsns))
	for id, dsn := range dsns {
		m[types.ShardID(id)] = dsn
	}
	return &DocumentDriver{dsns: m, conns: make(map[types.ShardID]*documentConn)}
}

func (d *DocumentDriver) Class() types.StoreClass { return types.StoreClassDocument }

// Open acquires and health-checks a connection to a shard. Connections
// are pooled per shard; Close on the returned Conn is a no-op release.
func (d *DocumentDriver) Open(ctx context.Context, shard types.ShardID) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[shard]; ok {
		return conn, nil
	}
	dsn, ok := d.dsns[shard]
	if !ok {
		return nil, fmt.Errorf("document shard not configured: %s", shard)
	}
	db, err := bolt.Open(dsn, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open document shard %s: %w", shard, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(schemaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	conn := &documentConn{db: db}
	d.conns[shard] = conn
	return conn, nil
}

// CloseAll releases every pooled connection.
func (d *DocumentDriver) CloseAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for shard, conn := range d.conns {
		if err := conn.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.conns, shard)
	}
	return firstErr
}

type documentConn struct {
	db *bolt.DB
}

func (c *documentConn) ApplySchema(ctx context.Context, change SchemaChange) (bool, error) {
	applied := false
	err := c.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(schemaBucket)
		if sb.Get([]byte(change.Ref)) != nil {
			return nil // already applied
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(change.Collection)); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", change.Collection, err)
		}
		marker, err := json.Marshal(map[string]string{
			"ref":        change.Ref,
			"applied_at": time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		applied = true
		return sb.Put([]byte(change.Ref), marker)
	})
	return applied, err
}

func (c *documentConn) RevertSchema(ctx context.Context, change SchemaChange) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(schemaBucket)
		return sb.Delete([]byte(change.Ref))
	})
}

func (c *documentConn) SchemaApplied(ctx context.Context, ref string) (bool, error) {
	var applied bool
	err := c.db.View(func(tx *bolt.Tx) error {
		applied = tx.Bucket(schemaBucket).Get([]byte(ref)) != nil
		return nil
	})
	return applied, err
}

func (c *documentConn) StreamBatch(ctx context.Context, collection, cursor string, size int) ([]types.Record, string, error) {
	var records []types.Record
	next := ""
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil // empty stream
		}
		cur := b.Cursor()
		var k, v []byte
		if cursor == "" {
			k, v = cur.First()
		} else {
			k, v = cur.Seek([]byte(cursor))
			if k != nil && bytes.Equal(k, []byte(cursor)) {
				k, v = cur.Next()
			}
		}
		for ; k != nil && len(records) < size; k, v = cur.Next() {
			var rec types.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt document %s/%s: %w", collection, k, err)
			}
			records = append(records, rec)
		}
		if k != nil && len(records) > 0 {
			next = records[len(records)-1].ID
		}
		return nil
	})
	return records, next, err
}

func (c *documentConn) ApplyBatch(ctx context.Context, collection string, records []types.Record) (int, error) {
	// One bolt Update is atomic, satisfying the all-or-nothing batch
	// requirement without multi-statement transactions.
	applied := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(rec.ID), data); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func (c *documentConn) DeleteRecords(ctx context.Context, collection string, ids []string) (int, error) {
	deleted := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		for _, id := range ids {
			if b.Get([]byte(id)) == nil {
				continue
			}
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (c *documentConn) GetRecords(ctx context.Context, collection string, ids []string) ([]types.Record, error) {
	var records []types.Record
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
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
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func (c *documentConn) Count(ctx context.Context, collection string) (int64, error) {
	var count int64
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		count = int64(b.Stats().KeyN)
		return nil
	})
	return count, err
}

func (c *documentConn) FieldValues(ctx context.Context, collection, field string) ([]string, error) {
	var values []string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec types.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if val, ok := rec.Fields[field]; ok {
				values = append(values, fmt.Sprintf("%v", val))
			}
			return nil
		})
	})
	return values, err
}

func (c *documentConn) Truncate(ctx context.Context, collection string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(collection)) == nil {
			return nil
		}
		if err := tx.DeleteBucket([]byte(collection)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(collection))
		return err
	})
}

func (c *documentConn) Health(ctx context.Context) types.Health {
	// A View that cannot start means the file handle is gone.
	err := c.db.View(func(tx *bolt.Tx) error { return nil })
	if err != nil {
		return types.HealthDown
	}
	return types.HealthOK
}

func (c *documentConn) Close() error {
	// Pooled by the driver; real close happens in CloseAll.
	return nil
}
