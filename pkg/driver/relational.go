package driver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shardmig/shardmig/pkg/types"
)

// RelationalDriver serves the relational store class over database/sql.
// Each shard maps to one DSN. Collections map to two-column tables
// (id TEXT PRIMARY KEY, doc TEXT) holding the JSON-encoded fields, and a
// migrations table carries the applied-markers for schema changes.
type RelationalDriver struct {
	mu    sync.Mutex
	dsns  map[types.ShardID]string
	conns map[types.ShardID]*relationalConn
}

// NewRelationalDriver builds a driver over per-shard DSNs.
func NewRelationalDriver(dsns map[string]string) *RelationalDriver {
	m := make(map[types.ShardID]string, len(dsns))
	for id, dsn := range dsns {
		m[types.ShardID(id)] = dsn
	}
	return &RelationalDriver{dsns: m, conns: make(map[types.ShardID]*relationalConn)}
}

func (d *RelationalDriver) Class() types.StoreClass { return types.StoreClassRelational }

// Open acquires and health-checks a connection to a shard.
func (d *RelationalDriver) Open(ctx context.Context, shard types.ShardID) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[shard]; ok {
		return conn, nil
	}
	dsn, ok := d.dsns[shard]
	if !ok {
		return nil, fmt.Errorf("relational shard not configured: %s", shard)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open relational shard %s: %w", shard, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping relational shard %s: %w", shard, err)
	}
	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS migrations (ref TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure migrations table: %w", err)
	}
	conn := &relationalConn{db: db}
	d.conns[shard] = conn
	return conn, nil
}

// CloseAll releases every pooled connection.
func (d *RelationalDriver) CloseAll() error {
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

type relationalConn struct {
	db *sql.DB
}

func (c *relationalConn) ApplySchema(ctx context.Context, change SchemaChange) (bool, error) {
	applied, err := c.SchemaApplied(ctx, change.Ref)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	for _, stmt := range change.UpSQL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return false, fmt.Errorf("schema statement failed: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO migrations (ref, applied_at) VALUES (?, ?)`,
		change.Ref, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (c *relationalConn) RevertSchema(ctx context.Context, change SchemaChange) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range change.DownSQL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema revert statement failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM migrations WHERE ref = ?`, change.Ref); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *relationalConn) SchemaApplied(ctx context.Context, ref string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM migrations WHERE ref = ?`, ref).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *relationalConn) StreamBatch(ctx context.Context, collection, cursor string, size int) ([]types.Record, string, error) {
	// One extra row decides whether the stream continues past this batch.
	rows, err := c.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, doc FROM %q WHERE id > ? ORDER BY id LIMIT ?`, collection),
		cursor, size+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var records []types.Record
	more := false
	for rows.Next() {
		if len(records) == size {
			more = true
			break
		}
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, "", err
		}
		rec := types.Record{ID: id}
		if err := json.Unmarshal([]byte(doc), &rec.Fields); err != nil {
			return nil, "", fmt.Errorf("corrupt row %s/%s: %w", collection, id, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if more {
		next = records[len(records)-1].ID
	}
	return records, next, nil
}

func (c *relationalConn) ApplyBatch(ctx context.Context, collection string, records []types.Record) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %q (id, doc) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, collection))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	applied := 0
	for _, rec := range records {
		doc, err := json.Marshal(rec.Fields)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, string(doc)); err != nil {
			return 0, err
		}
		applied++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return applied, nil
}

func (c *relationalConn) DeleteRecords(ctx context.Context, collection string, ids []string) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, collection))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	deleted := 0
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

func (c *relationalConn) GetRecords(ctx context.Context, collection string, ids []string) ([]types.Record, error) {
	var records []types.Record
	for _, id := range ids {
		var doc string
		err := c.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT doc FROM %q WHERE id = ?`, collection), id).Scan(&doc)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec := types.Record{ID: id}
		if err := json.Unmarshal([]byte(doc), &rec.Fields); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *relationalConn) Count(ctx context.Context, collection string) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %q`, collection)).Scan(&count)
	return count, err
}

func (c *relationalConn) FieldValues(ctx context.Context, collection, field string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT json_extract(doc, ?) FROM %q ORDER BY id`, collection),
		"$."+field)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid {
			values = append(values, v.String)
		}
	}
	return values, rows.Err()
}

func (c *relationalConn) Truncate(ctx context.Context, collection string) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q`, collection))
	return err
}

func (c *relationalConn) Health(ctx context.Context) types.Health {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		return types.HealthDown
	}
	return types.HealthOK
}

func (c *relationalConn) Close() error {
	// Pooled by the driver; real close happens in CloseAll.
	return nil
}
