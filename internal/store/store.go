package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// tableDDL creates the per-sync KV table: rows are (u32 id, opaque
// bytes), scoped by the syncstate_<base64(...)> table name the caller
// derives from (rootFsId, remoteRootHandle, accountId).
const tableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	data BLOB NOT NULL
);
`

// Row is one persisted (dbId, serialized SyncNode) pair.
type Row struct {
	ID   uint32
	Data []byte
}

// Store is a per-sync key-value table over a shared *sqlx.DB connection.
// Table is the syncstate_<base64(...)> name computed by the lifecycle
// owner; Store itself is name-agnostic plumbing.
type Store struct {
	db    *sqlx.DB
	Table string
}

// Open ensures table exists in db and returns a Store scoped to it.
func Open(db *sqlx.DB, table string) (*Store, error) {
	if _, err := db.Exec(fmt.Sprintf(tableDDL, table)); err != nil {
		return nil, fmt.Errorf("store: create table %s: %w", table, err)
	}
	return &Store{db: db, Table: table}, nil
}

// LoadAll returns every row currently persisted, for Lifecycle's tree
// rehydration on startup.
func (s *Store) LoadAll(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf("SELECT id, data FROM %s", s.Table))
	if err != nil {
		return nil, fmt.Errorf("store: load all from %s: %w", s.Table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Data); err != nil {
			return nil, fmt.Errorf("store: scan row in %s: %w", s.Table, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Committer is a scoped transaction wrapper guaranteeing commit on
// scope exit unless explicitly aborted: callers defer Committer.Close,
// and a row added via Insert or removed via Delete only takes effect if
// Close is reached without an intervening Abort.
type Committer struct {
	tx        *sqlx.Tx
	table     string
	aborted   bool
	committed bool
}

// Begin opens a new scoped transaction against table.
func (s *Store) Begin(ctx context.Context) (*Committer, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx on %s: %w", s.Table, err)
	}
	return &Committer{tx: tx, table: s.Table}, nil
}

// Insert adds data as a new row and returns its freshly assigned dbId.
// The caller's batched-write protocol (lifecycle) must only call Insert
// for a node whose parent's dbId is already known, committed or pending
// in this same transaction.
func (c *Committer) Insert(ctx context.Context, data []byte) (uint32, error) {
	res, err := c.tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (data) VALUES (?)", c.table), data)
	if err != nil {
		return 0, fmt.Errorf("store: insert into %s: %w", c.table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: read inserted id in %s: %w", c.table, err)
	}
	return uint32(id), nil
}

// Update overwrites the row at id with data.
func (c *Committer) Update(ctx context.Context, id uint32, data []byte) error {
	_, err := c.tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET data = ? WHERE id = ?", c.table), data, id)
	if err != nil {
		return fmt.Errorf("store: update %s row %d: %w", c.table, id, err)
	}
	return nil
}

// Delete removes the row at id. A node whose dbId is 0 (never
// persisted) need not be deleted; callers filter those out before
// calling.
func (c *Committer) Delete(ctx context.Context, id uint32) error {
	_, err := c.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", c.table), id)
	if err != nil {
		return fmt.Errorf("store: delete %s row %d: %w", c.table, id, err)
	}
	return nil
}

// Abort marks the transaction for rollback; Close will roll back rather
// than commit. Used on a write failure: the in-memory state is retained
// and the commit is re-attempted on the next cycle.
func (c *Committer) Abort() {
	c.aborted = true
}

// Close commits the transaction, or rolls it back if Abort was called; a
// failed Insert, Update or Delete does not by itself force a rollback.
// Safe to call multiple times.
func (c *Committer) Close() error {
	if c.committed {
		return nil
	}
	c.committed = true
	if c.aborted {
		return c.tx.Rollback()
	}
	if err := c.tx.Commit(); err != nil {
		_ = c.tx.Rollback()
		return fmt.Errorf("store: commit %s: %w", c.table, err)
	}
	return nil
}

// TableName derives the syncstate_<base64(...)> table name, scoped by
// the sync's filesystem identity, remote root handle and account id.
func TableName(rootFsID uint64, remoteRootHandle uint64, accountID string) string {
	return fmt.Sprintf("syncstate_%s", encodeTableKey(rootFsID, remoteRootHandle, accountID))
}
