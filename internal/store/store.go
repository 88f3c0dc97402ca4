package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/kittclouds/vaultkit/internal/apperr"
)

// DefaultVectorDim is the embedding width of the node_embeddings table when
// the caller does not configure one.
const DefaultVectorDim = 128

// schema defines all tables of the vault data layer. The node_embeddings
// vec0 virtual table is created separately in Open because its dimension is
// configurable.
const schema = `
-- Nodes: the path-addressed file/directory tree.
-- Path is unique per namespace among live nodes; parent_id = '' marks the root.
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    namespace TEXT NOT NULL,
    path TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    meta TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_ns_path ON nodes(namespace, path);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
CREATE INDEX IF NOT EXISTS idx_nodes_ns ON nodes(namespace);

-- Tags and node associations.
CREATE TABLE IF NOT EXISTS tags (
    name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS node_tags (
    node_id TEXT NOT NULL,
    tag_name TEXT NOT NULL,
    PRIMARY KEY (node_id, tag_name)
);

CREATE INDEX IF NOT EXISTS idx_node_tags_tag ON node_tags(tag_name);

-- Links: directed edges recomputed wholesale per content write.
-- No foreign keys - referential integrity managed at application level.
CREATE TABLE IF NOT EXISTS links (
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    PRIMARY KEY (source_id, target_id)
);

CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_id);

-- Cloze cards with scheduling state.
CREATE TABLE IF NOT EXISTS cloze_cards (
    id TEXT PRIMARY KEY,
    host_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    tier TEXT NOT NULL,
    due_at INTEGER NOT NULL,
    interval_days INTEGER NOT NULL DEFAULT 0,
    ease_factor REAL NOT NULL DEFAULT 2.5,
    repetitions INTEGER NOT NULL DEFAULT 0,
    lapses INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cards_host ON cloze_cards(host_id);
-- Due queries are a single upper-bound range scan over this index.
CREATE INDEX IF NOT EXISTS idx_cards_due ON cloze_cards(tier, due_at);

-- Tasks.
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    host_id TEXT NOT NULL,
    text TEXT NOT NULL,
    done INTEGER NOT NULL DEFAULT 0,
    indent TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_host ON tasks(host_id);

-- Agent blocks.
CREATE TABLE IF NOT EXISTS agent_blocks (
    id TEXT PRIMARY KEY,
    host_id TEXT NOT NULL,
    directive TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_host ON agent_blocks(host_id);

-- Maps node ids to the integer keys the vector index requires.
CREATE TABLE IF NOT EXISTS embedding_keys (
    key INTEGER PRIMARY KEY AUTOINCREMENT,
    node_id TEXT NOT NULL UNIQUE
);
`

// DB is the shared database handle. A single RWMutex serializes writers;
// multi-statement mutations go through WithTx, which holds the write lock
// for the whole transaction.
type DB struct {
	mu        sync.RWMutex
	sql       *sql.DB
	vectorDim int
}

// Open opens (or creates) a vault database. Use ":memory:" for tests.
func Open(dsn string) (*DB, error) {
	return OpenWithVectorDim(dsn, DefaultVectorDim)
}

// OpenWithVectorDim opens a vault database with a specific embedding width
// for the node_embeddings table.
func OpenWithVectorDim(dsn string, dim int) (*DB, error) {
	if dim <= 0 {
		dim = DefaultVectorDim
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A ":memory:" DSN is per-connection; the pool must never fan out.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	// vec0 cannot be declared in the static schema: the dimension is config.
	vecDDL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS node_embeddings USING vec0(node_key INTEGER PRIMARY KEY, embedding FLOAT[%d])`,
		dim,
	)
	if _, err := db.Exec(vecDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create embeddings table: %w", err)
	}

	return &DB{sql: db, vectorDim: dim}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sql != nil {
		return d.sql.Close()
	}
	return nil
}

// VectorDim reports the embedding width node_embeddings was created with.
func (d *DB) VectorDim() int {
	return d.vectorDim
}

// ExecContext runs a single write statement under the write lock.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sql.ExecContext(ctx, query, args...)
}

// QueryContext runs a read query under the read lock.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sql.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row read under the read lock.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sql.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside one transaction, holding the write lock throughout.
// fn errors roll the transaction back and pass through unchanged; begin and
// commit failures surface as apperr.ErrTxAbort. fn must issue every
// statement through tx: the pool is capped at one connection, so going back
// to the DB handle mid-transaction deadlocks.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", apperr.ErrTxAbort, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", apperr.ErrTxAbort, err)
	}
	return nil
}

// EscapeLike escapes %, _ and \ so s can be used literally inside a LIKE
// pattern with ESCAPE '\'.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// BoolToInt maps a bool onto the 0/1 convention the schema uses.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
