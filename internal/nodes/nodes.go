// Package nodes implements the path-addressed document tree: transactional
// create/update/rename/move/delete with cascading consistency, and tree
// reconstruction from the flat stored form.
package nodes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kittclouds/vaultkit/internal/apperr"
	"github.com/kittclouds/vaultkit/internal/events"
	"github.com/kittclouds/vaultkit/internal/store"
)

// maxNameAttempts bounds collision suffixing: "name", "name (2)", ...,
// "name (20)". Exceeding the bound is a conflict.
const maxNameAttempts = 20

// deleteChunk caps the ids per DELETE ... IN statement inside the cascade
// transaction.
const deleteChunk = 500

// Store owns the node tree. All mutations run in single transactions;
// events fire only after commit.
type Store struct {
	db  *store.DB
	bus events.Bus
	log *slog.Logger
	now func() int64
}

// New creates a node store publishing to bus. bus and log may be nil.
func New(db *store.DB, bus events.Bus, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:  db,
		bus: bus,
		log: log,
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// CreateOptions carries the optional fields of a new node.
type CreateOptions struct {
	Content string
	Meta    map[string]any
}

// Patch is a partial update. Nil fields are left untouched; Meta replaces
// the whole map when set.
type Patch struct {
	Content *string
	Meta    map[string]any
}

// Create inserts a new node at path, creating the namespace root first if
// the namespace is empty (implicit and idempotent; creating "/" explicitly
// returns the existing root). A live node at path is resolved by suffixing
// the leaf name with " (n)" up to maxNameAttempts. The parent path must
// exist, except for the implicit root.
func (s *Store) Create(ctx context.Context, namespace, path, kind string, opts *CreateOptions) (*store.Node, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", apperr.ErrValidation)
	}
	if kind != store.KindFile && kind != store.KindDirectory {
		return nil, fmt.Errorf("%w: unknown kind %q", apperr.ErrValidation, kind)
	}
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	if kind == store.KindDirectory && opts != nil && opts.Content != "" {
		return nil, fmt.Errorf("%w: directories carry no content", apperr.ErrValidation)
	}

	var created *store.Node
	emit := false

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		root, err := getNodeByPathTx(ctx, tx, namespace, "/")
		if err != nil {
			return err
		}
		if root == nil {
			root = s.newNode(namespace, "/", "/", store.KindDirectory, "", nil)
			if err := insertNodeTx(ctx, tx, root); err != nil {
				return err
			}
			if path == "/" {
				created, emit = root, true
				return nil
			}
		} else if path == "/" {
			created = root
			return nil
		}

		parentPath, leaf := splitPath(path)
		parent, err := getNodeByPathTx(ctx, tx, namespace, parentPath)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("%w: parent path %q", apperr.ErrNotFound, parentPath)
		}
		if parent.Kind != store.KindDirectory {
			return fmt.Errorf("%w: parent %q is not a directory", apperr.ErrValidation, parentPath)
		}

		finalPath, finalName := "", ""
		for n := 1; n <= maxNameAttempts; n++ {
			name := leaf
			if n > 1 {
				name = fmt.Sprintf("%s (%d)", leaf, n)
			}
			candidate := joinPath(parentPath, name)
			taken, err := pathTakenTx(ctx, tx, namespace, candidate)
			if err != nil {
				return err
			}
			if !taken {
				finalPath, finalName = candidate, name
				break
			}
		}
		if finalPath == "" {
			return fmt.Errorf("%w: path %q still collides after %d attempts", apperr.ErrConflict, path, maxNameAttempts)
		}

		created = s.newNode(namespace, finalPath, finalName, kind, parent.ID, opts)
		if err := insertNodeTx(ctx, tx, created); err != nil {
			return err
		}
		emit = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if emit {
		s.publish(events.Event{
			Type: events.NodeCreated,
			Data: events.NodeCreatedData{Node: created, ParentID: created.ParentID},
		})
	}
	return created, nil
}

// Get returns the node with id.
func (s *Store) Get(ctx context.Context, id string) (*store.Node, error) {
	n, err := store.ScanNode(s.db.QueryRowContext(ctx, `SELECT `+store.NodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// GetByPath returns the live node at path within namespace.
func (s *Store) GetByPath(ctx context.Context, namespace, path string) (*store.Node, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	n, err := store.ScanNode(s.db.QueryRowContext(ctx,
		`SELECT `+store.NodeColumns+` FROM nodes WHERE namespace = ? AND path = ?`, namespace, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: path %q in namespace %q", apperr.ErrNotFound, path, namespace)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// FindByName resolves a node by its leaf name within namespace, first match
// in path order. Absence is not an error: it returns (nil, nil), matching
// how link targets and mention candidates are probed.
func (s *Store) FindByName(ctx context.Context, namespace, name string) (*store.Node, error) {
	n, err := store.ScanNode(s.db.QueryRowContext(ctx,
		`SELECT `+store.NodeColumns+` FROM nodes WHERE namespace = ? AND name = ? ORDER BY path LIMIT 1`,
		namespace, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// List returns every node in namespace in path order.
func (s *Store) List(ctx context.Context, namespace string) ([]*store.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+store.NodeColumns+` FROM nodes WHERE namespace = ? ORDER BY path`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Node
	for rows.Next() {
		n, err := store.ScanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Namespaces lists every namespace that has at least one node.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM nodes ORDER BY namespace`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// Update merges patch into the node, bumps updatedAt and returns the
// result. Content changes emit node.contentUpdated, anything else
// node.metadataUpdated.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*store.Node, error) {
	var updated *store.Node
	contentChanged := false

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := getNodeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == nil {
			return fmt.Errorf("%w: node %s", apperr.ErrNotFound, id)
		}

		if patch.Content != nil {
			if n.Kind != store.KindFile {
				return fmt.Errorf("%w: node %s is not a file", apperr.ErrValidation, id)
			}
			n.Content = *patch.Content
			contentChanged = true
		}
		if patch.Meta != nil {
			n.Meta = patch.Meta
		}
		n.UpdatedAt = s.now()

		_, err = tx.ExecContext(ctx,
			`UPDATE nodes SET content = ?, meta = ?, updated_at = ? WHERE id = ?`,
			n.Content, store.MetaToJSON(n.Meta), n.UpdatedAt, n.ID)
		if err != nil {
			return err
		}
		updated = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	evType := events.NodeMetadataUpdated
	if contentChanged {
		evType = events.NodeContentUpdated
	}
	s.publish(events.Event{Type: evType, Data: events.NodeUpdatedData{Node: updated}})
	return updated, nil
}

// Rename gives the node a new leaf name, recomputing its path and every
// descendant's path through one prefix rewrite. Renaming to the current
// name is a no-op.
func (s *Store) Rename(ctx context.Context, id, newName string) (*store.Node, error) {
	if err := validName(newName); err != nil {
		return nil, err
	}

	var renamed *store.Node
	changed := false

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := getNodeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == nil {
			return fmt.Errorf("%w: node %s", apperr.ErrNotFound, id)
		}
		if n.Path == "/" {
			return fmt.Errorf("%w: cannot rename the namespace root", apperr.ErrValidation)
		}
		if newName == n.Name {
			renamed = n
			return nil
		}

		parentPath, _ := splitPath(n.Path)
		newPath := joinPath(parentPath, newName)
		taken, err := pathTakenTx(ctx, tx, n.Namespace, newPath)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: path %q already exists", apperr.ErrConflict, newPath)
		}

		oldPath := n.Path
		n.Path, n.Name, n.UpdatedAt = newPath, newName, s.now()
		_, err = tx.ExecContext(ctx,
			`UPDATE nodes SET path = ?, name = ?, updated_at = ? WHERE id = ?`,
			n.Path, n.Name, n.UpdatedAt, n.ID)
		if err != nil {
			return err
		}

		if n.Kind == store.KindDirectory {
			count, err := rewriteDescendantPaths(ctx, tx, n.Namespace, oldPath, newPath)
			if err != nil {
				return err
			}
			s.log.Debug("rewrote descendant paths", "from", oldPath, "to", newPath, "count", count)
		}

		renamed = n
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publish(events.Event{Type: events.NodeRenamed, Data: events.NodeUpdatedData{Node: renamed}})
	}
	return renamed, nil
}

// Move reparents the node under newParentID, cascading descendant paths the
// same way Rename does. Moving a node into itself or its own subtree is a
// conflict; moving to its current parent is a no-op.
func (s *Store) Move(ctx context.Context, id, newParentID string) (*store.Node, error) {
	var moved *store.Node
	changed := false

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := getNodeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == nil {
			return fmt.Errorf("%w: node %s", apperr.ErrNotFound, id)
		}
		if n.Path == "/" {
			return fmt.Errorf("%w: cannot move the namespace root", apperr.ErrValidation)
		}

		parent, err := getNodeTx(ctx, tx, newParentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("%w: parent node %s", apperr.ErrNotFound, newParentID)
		}
		if parent.Namespace != n.Namespace {
			return fmt.Errorf("%w: cannot move across namespaces", apperr.ErrValidation)
		}
		if parent.Kind != store.KindDirectory {
			return fmt.Errorf("%w: parent %s is not a directory", apperr.ErrValidation, newParentID)
		}
		if parent.ID == n.ID || parent.Path == n.Path || strings.HasPrefix(parent.Path, n.Path+"/") {
			return fmt.Errorf("%w: cannot move %q into its own subtree", apperr.ErrConflict, n.Path)
		}

		newPath := joinPath(parent.Path, n.Name)
		if newPath == n.Path {
			moved = n
			return nil
		}

		taken, err := pathTakenTx(ctx, tx, n.Namespace, newPath)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: path %q already exists", apperr.ErrConflict, newPath)
		}

		oldPath := n.Path
		n.Path, n.ParentID, n.UpdatedAt = newPath, parent.ID, s.now()
		_, err = tx.ExecContext(ctx,
			`UPDATE nodes SET path = ?, parent_id = ?, updated_at = ? WHERE id = ?`,
			n.Path, n.ParentID, n.UpdatedAt, n.ID)
		if err != nil {
			return err
		}

		if n.Kind == store.KindDirectory {
			count, err := rewriteDescendantPaths(ctx, tx, n.Namespace, oldPath, newPath)
			if err != nil {
				return err
			}
			s.log.Debug("rewrote descendant paths", "from", oldPath, "to", newPath, "count", count)
		}

		moved = n
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publish(events.Event{
			Type: events.NodeMoved,
			Data: events.NodeMovedData{NodeID: moved.ID, NewParentID: moved.ParentID, Node: moved},
		})
	}
	return moved, nil
}

// Delete removes the node, all its descendants and every dependent row
// (tag associations, links in both directions, cards, tasks, agent blocks,
// embeddings) in one transaction. Deleting a missing id is a no-op. It
// returns the removed ids, self included.
func (s *Store) Delete(ctx context.Context, id string) ([]string, error) {
	var removed []string

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := getNodeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == nil {
			return nil
		}

		ids, err := subtreeIDsTx(ctx, tx, n)
		if err != nil {
			return err
		}

		cascades := []string{
			`DELETE FROM node_tags WHERE node_id IN (%s)`,
			`DELETE FROM links WHERE source_id IN (%s)`,
			`DELETE FROM links WHERE target_id IN (%s)`,
			`DELETE FROM cloze_cards WHERE host_id IN (%s)`,
			`DELETE FROM tasks WHERE host_id IN (%s)`,
			`DELETE FROM agent_blocks WHERE host_id IN (%s)`,
			`DELETE FROM node_embeddings WHERE node_key IN (SELECT key FROM embedding_keys WHERE node_id IN (%s))`,
			`DELETE FROM embedding_keys WHERE node_id IN (%s)`,
			`DELETE FROM nodes WHERE id IN (%s)`,
		}
		for _, q := range cascades {
			if err := execByIDs(ctx, tx, q, ids); err != nil {
				return err
			}
		}

		removed = ids
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(removed) > 0 {
		s.log.Debug("deleted node cascade", "id", id, "count", len(removed))
		s.publish(events.Event{
			Type: events.NodeRemoved,
			Data: events.NodeRemovedData{RemovedNodeID: id, AllRemovedIDs: removed},
		})
	}
	return removed, nil
}

// ---------------------------------------------------------------------------
// Row access
// ---------------------------------------------------------------------------

func getNodeTx(ctx context.Context, tx *sql.Tx, id string) (*store.Node, error) {
	n, err := store.ScanNode(tx.QueryRowContext(ctx, `SELECT `+store.NodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

func getNodeByPathTx(ctx context.Context, tx *sql.Tx, namespace, path string) (*store.Node, error) {
	n, err := store.ScanNode(tx.QueryRowContext(ctx,
		`SELECT `+store.NodeColumns+` FROM nodes WHERE namespace = ? AND path = ?`, namespace, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

func pathTakenTx(ctx context.Context, tx *sql.Tx, namespace, path string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM nodes WHERE namespace = ? AND path = ? LIMIT 1`, namespace, path).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func insertNodeTx(ctx context.Context, tx *sql.Tx, n *store.Node) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (`+store.NodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Namespace, n.Path, n.Name, n.Kind, n.ParentID, n.Content,
		store.MetaToJSON(n.Meta), n.CreatedAt, n.UpdatedAt)
	return err
}

// rewriteDescendantPaths replaces the oldPath prefix with newPath for every
// descendant in one statement. Cost is linear in descendant count; no
// per-node path recomputation.
func rewriteDescendantPaths(ctx context.Context, tx *sql.Tx, namespace, oldPath, newPath string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE nodes
		SET path = ? || substr(path, length(?) + 1)
		WHERE namespace = ? AND path LIKE ? ESCAPE '\'
	`, newPath, oldPath, namespace, store.EscapeLike(oldPath)+"/%")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// subtreeIDsTx resolves the node plus all its descendants, in path order.
func subtreeIDsTx(ctx context.Context, tx *sql.Tx, n *store.Node) ([]string, error) {
	prefix := n.Path + "/"
	if n.Path == "/" {
		prefix = "/"
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM nodes
		WHERE namespace = ? AND (path = ? OR path LIKE ? ESCAPE '\')
		ORDER BY path
	`, n.Namespace, n.Path, store.EscapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// execByIDs expands query's single %s into id placeholders, chunked to stay
// under the statement parameter limit. All chunks run in the same tx.
func execByIDs(ctx context.Context, tx *sql.Tx, query string, ids []string) error {
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk)-1) + "?"
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(query, placeholders), args...); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Store) newNode(namespace, path, name, kind, parentID string, opts *CreateOptions) *store.Node {
	now := s.now()
	n := &store.Node{
		ID:        mintID(namespace),
		Namespace: namespace,
		Path:      path,
		Name:      name,
		Kind:      kind,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts != nil {
		n.Content = opts.Content
		n.Meta = opts.Meta
	}
	if n.Meta == nil {
		n.Meta = map[string]any{}
	}
	return n
}

func (s *Store) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func mintID(namespace string) string {
	return namespace + ":" + uuid.NewString()
}
