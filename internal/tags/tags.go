// Package tags maintains the tag vocabulary and node associations. Tags are
// case-sensitive and globally unique; every association is mirrored into the
// node's meta under the "tags" key so exported metadata stays self-contained.
package tags

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kittclouds/vaultkit/internal/apperr"
	"github.com/kittclouds/vaultkit/internal/events"
	"github.com/kittclouds/vaultkit/internal/store"
)

// Index is the tag store. All mutations run in one transaction each and
// emit tags.updated.
type Index struct {
	db  *store.DB
	bus events.Bus
	log *slog.Logger
	now func() int64
}

// New creates a tag index. bus and log may be nil.
func New(db *store.DB, bus events.Bus, log *slog.Logger) *Index {
	if log == nil {
		log = slog.Default()
	}
	return &Index{
		db:  db,
		bus: bus,
		log: log,
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// Create registers a tag. Creating an existing tag is a no-op and emits
// nothing.
func (i *Index) Create(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: tag name is required", apperr.ErrValidation)
	}

	res, err := i.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tags (name, created_at) VALUES (?, ?)`, name, i.now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		i.publish(events.TagActionCreated, "", name)
	}
	return nil
}

// Rename changes a tag's name, cascading to every association and to each
// tagged node's meta.
func (i *Index) Rename(ctx context.Context, oldName, newName string) error {
	if newName == "" {
		return fmt.Errorf("%w: tag name is required", apperr.ErrValidation)
	}

	err := i.db.WithTx(ctx, func(tx *sql.Tx) error {
		exists, err := tagExistsTx(ctx, tx, oldName)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: tag %q", apperr.ErrNotFound, oldName)
		}
		taken, err := tagExistsTx(ctx, tx, newName)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: tag %q already exists", apperr.ErrConflict, newName)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE tags SET name = ? WHERE name = ?`, newName, oldName); err != nil {
			return err
		}

		affected, err := taggedNodeIDsTx(ctx, tx, oldName)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE node_tags SET tag_name = ? WHERE tag_name = ?`, newName, oldName); err != nil {
			return err
		}

		now := i.now()
		for _, nodeID := range affected {
			err := updateMetaTagsTx(ctx, tx, nodeID, now, func(list []string) []string {
				return replaceString(list, oldName, newName)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	i.publish(events.TagActionRenamed, "", newName)
	return nil
}

// Delete removes a tag and every association to it. Deleting a missing tag
// is a no-op.
func (i *Index) Delete(ctx context.Context, name string) error {
	deleted := false

	err := i.db.WithTx(ctx, func(tx *sql.Tx) error {
		exists, err := tagExistsTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		affected, err := taggedNodeIDsTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM node_tags WHERE tag_name = ?`, name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE name = ?`, name); err != nil {
			return err
		}

		now := i.now()
		for _, nodeID := range affected {
			err := updateMetaTagsTx(ctx, tx, nodeID, now, func(list []string) []string {
				return removeString(list, name)
			})
			if err != nil {
				return err
			}
		}

		deleted = true
		return nil
	})
	if err != nil {
		return err
	}

	if deleted {
		i.publish(events.TagActionDeleted, "", name)
	}
	return nil
}

// Tag associates a node with a tag, creating the tag on first use. Tagging
// an already-tagged node is a no-op.
func (i *Index) Tag(ctx context.Context, nodeID, name string) error {
	if name == "" {
		return fmt.Errorf("%w: tag name is required", apperr.ErrValidation)
	}

	tagged := false

	err := i.db.WithTx(ctx, func(tx *sql.Tx) error {
		exists, err := nodeExistsTx(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: node %s", apperr.ErrNotFound, nodeID)
		}

		now := i.now()
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (name, created_at) VALUES (?, ?)`, name, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO node_tags (node_id, tag_name) VALUES (?, ?)`, nodeID, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		tagged = true
		return updateMetaTagsTx(ctx, tx, nodeID, now, func(list []string) []string {
			return appendString(list, name)
		})
	})
	if err != nil {
		return err
	}

	if tagged {
		i.publish(events.TagActionTagged, nodeID, name)
	}
	return nil
}

// Untag removes a node/tag association. The tag itself survives. Removing a
// missing association is a no-op.
func (i *Index) Untag(ctx context.Context, nodeID, name string) error {
	untagged := false

	err := i.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM node_tags WHERE node_id = ? AND tag_name = ?`, nodeID, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		untagged = true
		return updateMetaTagsTx(ctx, tx, nodeID, i.now(), func(list []string) []string {
			return removeString(list, name)
		})
	})
	if err != nil {
		return err
	}

	if untagged {
		i.publish(events.TagActionUntagged, nodeID, name)
	}
	return nil
}

// NodesByTag returns the nodes carrying a tag, ordered by namespace then
// path.
func (i *Index) NodesByTag(ctx context.Context, name string) ([]*store.Node, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT `+store.NodeColumns+`
		FROM nodes JOIN node_tags ON node_id = id
		WHERE tag_name = ?
		ORDER BY namespace, path
	`, name)
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

// TagsByNode returns the node's tag names, sorted.
func (i *Index) TagsByNode(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := i.db.QueryContext(ctx,
		`SELECT tag_name FROM node_tags WHERE node_id = ? ORDER BY tag_name`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// All returns every tag, ordered by name.
func (i *Index) All(ctx context.Context) ([]*store.Tag, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT name, created_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Tag
	for rows.Next() {
		var t store.Tag
		if err := rows.Scan(&t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (i *Index) publish(action, nodeID, tagName string) {
	if i.bus != nil {
		i.bus.Publish(events.Event{
			Type: events.TagsUpdated,
			Data: events.TagsUpdatedData{Action: action, NodeID: nodeID, TagName: tagName},
		})
	}
}

func tagExistsTx(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tags WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func nodeExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func taggedNodeIDsTx(ctx context.Context, tx *sql.Tx, name string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT node_id FROM node_tags WHERE tag_name = ?`, name)
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

// updateMetaTagsTx rewrites the "tags" list inside a node's meta document.
// An empty result drops the key entirely.
func updateMetaTagsTx(ctx context.Context, tx *sql.Tx, nodeID string, now int64, mutate func([]string) []string) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT meta FROM nodes WHERE id = ?`, nodeID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		// Association rows may outlive their node only inside a cascade;
		// nothing to mirror then.
		return nil
	}
	if err != nil {
		return err
	}

	meta := store.MetaFromJSON(raw)
	list := mutate(MetaTags(meta))
	if len(list) == 0 {
		delete(meta, "tags")
	} else {
		sort.Strings(list)
		meta["tags"] = list
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE nodes SET meta = ?, updated_at = ? WHERE id = ?`,
		store.MetaToJSON(meta), now, nodeID)
	return err
}

// MetaTags extracts the "tags" list from a node meta document.
func MetaTags(meta map[string]any) []string {
	switch v := meta["tags"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func appendString(list []string, s string) []string {
	for _, e := range list {
		if e == s {
			return list
		}
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, e := range list {
		if e != s {
			out = append(out, e)
		}
	}
	return out
}

func replaceString(list []string, old, new string) []string {
	for i, e := range list {
		if e == old {
			list[i] = new
		}
	}
	return list
}
