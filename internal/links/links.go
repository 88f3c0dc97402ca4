// Package links maintains the directed wikilink graph. The edge set of a
// source node is recomputed wholesale on every content write; there is no
// incremental bookkeeping to drift out of sync.
package links

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"github.com/kittclouds/vaultkit/internal/store"
	"github.com/kittclouds/vaultkit/pkg/markers"
)

// Index is the link store.
type Index struct {
	db  *store.DB
	log *slog.Logger
}

// New creates a link index. log may be nil.
func New(db *store.DB, log *slog.Logger) *Index {
	if log == nil {
		log = slog.Default()
	}
	return &Index{db: db, log: log}
}

// Refresh rescans source's content for wikilinks, resolves the targets
// within source's namespace and replaces the node's outgoing edge set in one
// transaction. Targets that resolve to nothing are skipped; they surface
// through the mention detector instead.
func (i *Index) Refresh(ctx context.Context, source *store.Node) error {
	found := markers.ScanWikilinks(source.Content)

	return i.db.WithTx(ctx, func(tx *sql.Tx) error {
		resolved := make(map[string]struct{}, len(found))
		for _, l := range found {
			targetID, err := resolveTargetTx(ctx, tx, source.Namespace, l.Target)
			if err != nil {
				return err
			}
			if targetID != "" {
				resolved[targetID] = struct{}{}
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE source_id = ?`, source.ID); err != nil {
			return err
		}
		for targetID := range resolved {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO links (source_id, target_id) VALUES (?, ?)`,
				source.ID, targetID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Backlinks returns the nodes whose content links to targetID, ordered by
// namespace then path.
func (i *Index) Backlinks(ctx context.Context, targetID string) ([]*store.Node, error) {
	return i.scanEdges(ctx, `
		SELECT `+store.NodeColumns+`
		FROM nodes JOIN links ON source_id = id
		WHERE target_id = ?
		ORDER BY namespace, path
	`, targetID)
}

// Outgoing returns the nodes sourceID links to, ordered by namespace then
// path.
func (i *Index) Outgoing(ctx context.Context, sourceID string) ([]*store.Node, error) {
	return i.scanEdges(ctx, `
		SELECT `+store.NodeColumns+`
		FROM nodes JOIN links ON target_id = id
		WHERE source_id = ?
		ORDER BY namespace, path
	`, sourceID)
}

func (i *Index) scanEdges(ctx context.Context, query, id string) ([]*store.Node, error) {
	rows, err := i.db.QueryContext(ctx, query, id)
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

// resolveTargetTx maps a wikilink target onto a live node id. Targets with a
// slash are exact paths; bare targets match by leaf name, first hit in path
// order. An empty id means unresolved.
func resolveTargetTx(ctx context.Context, tx *sql.Tx, namespace, target string) (string, error) {
	var row *sql.Row
	if strings.Contains(target, "/") {
		path := target
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		row = tx.QueryRowContext(ctx,
			`SELECT id FROM nodes WHERE namespace = ? AND path = ?`, namespace, path)
	} else {
		row = tx.QueryRowContext(ctx,
			`SELECT id FROM nodes WHERE namespace = ? AND name = ? ORDER BY path LIMIT 1`,
			namespace, target)
	}

	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}
