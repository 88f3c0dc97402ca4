// Package snapshot exports a namespace onto a filesystem and replays such a
// tree back into an empty namespace. Directories become directories, file
// nodes become files holding their content; everything else (metadata, tags,
// cards, tasks, agent blocks) travels in a .vaultkit.json manifest keyed by
// node path. Any hackpadfs.FS works: the OS, an in-memory tree, a zip.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hack-pad/hackpadfs"

	"github.com/kittclouds/vaultkit/internal/annotations"
	"github.com/kittclouds/vaultkit/internal/apperr"
	"github.com/kittclouds/vaultkit/internal/store"
)

// ManifestName is the manifest's filename at the export root.
const ManifestName = ".vaultkit.json"

const manifestVersion = 1

// Manifest carries everything the file tree alone cannot.
type Manifest struct {
	Version   int                     `json:"version"`
	Namespace string                  `json:"namespace"`
	Tags      []store.Tag             `json:"tags,omitempty"`
	Nodes     map[string]ManifestNode `json:"nodes"`
}

// ManifestNode is one node's portable state, minus path (the map key) and
// content (the file body).
type ManifestNode struct {
	ID        string              `json:"id"`
	Kind      string              `json:"kind"`
	Meta      map[string]any      `json:"meta,omitempty"`
	Tags      []string            `json:"tags,omitempty"`
	CreatedAt int64               `json:"createdAt"`
	UpdatedAt int64               `json:"updatedAt"`
	Cards     []*store.ClozeCard  `json:"cards,omitempty"`
	Tasks     []*store.Task       `json:"tasks,omitempty"`
	Agents    []*store.AgentBlock `json:"agentBlocks,omitempty"`
}

// ImportOptions tune Import.
type ImportOptions struct {
	// RemapIDs mints fresh node and annotation ids on import, rewriting
	// the annotation id tokens inside content to match. Required when the
	// snapshot's ids may already live in the target database.
	RemapIDs bool
}

// Export writes namespace's tree plus manifest onto fsys. The target should
// be an empty directory; existing files are overwritten, never cleaned up.
func Export(ctx context.Context, db *store.DB, fsys hackpadfs.FS, namespace string) error {
	nodes, err := namespaceNodes(ctx, db, namespace)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%w: namespace %q has no nodes", apperr.ErrNotFound, namespace)
	}

	tags, tagsByNode, err := namespaceTags(ctx, db, namespace)
	if err != nil {
		return err
	}
	cards, err := hostRecords(ctx, db, namespace, "cloze_cards", store.ClozeCardColumns, scanCard)
	if err != nil {
		return err
	}
	tasks, err := hostRecords(ctx, db, namespace, "tasks", taskColumns, scanTask)
	if err != nil {
		return err
	}
	agents, err := hostRecords(ctx, db, namespace, "agent_blocks", agentColumns, scanAgent)
	if err != nil {
		return err
	}

	m := Manifest{
		Version:   manifestVersion,
		Namespace: namespace,
		Tags:      tags,
		Nodes:     make(map[string]ManifestNode, len(nodes)),
	}

	for _, n := range nodes {
		m.Nodes[n.Path] = ManifestNode{
			ID:        n.ID,
			Kind:      n.Kind,
			Meta:      n.Meta,
			Tags:      tagsByNode[n.ID],
			CreatedAt: n.CreatedAt,
			UpdatedAt: n.UpdatedAt,
			Cards:     cards[n.ID],
			Tasks:     tasks[n.ID],
			Agents:    agents[n.ID],
		}

		if n.Path == "/" {
			continue
		}
		rel := strings.TrimPrefix(n.Path, "/")
		if n.Kind == store.KindDirectory {
			if err := hackpadfs.MkdirAll(fsys, rel, 0755); err != nil {
				return fmt.Errorf("export mkdir %s: %w", rel, err)
			}
			continue
		}
		if err := hackpadfs.WriteFullFile(fsys, rel, []byte(n.Content), 0644); err != nil {
			return fmt.Errorf("export write %s: %w", rel, err)
		}
	}

	blob, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := hackpadfs.WriteFullFile(fsys, ManifestName, blob, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Import replays a snapshot from fsys into namespace, which must hold no
// nodes yet. Everything lands in one transaction. Without RemapIDs the
// snapshot's ids are kept, so importing the same snapshot twice into one
// database fails on the second pass. Returns the number of nodes created.
func Import(ctx context.Context, db *store.DB, fsys hackpadfs.FS, namespace string, opts ImportOptions) (int, error) {
	if namespace == "" {
		return 0, fmt.Errorf("%w: namespace is required", apperr.ErrValidation)
	}

	blob, err := hackpadfs.ReadFile(fsys, ManifestName)
	if err != nil {
		return 0, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(blob, &m); err != nil {
		return 0, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return 0, fmt.Errorf("%w: unsupported manifest version %d", apperr.ErrValidation, m.Version)
	}

	// Parents are strict path prefixes, so lexicographic order inserts
	// them before their children.
	paths := make([]string, 0, len(m.Nodes))
	hasRoot := false
	for p := range m.Nodes {
		if p == "/" {
			hasRoot = true
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if !hasRoot {
		paths = append([]string{"/"}, paths...)
	}

	now := time.Now().UnixMilli()
	imported := 0

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM nodes WHERE namespace = ?`, namespace).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: namespace %q is not empty", apperr.ErrConflict, namespace)
		}

		if err := importTagsTx(ctx, tx, m.Tags, now); err != nil {
			return err
		}

		idByPath := make(map[string]string, len(paths))
		for _, p := range paths {
			entry := m.Nodes[p]
			n, err := nodeFromEntry(fsys, namespace, p, entry, opts.RemapIDs, now)
			if err != nil {
				return err
			}
			n.ParentID = idByPath[parentPath(p)]
			idByPath[p] = n.ID

			remapped := map[string]string{}
			rehostCards(entry.Cards, n.ID, opts.RemapIDs, remapped)
			rehostTasks(entry.Tasks, n.ID, opts.RemapIDs, remapped)
			rehostAgents(entry.Agents, n.ID, opts.RemapIDs, remapped)
			for oldID, newID := range remapped {
				n.Content = strings.ReplaceAll(n.Content, "^"+oldID, "^"+newID)
			}

			if err := insertNodeTx(ctx, tx, n); err != nil {
				return err
			}
			if err := insertAnnotationsTx(ctx, tx, entry); err != nil {
				return err
			}
			for _, tag := range entry.Tags {
				if err := associateTagTx(ctx, tx, n.ID, tag, now); err != nil {
					return err
				}
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return imported, nil
}

// nodeFromEntry assembles the node row, reading content from fsys for file
// kinds.
func nodeFromEntry(fsys hackpadfs.FS, namespace, path string, entry ManifestNode, remap bool, now int64) (*store.Node, error) {
	kind := entry.Kind
	if path == "/" {
		kind = store.KindDirectory
	}
	if kind != store.KindFile && kind != store.KindDirectory {
		return nil, fmt.Errorf("%w: node %q has unknown kind %q", apperr.ErrValidation, path, entry.Kind)
	}

	_, name := splitImportPath(path)
	n := &store.Node{
		ID:        entry.ID,
		Namespace: namespace,
		Path:      path,
		Name:      name,
		Kind:      kind,
		Meta:      entry.Meta,
		CreatedAt: entry.CreatedAt,
		UpdatedAt: entry.UpdatedAt,
	}
	if n.ID == "" || remap {
		n.ID = namespace + ":" + uuid.NewString()
	}
	if n.Meta == nil {
		n.Meta = map[string]any{}
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = now
	}
	if n.UpdatedAt == 0 {
		n.UpdatedAt = now
	}

	if kind == store.KindFile {
		blob, err := hackpadfs.ReadFile(fsys, strings.TrimPrefix(path, "/"))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		n.Content = string(blob)
	}
	return n, nil
}

func parentPath(p string) string {
	parent, _ := splitImportPath(p)
	return parent
}

// splitImportPath mirrors the node store's path split: the root has no
// parent and names itself "/".
func splitImportPath(p string) (parent, name string) {
	if p == "/" {
		return "", "/"
	}
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return "/", p[1:]
	}
	return p[:i], p[i+1:]
}

// rehostCards points cards at their imported host and optionally mints
// fresh ids, recording old → new so content tokens can be rewritten.
func rehostCards(cards []*store.ClozeCard, hostID string, remap bool, ids map[string]string) {
	for _, c := range cards {
		c.HostID = hostID
		if remap {
			newID := annotations.MintID("c")
			ids[c.ID] = newID
			c.ID = newID
		}
	}
}

func rehostTasks(tasks []*store.Task, hostID string, remap bool, ids map[string]string) {
	for _, t := range tasks {
		t.HostID = hostID
		if remap {
			newID := annotations.MintID("t")
			ids[t.ID] = newID
			t.ID = newID
		}
	}
}

func rehostAgents(agents []*store.AgentBlock, hostID string, remap bool, ids map[string]string) {
	for _, a := range agents {
		a.HostID = hostID
		if remap {
			newID := annotations.MintID("a")
			ids[a.ID] = newID
			a.ID = newID
		}
	}
}

// ---------------------------------------------------------------------------
// Row plumbing
// ---------------------------------------------------------------------------

const taskColumns = `id, host_id, text, done, indent, created_at, updated_at`
const agentColumns = `id, host_id, directive, body, created_at, updated_at`

func namespaceNodes(ctx context.Context, db *store.DB, namespace string) ([]*store.Node, error) {
	rows, err := db.QueryContext(ctx,
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

func namespaceTags(ctx context.Context, db *store.DB, namespace string) ([]store.Tag, map[string][]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT nt.node_id, t.name, t.created_at
		FROM node_tags nt
		JOIN tags t ON t.name = nt.tag_name
		JOIN nodes n ON n.id = nt.node_id
		WHERE n.namespace = ?
		ORDER BY t.name
	`, namespace)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	byNode := map[string][]string{}
	seen := map[string]bool{}
	var tags []store.Tag
	for rows.Next() {
		var nodeID string
		var t store.Tag
		if err := rows.Scan(&nodeID, &t.Name, &t.CreatedAt); err != nil {
			return nil, nil, err
		}
		byNode[nodeID] = append(byNode[nodeID], t.Name)
		if !seen[t.Name] {
			seen[t.Name] = true
			tags = append(tags, t)
		}
	}
	return tags, byNode, rows.Err()
}

// hostRecords loads a whole annotation table for the namespace, grouped by
// host id.
func hostRecords[R any](ctx context.Context, db *store.DB, namespace, table, columns string, scan func(*sql.Rows) (string, R, error)) (map[string][]R, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+columns+` FROM `+table+`
		WHERE host_id IN (SELECT id FROM nodes WHERE namespace = ?)
		ORDER BY id
	`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]R{}
	for rows.Next() {
		host, r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out[host] = append(out[host], r)
	}
	return out, rows.Err()
}

func scanCard(rows *sql.Rows) (string, *store.ClozeCard, error) {
	c, err := store.ScanClozeCard(rows)
	if err != nil {
		return "", nil, err
	}
	return c.HostID, c, nil
}

func scanTask(rows *sql.Rows) (string, *store.Task, error) {
	var t store.Task
	var done int
	if err := rows.Scan(&t.ID, &t.HostID, &t.Text, &done, &t.Indent, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return "", nil, err
	}
	t.Done = done != 0
	return t.HostID, &t, nil
}

func scanAgent(rows *sql.Rows) (string, *store.AgentBlock, error) {
	var a store.AgentBlock
	if err := rows.Scan(&a.ID, &a.HostID, &a.Directive, &a.Body, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return "", nil, err
	}
	return a.HostID, &a, nil
}

func insertNodeTx(ctx context.Context, tx *sql.Tx, n *store.Node) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (`+store.NodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Namespace, n.Path, n.Name, n.Kind, n.ParentID, n.Content,
		store.MetaToJSON(n.Meta), n.CreatedAt, n.UpdatedAt)
	return err
}

func insertAnnotationsTx(ctx context.Context, tx *sql.Tx, entry ManifestNode) error {
	for _, c := range entry.Cards {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cloze_cards (`+store.ClozeCardColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.HostID, c.Payload, c.Tier, c.DueAt, c.IntervalDays,
			c.EaseFactor, c.Repetitions, c.Lapses, c.CreatedAt, c.UpdatedAt); err != nil {
			return err
		}
	}
	for _, t := range entry.Tasks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.HostID, t.Text, store.BoolToInt(t.Done), t.Indent, t.CreatedAt, t.UpdatedAt); err != nil {
			return err
		}
	}
	for _, a := range entry.Agents {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_blocks (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?)
		`, a.ID, a.HostID, a.Directive, a.Body, a.CreatedAt, a.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func importTagsTx(ctx context.Context, tx *sql.Tx, tags []store.Tag, now int64) error {
	for _, t := range tags {
		createdAt := t.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (name, created_at) VALUES (?, ?)`, t.Name, createdAt); err != nil {
			return err
		}
	}
	return nil
}

func associateTagTx(ctx context.Context, tx *sql.Tx, nodeID, tag string, now int64) error {
	// Tolerate manifests whose per-node tag lists mention tags missing
	// from the top-level table.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO tags (name, created_at) VALUES (?, ?)`, tag, now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO node_tags (node_id, tag_name) VALUES (?, ?)`, nodeID, tag)
	return err
}
