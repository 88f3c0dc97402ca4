package store

import "encoding/json"

// NodeColumns is the canonical select list for nodes rows, in the order
// ScanNode reads them.
const NodeColumns = `id, namespace, path, name, kind, parent_id, content, meta, created_at, updated_at`

// ClozeCardColumns is the canonical select list for cloze_cards rows.
const ClozeCardColumns = `id, host_id, payload, tier, due_at, interval_days, ease_factor, repetitions, lapses, created_at, updated_at`

// RowScanner is satisfied by both *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanNode maps one nodes row selected with NodeColumns.
func ScanNode(r RowScanner) (*Node, error) {
	var n Node
	var meta string
	if err := r.Scan(&n.ID, &n.Namespace, &n.Path, &n.Name, &n.Kind, &n.ParentID,
		&n.Content, &meta, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Meta = MetaFromJSON(meta)
	return &n, nil
}

// ScanClozeCard maps one cloze_cards row selected with ClozeCardColumns.
func ScanClozeCard(r RowScanner) (*ClozeCard, error) {
	var c ClozeCard
	if err := r.Scan(&c.ID, &c.HostID, &c.Payload, &c.Tier, &c.DueAt, &c.IntervalDays,
		&c.EaseFactor, &c.Repetitions, &c.Lapses, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// MetaFromJSON decodes a stored meta document, falling back to an empty map
// on bad input so reads never fail on legacy rows.
func MetaFromJSON(s string) map[string]any {
	m := map[string]any{}
	if s == "" {
		return m
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// MetaToJSON encodes a meta document for storage. Empty and unencodable
// maps store as "{}".
func MetaToJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
