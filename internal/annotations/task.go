package annotations

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/kittclouds/vaultkit/internal/store"
	"github.com/kittclouds/vaultkit/pkg/markers"
)

// NewTaskReconciler builds the engine for "- [ ]" checkbox lines. The text
// is the source of truth for the checkbox glyph, so the scanned done state
// always wins; only createdAt survives from the stored record.
func NewTaskReconciler(db *store.DB, log *slog.Logger) *Engine[markers.TaskMark, *store.Task] {
	return newEngine[markers.TaskMark, *store.Task](db, markers.TaskIDPrefix, markers.ScanTasks, taskRecords{}, log)
}

type taskRecords struct{}

func (taskRecords) LoadByHost(ctx context.Context, tx *sql.Tx, hostID string) (map[string]*store.Task, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, host_id, text, done, indent, created_at, updated_at
		FROM tasks WHERE host_id = ?
	`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*store.Task)
	for rows.Next() {
		var t store.Task
		var done int
		if err := rows.Scan(&t.ID, &t.HostID, &t.Text, &done, &t.Indent, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Done = done != 0
		out[t.ID] = &t
	}
	return out, rows.Err()
}

func (taskRecords) Owner(ctx context.Context, tx *sql.Tx, id string) (string, bool, error) {
	return ownerOf(ctx, tx, "tasks", id)
}

func (taskRecords) Merge(prev *store.Task, found bool, m markers.TaskMark, hostID, id string, now int64) (*store.Task, bool) {
	if !found {
		return &store.Task{
			ID:        id,
			HostID:    hostID,
			Text:      m.Text,
			Done:      m.Done,
			Indent:    m.Indent,
			CreatedAt: now,
			UpdatedAt: now,
		}, true
	}
	if prev.Text == m.Text && prev.Done == m.Done && prev.Indent == m.Indent {
		return prev, false
	}
	next := *prev
	next.Text, next.Done, next.Indent = m.Text, m.Done, m.Indent
	next.UpdatedAt = now
	return &next, true
}

func (taskRecords) Upsert(ctx context.Context, tx *sql.Tx, t *store.Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, host_id, text, done, indent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host_id = excluded.host_id,
			text = excluded.text,
			done = excluded.done,
			indent = excluded.indent,
			updated_at = excluded.updated_at
	`, t.ID, t.HostID, t.Text, store.BoolToInt(t.Done), t.Indent, t.CreatedAt, t.UpdatedAt)
	return err
}

func (taskRecords) DeleteStale(ctx context.Context, tx *sql.Tx, hostID string, observed []string) error {
	q, args := deleteStaleSQL("tasks", observed)
	_, err := tx.ExecContext(ctx, q, append([]any{hostID}, args...)...)
	return err
}
