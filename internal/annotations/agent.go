package annotations

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/kittclouds/vaultkit/internal/store"
	"github.com/kittclouds/vaultkit/pkg/markers"
)

// NewAgentReconciler builds the engine for :::agent fenced blocks.
func NewAgentReconciler(db *store.DB, log *slog.Logger) *Engine[markers.AgentMark, *store.AgentBlock] {
	return newEngine[markers.AgentMark, *store.AgentBlock](db, markers.AgentIDPrefix, markers.ScanAgents, agentRecords{}, log)
}

type agentRecords struct{}

func (agentRecords) LoadByHost(ctx context.Context, tx *sql.Tx, hostID string) (map[string]*store.AgentBlock, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, host_id, directive, body, created_at, updated_at
		FROM agent_blocks WHERE host_id = ?
	`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*store.AgentBlock)
	for rows.Next() {
		var a store.AgentBlock
		if err := rows.Scan(&a.ID, &a.HostID, &a.Directive, &a.Body, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out[a.ID] = &a
	}
	return out, rows.Err()
}

func (agentRecords) Owner(ctx context.Context, tx *sql.Tx, id string) (string, bool, error) {
	return ownerOf(ctx, tx, "agent_blocks", id)
}

func (agentRecords) Merge(prev *store.AgentBlock, found bool, m markers.AgentMark, hostID, id string, now int64) (*store.AgentBlock, bool) {
	if !found {
		return &store.AgentBlock{
			ID:        id,
			HostID:    hostID,
			Directive: m.Directive,
			Body:      m.Body,
			CreatedAt: now,
			UpdatedAt: now,
		}, true
	}
	if prev.Directive == m.Directive && prev.Body == m.Body {
		return prev, false
	}
	next := *prev
	next.Directive, next.Body = m.Directive, m.Body
	next.UpdatedAt = now
	return &next, true
}

func (agentRecords) Upsert(ctx context.Context, tx *sql.Tx, a *store.AgentBlock) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_blocks (id, host_id, directive, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host_id = excluded.host_id,
			directive = excluded.directive,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, a.ID, a.HostID, a.Directive, a.Body, a.CreatedAt, a.UpdatedAt)
	return err
}

func (agentRecords) DeleteStale(ctx context.Context, tx *sql.Tx, hostID string, observed []string) error {
	q, args := deleteStaleSQL("agent_blocks", observed)
	_, err := tx.ExecContext(ctx, q, append([]any{hostID}, args...)...)
	return err
}
