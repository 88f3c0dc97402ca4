package annotations

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/kittclouds/vaultkit/internal/store"
	"github.com/kittclouds/vaultkit/pkg/markers"
)

// clozeDefaultEase seeds the ease factor of a freshly minted card.
const clozeDefaultEase = 2.5

// NewClozeReconciler builds the engine for {{...}} cloze markers. New cards
// start in the new tier, due immediately; reconciliation preserves the
// scheduling state of surviving cards and only overlays the payload.
func NewClozeReconciler(db *store.DB, log *slog.Logger) *Engine[markers.ClozeMark, *store.ClozeCard] {
	return newEngine[markers.ClozeMark, *store.ClozeCard](db, markers.ClozeIDPrefix, markers.ScanClozes, clozeRecords{}, log)
}

type clozeRecords struct{}

func (clozeRecords) LoadByHost(ctx context.Context, tx *sql.Tx, hostID string) (map[string]*store.ClozeCard, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+store.ClozeCardColumns+` FROM cloze_cards WHERE host_id = ?`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*store.ClozeCard)
	for rows.Next() {
		c, err := store.ScanClozeCard(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (clozeRecords) Owner(ctx context.Context, tx *sql.Tx, id string) (string, bool, error) {
	return ownerOf(ctx, tx, "cloze_cards", id)
}

func (clozeRecords) Merge(prev *store.ClozeCard, found bool, m markers.ClozeMark, hostID, id string, now int64) (*store.ClozeCard, bool) {
	if !found {
		return &store.ClozeCard{
			ID:           id,
			HostID:       hostID,
			Payload:      m.Payload,
			Tier:         store.TierNew,
			DueAt:        now,
			IntervalDays: 0,
			EaseFactor:   clozeDefaultEase,
			Repetitions:  0,
			Lapses:       0,
			CreatedAt:    now,
			UpdatedAt:    now,
		}, true
	}
	if prev.Payload == m.Payload {
		return prev, false
	}
	next := *prev
	next.Payload = m.Payload
	next.UpdatedAt = now
	return &next, true
}

func (clozeRecords) Upsert(ctx context.Context, tx *sql.Tx, c *store.ClozeCard) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cloze_cards (`+store.ClozeCardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host_id = excluded.host_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, c.ID, c.HostID, c.Payload, c.Tier, c.DueAt, c.IntervalDays,
		c.EaseFactor, c.Repetitions, c.Lapses, c.CreatedAt, c.UpdatedAt)
	return err
}

func (clozeRecords) DeleteStale(ctx context.Context, tx *sql.Tx, hostID string, observed []string) error {
	q, args := deleteStaleSQL("cloze_cards", observed)
	_, err := tx.ExecContext(ctx, q, append([]any{hostID}, args...)...)
	return err
}
