// Package annotations keeps derived records synchronized with the markers
// embedded in document text. One generic engine runs the reconciliation
// algorithm; the cloze, task and agent instantiations supply their grammar
// scanner and their storage adapter.
//
// Reconcile is idempotent: running it twice over the same text yields
// byte-identical output and leaves the stored records untouched on the
// second pass.
package annotations

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kittclouds/vaultkit/internal/store"
)

// Mark is the engine's view of one scanned marker occurrence. The concrete
// types live in pkg/markers.
type Mark interface {
	// Span returns the byte range the occurrence covers in the scanned text.
	Span() (start, end int)
	// CarriedID returns the id embedded in the text, empty when unminted.
	CarriedID() string
	// Render returns the canonical text of the occurrence with id embedded.
	Render(id string) string
}

// Records is the storage adapter for one annotation kind. All methods run
// inside the reconciliation transaction.
type Records[M Mark, R any] interface {
	// LoadByHost returns the stored records for a host, keyed by id.
	LoadByHost(ctx context.Context, tx *sql.Tx, hostID string) (map[string]R, error)

	// Owner reports which host currently stores id, if any. The engine uses
	// it to detect ids pasted in from another document, which must be
	// re-minted instead of stolen.
	Owner(ctx context.Context, tx *sql.Tx, id string) (string, bool, error)

	// Merge overlays a freshly scanned mark onto the stored record (found)
	// or synthesizes a default (!found). It reports whether the result
	// differs from the stored state and therefore needs persisting.
	Merge(prev R, found bool, m M, hostID, id string, now int64) (R, bool)

	// Upsert persists one record.
	Upsert(ctx context.Context, tx *sql.Tx, r R) error

	// DeleteStale removes every record for hostID whose id is not in
	// observed.
	DeleteStale(ctx context.Context, tx *sql.Tx, hostID string, observed []string) error
}

// Engine reconciles one annotation kind. Construct instances with
// NewClozeReconciler, NewTaskReconciler or NewAgentReconciler.
type Engine[M Mark, R any] struct {
	db       *store.DB
	idPrefix string
	scan     func(text string) []M
	records  Records[M, R]
	log      *slog.Logger
	now      func() int64
}

func newEngine[M Mark, R any](db *store.DB, idPrefix string, scan func(string) []M, records Records[M, R], log *slog.Logger) *Engine[M, R] {
	if log == nil {
		log = slog.Default()
	}
	return &Engine[M, R]{
		db:       db,
		idPrefix: idPrefix,
		scan:     scan,
		records:  records,
		log:      log,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Reconcile scans text for this kind's markers, assigns ids to unminted
// occurrences, synchronizes the stored records for hostID with what the text
// carries, and returns the rewritten text plus the surviving records in
// document order. Everything runs in one transaction.
func (e *Engine[M, R]) Reconcile(ctx context.Context, hostID, text string) (string, []R, error) {
	marks := e.scan(text)

	var out []R
	rewritten := text

	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := e.records.LoadByHost(ctx, tx, hostID)
		if err != nil {
			return err
		}

		// Assign ids first: carried ids are reused, duplicates within the
		// text and ids owned by another host are re-minted, bare markers are
		// minted fresh.
		ids := make([]string, len(marks))
		seen := make(map[string]bool, len(marks))
		for i, m := range marks {
			id := m.CarriedID()
			if id != "" {
				if seen[id] {
					// Copy-pasted duplicate: the first occurrence keeps it.
					id = ""
				} else if _, ok := existing[id]; !ok {
					owner, exists, err := e.records.Owner(ctx, tx, id)
					if err != nil {
						return err
					}
					if exists && owner != hostID {
						// Pasted in from another document.
						id = ""
					}
				}
			}
			if id == "" {
				id = MintID(e.idPrefix)
			}
			ids[i] = id
			seen[id] = true
		}

		// Rewrite every occurrence to its canonical form with the id
		// embedded. On already-canonical text this reproduces the input
		// byte for byte.
		var b strings.Builder
		b.Grow(len(text) + len(marks)*20)
		last := 0
		for i, m := range marks {
			start, end := m.Span()
			b.WriteString(text[last:start])
			b.WriteString(m.Render(ids[i]))
			last = end
		}
		b.WriteString(text[last:])
		rewritten = b.String()

		// Overlay payloads, persisting only what actually changed.
		now := e.now()
		out = make([]R, 0, len(marks))
		for i, m := range marks {
			prev, found := existing[ids[i]]
			rec, dirty := e.records.Merge(prev, found, m, hostID, ids[i], now)
			if dirty {
				if err := e.records.Upsert(ctx, tx, rec); err != nil {
					return err
				}
			}
			out = append(out, rec)
		}

		return e.records.DeleteStale(ctx, tx, hostID, ids)
	})
	if err != nil {
		return "", nil, err
	}

	return rewritten, out, nil
}

// MintID returns a fresh annotation id: the kind prefix plus 12 lowercase
// hex digits taken from a new UUID, e.g. "c-0f3a9b21c4de".
func MintID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + hex[:12]
}

// deleteStaleSQL builds the statement shared by the DeleteStale
// implementations. With nothing observed every record for the host goes.
func deleteStaleSQL(table string, observed []string) (string, []any) {
	if len(observed) == 0 {
		return `DELETE FROM ` + table + ` WHERE host_id = ?`, nil
	}
	placeholders := strings.Repeat("?,", len(observed)-1) + "?"
	args := make([]any, len(observed))
	for i, id := range observed {
		args[i] = id
	}
	return `DELETE FROM ` + table + ` WHERE host_id = ? AND id NOT IN (` + placeholders + `)`, args
}

// ownerOf is the point lookup behind each Owner implementation.
func ownerOf(ctx context.Context, tx *sql.Tx, table, id string) (string, bool, error) {
	var host string
	err := tx.QueryRowContext(ctx, `SELECT host_id FROM `+table+` WHERE id = ?`, id).Scan(&host)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return host, true, nil
}
