package srs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kittclouds/vaultkit/internal/apperr"
	"github.com/kittclouds/vaultkit/internal/store"
)

// Scope selects which hosts a due or statistics query covers. Exactly one
// field should be set; they are checked in order HostIDs, RootID, Namespace.
type Scope struct {
	// Namespace covers every node in the namespace.
	Namespace string
	// RootID covers the subtree rooted at this node, itself included.
	RootID string
	// HostIDs covers an explicit document set.
	HostIDs []string
}

// Limits cap each due group separately. Zero means uncapped.
type Limits struct {
	New    int
	Review int
}

// Due is the result of DueCards: cards with dueAt ≤ now, split by tier,
// each group ordered by due date.
type Due struct {
	New    []*store.ClozeCard `json:"new"`
	Review []*store.ClozeCard `json:"review"`
}

// Statistics counts cards per tier over a scope.
type Statistics struct {
	New      int `json:"new"`
	Learning int `json:"learning"`
	Review   int `json:"review"`
	Mature   int `json:"mature"`
	Total    int `json:"total"`
}

// DueCards returns every card due at or before now among the scope's hosts,
// split into the new group and the rest, each capped by its limit. Both
// groups come from single upper-bound range scans on the (tier, due_at)
// index; there is no per-day iteration.
func (s *Scheduler) DueCards(ctx context.Context, scope Scope, limits Limits) (*Due, error) {
	hosts, err := s.resolveScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	due := &Due{}

	due.New, err = s.scanDue(ctx, hosts, now, limits.New, true)
	if err != nil {
		return nil, err
	}
	due.Review, err = s.scanDue(ctx, hosts, now, limits.Review, false)
	if err != nil {
		return nil, err
	}
	return due, nil
}

// Statistics counts the scope's cards per tier.
func (s *Scheduler) Statistics(ctx context.Context, scope Scope) (*Statistics, error) {
	hosts, err := s.resolveScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT host_id, tier FROM cloze_cards`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &Statistics{}
	for rows.Next() {
		var host, tier string
		if err := rows.Scan(&host, &tier); err != nil {
			return nil, err
		}
		if _, ok := hosts[host]; !ok {
			continue
		}
		switch tier {
		case store.TierNew:
			stats.New++
		case store.TierLearning:
			stats.Learning++
		case store.TierReview:
			stats.Review++
		case store.TierMature:
			stats.Mature++
		}
		stats.Total++
	}
	return stats, rows.Err()
}

// scanDue runs one ordered range scan over the (tier, due_at) index and
// keeps the first limit cards whose host is in scope.
func (s *Scheduler) scanDue(ctx context.Context, hosts map[string]struct{}, now int64, limit int, newTier bool) ([]*store.ClozeCard, error) {
	var query string
	var args []any
	if newTier {
		query = `SELECT ` + store.ClozeCardColumns + ` FROM cloze_cards
			WHERE tier = ? AND due_at <= ? ORDER BY due_at`
		args = []any{store.TierNew, now}
	} else {
		query = `SELECT ` + store.ClozeCardColumns + ` FROM cloze_cards
			WHERE tier IN (?, ?, ?) AND due_at <= ? ORDER BY due_at`
		args = []any{store.TierLearning, store.TierReview, store.TierMature, now}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ClozeCard
	for rows.Next() {
		c, err := store.ScanClozeCard(rows)
		if err != nil {
			return nil, err
		}
		if _, ok := hosts[c.HostID]; !ok {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// resolveScope expands a scope to the set of host node ids it covers.
func (s *Scheduler) resolveScope(ctx context.Context, scope Scope) (map[string]struct{}, error) {
	switch {
	case len(scope.HostIDs) > 0:
		hosts := make(map[string]struct{}, len(scope.HostIDs))
		for _, id := range scope.HostIDs {
			hosts[id] = struct{}{}
		}
		return hosts, nil

	case scope.RootID != "":
		var namespace, path string
		err := s.db.QueryRowContext(ctx,
			`SELECT namespace, path FROM nodes WHERE id = ?`, scope.RootID).Scan(&namespace, &path)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: node %s", apperr.ErrNotFound, scope.RootID)
		}
		if err != nil {
			return nil, err
		}

		prefix := path + "/"
		if path == "/" {
			prefix = "/"
		}
		return s.hostSet(ctx, `
			SELECT id FROM nodes
			WHERE namespace = ? AND (path = ? OR path LIKE ? ESCAPE '\')
		`, namespace, path, store.EscapeLike(prefix)+"%")

	case scope.Namespace != "":
		return s.hostSet(ctx, `SELECT id FROM nodes WHERE namespace = ?`, scope.Namespace)
	}

	return nil, fmt.Errorf("%w: empty scope", apperr.ErrValidation)
}

func (s *Scheduler) hostSet(ctx context.Context, query string, args ...any) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hosts := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		hosts[id] = struct{}{}
	}
	return hosts, rows.Err()
}
