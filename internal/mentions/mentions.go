// Package mentions finds unlinked occurrences of node names inside other
// nodes' content: the suggestion feed behind "link this?". Detection is a
// single Aho-Corasick pass over the text; the automaton is built per scan
// from the namespace's live names, so there is no index to invalidate.
package mentions

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"

	"github.com/kittclouds/vaultkit/internal/store"
	"github.com/kittclouds/vaultkit/pkg/markers"
)

// minNameRunes filters names too short to mean anything as a mention.
const minNameRunes = 3

// stopwords never become patterns, stems included.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "not": true, "but": true,
	"are": true, "was": true, "been": true, "with": true, "from": true,
	"into": true, "that": true, "this": true, "has": true, "have": true,
	"had": true, "new": true, "note": true, "notes": true, "index": true,
	"readme": true, "untitled": true,
}

// Mention is one detected occurrence.
type Mention struct {
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Text   string `json:"text"`
}

// Detector scans node content for mentions.
type Detector struct {
	db  *store.DB
	log *slog.Logger
}

// New creates a detector. log may be nil.
func New(db *store.DB, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{db: db, log: log}
}

// Scan returns occurrences of other nodes' names in host's content that are
// not already wikilinked, in document order. Matching is ASCII
// case-insensitive, leftmost-longest, whole words only. A name shared by
// several nodes resolves to the first one in path order, like link targets.
func (d *Detector) Scan(ctx context.Context, host *store.Node) ([]Mention, error) {
	if host.Content == "" {
		return nil, nil
	}

	patterns, owners, err := d.namePatterns(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  true,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	ac := builder.Build(patterns)

	linked := markers.ScanWikilinks(host.Content)

	var out []Mention
	for _, m := range ac.FindAll(host.Content) {
		if insideWikilink(linked, m.Start()) {
			continue
		}
		owner := owners[m.Pattern()]
		out = append(out, Mention{
			NodeID: owner.id,
			Name:   owner.name,
			Start:  m.Start(),
			End:    m.End(),
			Text:   host.Content[m.Start():m.End()],
		})
	}
	return out, nil
}

type patternOwner struct {
	id   string
	name string
}

// namePatterns collects the namespace's live names minus the host's own,
// plus extension-stripped stems, as automaton patterns. Path order makes
// the first owner of a shared name win.
func (d *Detector) namePatterns(ctx context.Context, host *store.Node) ([]string, []patternOwner, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name FROM nodes WHERE namespace = ? AND id != ? ORDER BY path`,
		host.Namespace, host.ID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var patterns []string
	var owners []patternOwner
	seen := map[string]bool{}

	add := func(surface, id, name string) {
		key := strings.ToLower(surface)
		if seen[key] || stopwords[key] || utf8.RuneCountInString(surface) < minNameRunes {
			return
		}
		seen[key] = true
		patterns = append(patterns, surface)
		owners = append(owners, patternOwner{id: id, name: name})
	}

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, nil, err
		}
		add(name, id, name)
		if stem := strings.TrimSuffix(name, ".md"); stem != name {
			add(stem, id, name)
		}
	}
	return patterns, owners, rows.Err()
}

func insideWikilink(links []markers.Wikilink, pos int) bool {
	for _, l := range links {
		if pos >= l.Start && pos < l.End {
			return true
		}
	}
	return false
}
