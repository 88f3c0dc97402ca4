package vault

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/vaultkit/internal/apperr"
	"github.com/kittclouds/vaultkit/internal/nodes"
	"github.com/kittclouds/vaultkit/internal/semindex"
	"github.com/kittclouds/vaultkit/internal/srs"
	"github.com/kittclouds/vaultkit/internal/store"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)

	v, err := New(context.Background(), Options{
		DB:       db,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Embedder: semindex.NewHashEmbedder(store.DefaultVectorDim),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestNew_RequiresDB(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSpaceRegistry(t *testing.T) {
	v := newTestVault(t)

	a := v.Space("main")
	assert.Same(t, a, v.Space("main"), "one handle per namespace")

	v.DropSpace("main")
	assert.NotSame(t, a, v.Space("main"), "dropping disposes the handle")
}

func TestSaveContent_Pipeline(t *testing.T) {
	v := newTestVault(t)
	sp := v.Space("main")
	ctx := context.Background()

	other, err := sp.Create(ctx, "/other.md", store.KindFile, nil)
	require.NoError(t, err)

	text := "Capital: {{Paris}}\n- [ ] revise geography\n:::agent summarize\nthe body\n:::\nsee [[other.md]]\n"
	n, err := sp.Create(ctx, "/note.md", store.KindFile, &nodes.CreateOptions{Content: text})
	require.NoError(t, err)

	// Every marker got its id minted into the canonical text.
	assert.Contains(t, n.Content, "^c-")
	assert.Contains(t, n.Content, "^t-")
	assert.Contains(t, n.Content, "^a-")

	for table, want := range map[string]int{"cloze_cards": 1, "tasks": 1, "agent_blocks": 1} {
		var count int
		require.NoError(t, v.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+table+` WHERE host_id = ?`, n.ID).Scan(&count))
		assert.Equal(t, want, count, table)
	}

	out, err := v.Links.Outgoing(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, other.ID, out[0].ID)

	hits, err := v.Sem.SimilarToText(ctx, "Paris geography", 5)
	require.NoError(t, err)
	assert.Contains(t, hits, n.ID)

	// Saving the canonical text back changes nothing.
	again, err := sp.SaveContent(ctx, n.ID, n.Content)
	require.NoError(t, err)
	assert.Equal(t, n.Content, again.Content)
}

func TestSaveContent_ChecksOwnership(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	foreign, err := v.Space("other").Create(ctx, "/note.md", store.KindFile, nil)
	require.NoError(t, err)

	_, err = v.Space("main").SaveContent(ctx, foreign.ID, "text")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = v.Space("main").SaveContent(ctx, "missing", "text")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDelete_DropsEmbeddings(t *testing.T) {
	v := newTestVault(t)
	sp := v.Space("main")
	ctx := context.Background()

	n, err := sp.Create(ctx, "/note.md", store.KindFile, &nodes.CreateOptions{
		Content: "unmistakable zanzibar content",
	})
	require.NoError(t, err)

	hits, err := v.Sem.SimilarToText(ctx, "zanzibar", 5)
	require.NoError(t, err)
	require.Contains(t, hits, n.ID)

	removed, err := sp.Delete(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{n.ID}, removed)

	hits, err = v.Sem.SimilarToText(ctx, "zanzibar", 5)
	require.NoError(t, err)
	assert.NotContains(t, hits, n.ID)

	removed, err = sp.Delete(ctx, n.ID)
	require.NoError(t, err)
	assert.Nil(t, removed, "deleting a missing node is a no-op")
}

func TestSpaceDueAndStatistics(t *testing.T) {
	v := newTestVault(t)
	sp := v.Space("main")
	ctx := context.Background()

	_, err := sp.Create(ctx, "/note.md", store.KindFile, &nodes.CreateOptions{
		Content: "{{alpha}} and {{beta}}",
	})
	require.NoError(t, err)

	due, err := sp.DueCards(ctx, srs.Limits{})
	require.NoError(t, err)
	assert.Len(t, due.New, 2, "fresh cards are due immediately")
	assert.Empty(t, due.Review)

	stats, err := sp.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, &srs.Statistics{New: 2, Total: 2}, stats)
}

func TestScanMentions(t *testing.T) {
	v := newTestVault(t)
	sp := v.Space("main")
	ctx := context.Background()

	target, err := sp.Create(ctx, "/Gondor.md", store.KindFile, nil)
	require.NoError(t, err)
	host, err := sp.Create(ctx, "/journal.md", store.KindFile, &nodes.CreateOptions{
		Content: "Gondor calls for aid, [[Gondor.md]] answered",
	})
	require.NoError(t, err)

	found, err := sp.ScanMentions(ctx, host.ID)
	require.NoError(t, err)
	require.Len(t, found, 1, "the wikilinked occurrence is not a mention")
	assert.Equal(t, target.ID, found[0].NodeID)
	assert.True(t, strings.HasPrefix(host.Content[found[0].Start:], "Gondor calls"))
}
