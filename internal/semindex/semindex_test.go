package semindex

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/vaultkit/internal/apperr"
	"github.com/kittclouds/vaultkit/internal/store"
)

const testDim = 64

func newTestIndex(t *testing.T) (*Index, *store.DB) {
	t.Helper()
	db, err := store.OpenWithVectorDim(":memory:", testDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	idx, err := New(context.Background(), db, NewHashEmbedder(testDim),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return idx, db
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(testDim)
	ctx := context.Background()

	a, err := e.Embed(ctx, "alpha beta gamma")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Alpha, beta; GAMMA!")
	require.NoError(t, err)
	assert.Equal(t, a, b, "tokenization is case- and punctuation-insensitive")

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-6, "vectors are L2-normalized")

	zero, err := e.Embed(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, testDim), zero)
}

func TestVecBlobRoundTrip(t *testing.T) {
	vec := []float32{0, 1, -2.5, float32(math.Pi)}
	assert.Equal(t, vec, blobToVec(vecToBlob(vec)))
}

func TestUpsertAndSimilar(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", "alpha beta gamma delta"))
	require.NoError(t, idx.Upsert(ctx, "b", "alpha beta gamma epsilon"))
	require.NoError(t, idx.Upsert(ctx, "c", "zebra quux xylophone"))

	got, err := idx.SimilarToNode(ctx, "a", 2)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "b", got[0], "nearest neighbour shares three of four words")
	assert.NotContains(t, got, "a", "the node itself is excluded")

	byText, err := idx.SimilarToText(ctx, "alpha beta gamma", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, byText)

	none, err := idx.SimilarToText(ctx, "whatever", 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestUpsert_ReplacesEmbedding(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", "quantum flux"))
	require.NoError(t, idx.Upsert(ctx, "b", "cats and dogs too"))

	// Re-embedding moves the node; the stale graph entry must not
	// resurface it under its old vector.
	require.NoError(t, idx.Upsert(ctx, "a", "cats and dogs"))

	got, err := idx.SimilarToNode(ctx, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got, "deduped by key despite the stale entry")

	assert.Equal(t, 3, idx.Size(), "stale entry still occupies the graph")
	require.NoError(t, idx.Rebuild(ctx))
	assert.Equal(t, 2, idx.Size(), "rebuild compacts")
}

func TestRemove(t *testing.T) {
	idx, db := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", "alpha beta"))
	require.NoError(t, idx.Upsert(ctx, "b", "alpha gamma"))

	require.NoError(t, idx.Remove(ctx, "a"))
	require.NoError(t, idx.Remove(ctx, "a"), "removing twice is a no-op")

	_, err := idx.SimilarToNode(ctx, "a", 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	got, err := idx.SimilarToText(ctx, "alpha", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got, "removed node no longer surfaces")

	var keys, embeddings int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embedding_keys`).Scan(&keys))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM node_embeddings`).Scan(&embeddings))
	assert.Equal(t, 1, keys)
	assert.Equal(t, 1, embeddings)
}

func TestNewRehydratesFromRows(t *testing.T) {
	idx, db := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", "alpha beta gamma"))
	require.NoError(t, idx.Upsert(ctx, "b", "alpha beta delta"))

	// A second index over the same database sees the same graph.
	fresh, err := New(ctx, db, NewHashEmbedder(testDim),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Size())

	got, err := fresh.SimilarToNode(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got)
}

func TestSaveLoad(t *testing.T) {
	idx, db := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", "alpha beta gamma"))
	require.NoError(t, idx.Upsert(ctx, "b", "alpha beta delta"))

	fs, err := mem.NewFS()
	require.NoError(t, err)
	require.NoError(t, idx.Save(fs, "graph.gob"))

	fresh, err := New(ctx, db, NewHashEmbedder(testDim),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, fresh.Load(fs, "graph.gob"))

	got, err := fresh.SimilarToNode(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got)
}
