package tags

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/vaultkit/internal/apperr"
	"github.com/kittclouds/vaultkit/internal/events"
	"github.com/kittclouds/vaultkit/internal/nodes"
	"github.com/kittclouds/vaultkit/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordBus struct {
	events []events.Event
}

func (b *recordBus) Publish(e events.Event) { b.events = append(b.events, e) }

func (b *recordBus) actions() []string {
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Data.(events.TagsUpdatedData).Action
	}
	return out
}

func seedNode(t *testing.T, db *store.DB, path string) *store.Node {
	t.Helper()
	ns := nodes.New(db, nil, discard())
	n, err := ns.Create(context.Background(), "main", path, store.KindFile, nil)
	require.NoError(t, err)
	return n
}

func metaTagsOf(t *testing.T, db *store.DB, nodeID string) []string {
	t.Helper()
	n, err := nodes.New(db, nil, discard()).Get(context.Background(), nodeID)
	require.NoError(t, err)
	return MetaTags(n.Meta)
}

func TestCreate(t *testing.T) {
	db := newTestDB(t)
	bus := &recordBus{}
	idx := New(db, bus, discard())
	ctx := context.Background()

	require.NoError(t, idx.Create(ctx, "project"))
	require.NoError(t, idx.Create(ctx, "project"), "re-creating is a no-op")

	all, err := idx.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "project", all[0].Name)

	assert.Equal(t, []string{events.TagActionCreated}, bus.actions(), "the no-op emits nothing")

	err = idx.Create(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTagAndUntag(t *testing.T) {
	db := newTestDB(t)
	bus := &recordBus{}
	idx := New(db, bus, discard())
	ctx := context.Background()

	n := seedNode(t, db, "/note.md")

	require.NoError(t, idx.Tag(ctx, n.ID, "project"))
	require.NoError(t, idx.Tag(ctx, n.ID, "project"), "double tagging is a no-op")

	// The tag was auto-created and the association mirrored into meta.
	all, err := idx.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []string{"project"}, metaTagsOf(t, db, n.ID))

	names, err := idx.TagsByNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"project"}, names)

	require.NoError(t, idx.Untag(ctx, n.ID, "project"))
	require.NoError(t, idx.Untag(ctx, n.ID, "project"), "double untagging is a no-op")

	names, err = idx.TagsByNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Empty(t, metaTagsOf(t, db, n.ID))

	// The tag itself survives the last untag.
	all, err = idx.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	assert.Equal(t, []string{events.TagActionTagged, events.TagActionUntagged}, bus.actions())
}

func TestTag_UnknownNode(t *testing.T) {
	db := newTestDB(t)
	idx := New(db, nil, discard())

	err := idx.Tag(context.Background(), "missing", "project")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRename_Cascades(t *testing.T) {
	db := newTestDB(t)
	idx := New(db, nil, discard())
	ctx := context.Background()

	a := seedNode(t, db, "/a.md")
	b := seedNode(t, db, "/b.md")
	require.NoError(t, idx.Tag(ctx, a.ID, "draft"))
	require.NoError(t, idx.Tag(ctx, b.ID, "draft"))
	require.NoError(t, idx.Tag(ctx, b.ID, "keep"))

	require.NoError(t, idx.Rename(ctx, "draft", "wip"))

	names, err := idx.TagsByNode(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"wip"}, names)

	assert.Equal(t, []string{"wip"}, metaTagsOf(t, db, a.ID))
	assert.Equal(t, []string{"keep", "wip"}, metaTagsOf(t, db, b.ID))

	tagged, err := idx.NodesByTag(ctx, "wip")
	require.NoError(t, err)
	require.Len(t, tagged, 2)
	assert.Equal(t, "/a.md", tagged[0].Path)
	assert.Equal(t, "/b.md", tagged[1].Path)
}

func TestRename_Errors(t *testing.T) {
	db := newTestDB(t)
	idx := New(db, nil, discard())
	ctx := context.Background()

	require.NoError(t, idx.Create(ctx, "a"))
	require.NoError(t, idx.Create(ctx, "b"))

	assert.ErrorIs(t, idx.Rename(ctx, "missing", "c"), apperr.ErrNotFound)
	assert.ErrorIs(t, idx.Rename(ctx, "a", "b"), apperr.ErrConflict)
	assert.ErrorIs(t, idx.Rename(ctx, "a", ""), apperr.ErrValidation)
}

func TestDelete_Cascades(t *testing.T) {
	db := newTestDB(t)
	idx := New(db, nil, discard())
	ctx := context.Background()

	a := seedNode(t, db, "/a.md")
	require.NoError(t, idx.Tag(ctx, a.ID, "draft"))
	require.NoError(t, idx.Tag(ctx, a.ID, "keep"))

	require.NoError(t, idx.Delete(ctx, "draft"))
	require.NoError(t, idx.Delete(ctx, "draft"), "deleting a missing tag is a no-op")

	names, err := idx.TagsByNode(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, names)
	assert.Equal(t, []string{"keep"}, metaTagsOf(t, db, a.ID))

	all, err := idx.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "keep", all[0].Name)
}

func TestMetaTags(t *testing.T) {
	// Lists survive the JSON round trip as []any.
	assert.Equal(t, []string{"a", "b"}, MetaTags(map[string]any{"tags": []any{"a", "b"}}))
	assert.Equal(t, []string{"a"}, MetaTags(map[string]any{"tags": []string{"a"}}))
	assert.Nil(t, MetaTags(map[string]any{"tags": "nope"}))
	assert.Nil(t, MetaTags(map[string]any{}))
}
