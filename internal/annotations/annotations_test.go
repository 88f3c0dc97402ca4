package annotations

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/vaultkit/internal/store"
	"github.com/kittclouds/vaultkit/pkg/markers"
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

func TestMintID(t *testing.T) {
	id := MintID("c")
	assert.True(t, markers.ValidID(id, "c"), "minted id %q should be well-formed", id)
	assert.NotEqual(t, id, MintID("c"), "ids should be unique")
}

func TestClozeReconcile_MintsAndPersists(t *testing.T) {
	db := newTestDB(t)
	e := NewClozeReconciler(db, discard())
	ctx := context.Background()

	text, cards, err := e.Reconcile(ctx, "main:n1", "Q: {{Paris}} is the capital of France.")
	require.NoError(t, err)
	require.Len(t, cards, 1)

	c := cards[0]
	assert.Equal(t, "main:n1", c.HostID)
	assert.Equal(t, "Paris", c.Payload)
	assert.Equal(t, store.TierNew, c.Tier)
	assert.Equal(t, 2.5, c.EaseFactor)
	assert.Equal(t, 0, c.IntervalDays)

	// The minted id is embedded back into the text.
	assert.Contains(t, text, "{{Paris ^"+c.ID+"}}")

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cloze_cards WHERE host_id = ?`, "main:n1").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestClozeReconcile_Idempotent(t *testing.T) {
	db := newTestDB(t)
	e := NewClozeReconciler(db, discard())
	ctx := context.Background()

	first, cards1, err := e.Reconcile(ctx, "main:n1", "{{alpha}} and {{beta}}\n- notes")
	require.NoError(t, err)
	require.Len(t, cards1, 2)

	second, cards2, err := e.Reconcile(ctx, "main:n1", first)
	require.NoError(t, err)

	assert.Equal(t, first, second, "second pass must be byte-identical")
	require.Len(t, cards2, 2)
	for i := range cards1 {
		assert.Equal(t, *cards1[i], *cards2[i], "record %d must be unchanged, timestamps included", i)
	}
}

func TestClozeReconcile_IDStableAcrossPayloadEdits(t *testing.T) {
	db := newTestDB(t)
	e := NewClozeReconciler(db, discard())
	ctx := context.Background()

	text, cards, err := e.Reconcile(ctx, "main:n1", "{{old payload}}")
	require.NoError(t, err)
	id := cards[0].ID

	edited := strings.Replace(text, "old payload", "new payload", 1)
	_, cards, err = e.Reconcile(ctx, "main:n1", edited)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, id, cards[0].ID, "id survives a payload edit")
	assert.Equal(t, "new payload", cards[0].Payload)
}

func TestClozeReconcile_PreservesSchedulingState(t *testing.T) {
	db := newTestDB(t)
	e := NewClozeReconciler(db, discard())
	ctx := context.Background()

	text, cards, err := e.Reconcile(ctx, "main:n1", "{{fact}}")
	require.NoError(t, err)
	id := cards[0].ID

	// Simulate grading: the scheduler moved the card along.
	_, err = db.ExecContext(ctx, `
		UPDATE cloze_cards
		SET tier = ?, due_at = ?, interval_days = ?, ease_factor = ?, repetitions = ?, lapses = ?
		WHERE id = ?
	`, store.TierReview, int64(99999), 6, 2.65, 2, 1, id)
	require.NoError(t, err)

	edited := strings.Replace(text, "fact", "fact, refined", 1)
	_, cards, err = e.Reconcile(ctx, "main:n1", edited)
	require.NoError(t, err)
	require.Len(t, cards, 1)

	c := cards[0]
	assert.Equal(t, "fact, refined", c.Payload)
	assert.Equal(t, store.TierReview, c.Tier)
	assert.Equal(t, int64(99999), c.DueAt)
	assert.Equal(t, 6, c.IntervalDays)
	assert.Equal(t, 2.65, c.EaseFactor)
	assert.Equal(t, 2, c.Repetitions)
	assert.Equal(t, 1, c.Lapses)
}

func TestClozeReconcile_DeletesStale(t *testing.T) {
	db := newTestDB(t)
	e := NewClozeReconciler(db, discard())
	ctx := context.Background()

	text, cards, err := e.Reconcile(ctx, "main:n1", "{{keep}} {{drop}}")
	require.NoError(t, err)
	require.Len(t, cards, 2)
	keepID, dropID := cards[0].ID, cards[1].ID

	// Remove the second marker entirely.
	edited := strings.Replace(text, " {{drop ^"+dropID+"}}", "", 1)
	_, cards, err = e.Reconcile(ctx, "main:n1", edited)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, keepID, cards[0].ID)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cloze_cards`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestClozeReconcile_EmptyTextClearsHost(t *testing.T) {
	db := newTestDB(t)
	e := NewClozeReconciler(db, discard())
	ctx := context.Background()

	_, _, err := e.Reconcile(ctx, "main:n1", "{{a}} {{b}}")
	require.NoError(t, err)

	out, cards, err := e.Reconcile(ctx, "main:n1", "plain text now")
	require.NoError(t, err)
	assert.Equal(t, "plain text now", out)
	assert.Empty(t, cards)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cloze_cards WHERE host_id = ?`, "main:n1").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestClozeReconcile_DuplicatePastedIDIsReminted(t *testing.T) {
	db := newTestDB(t)
	e := NewClozeReconciler(db, discard())
	ctx := context.Background()

	text, cards, err := e.Reconcile(ctx, "main:n1", "{{one}}")
	require.NoError(t, err)
	id := cards[0].ID

	// Paste the whole marker again, id token included.
	marker := "{{one ^" + id + "}}"
	require.Contains(t, text, marker)
	pasted := text + "\n" + marker

	_, cards, err = e.Reconcile(ctx, "main:n1", pasted)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, id, cards[0].ID, "first occurrence keeps the id")
	assert.NotEqual(t, id, cards[1].ID, "duplicate gets a fresh id")
}

func TestClozeReconcile_ForeignIDIsReminted(t *testing.T) {
	db := newTestDB(t)
	e := NewClozeReconciler(db, discard())
	ctx := context.Background()

	_, cards, err := e.Reconcile(ctx, "main:a", "{{shared}}")
	require.NoError(t, err)
	foreign := cards[0].ID

	// The same marker text, id included, pasted into another document.
	_, cards, err = e.Reconcile(ctx, "main:b", "{{shared ^"+foreign+"}}")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.NotEqual(t, foreign, cards[0].ID, "id owned by another host must not be stolen")
	assert.Equal(t, "main:b", cards[0].HostID)

	// The original owner's card is untouched.
	var host string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT host_id FROM cloze_cards WHERE id = ?`, foreign).Scan(&host))
	assert.Equal(t, "main:a", host)
}

func TestClozeReconcile_SecondPassWritesNothing(t *testing.T) {
	db := newTestDB(t)
	e := NewClozeReconciler(db, discard())
	ctx := context.Background()

	canonical, _, err := e.Reconcile(ctx, "main:n1", "{{stable}}")
	require.NoError(t, err)

	// Freeze the clock ahead: if the second pass rewrote the row, updated_at
	// would move.
	e.now = func() int64 { return 1 << 50 }

	_, cards, err := e.Reconcile(ctx, "main:n1", canonical)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Less(t, cards[0].UpdatedAt, int64(1<<50), "unchanged record must not be rewritten")
}

func TestTaskReconcile_LineOriented(t *testing.T) {
	db := newTestDB(t)
	e := NewTaskReconciler(db, discard())
	ctx := context.Background()

	text := "# Plan\n- [ ] write tests\n  - [x] review spec\nnot a task"
	out, tasks, err := e.Reconcile(ctx, "main:n1", text)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "write tests", tasks[0].Text)
	assert.False(t, tasks[0].Done)
	assert.Equal(t, "", tasks[0].Indent)

	assert.Equal(t, "review spec", tasks[1].Text)
	assert.True(t, tasks[1].Done)
	assert.Equal(t, "  ", tasks[1].Indent)

	// Ids are appended at end of line; untouched lines survive.
	assert.Contains(t, out, "- [ ] write tests ^"+tasks[0].ID)
	assert.Contains(t, out, "  - [x] review spec ^"+tasks[1].ID)
	assert.Contains(t, out, "# Plan\n")
	assert.Contains(t, out, "\nnot a task")

	// Second pass is a fixed point.
	again, tasks2, err := e.Reconcile(ctx, "main:n1", out)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	require.Len(t, tasks2, 2)
	assert.Equal(t, *tasks[0], *tasks2[0])
	assert.Equal(t, *tasks[1], *tasks2[1])
}

func TestTaskReconcile_GlyphWins(t *testing.T) {
	db := newTestDB(t)
	e := NewTaskReconciler(db, discard())
	ctx := context.Background()

	out, tasks, err := e.Reconcile(ctx, "main:n1", "- [ ] ship it")
	require.NoError(t, err)
	created := tasks[0].CreatedAt

	// The user checks the box in the text.
	checked := strings.Replace(out, "- [ ]", "- [x]", 1)
	_, tasks, err = e.Reconcile(ctx, "main:n1", checked)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].Done, "checkbox glyph in text wins")
	assert.Equal(t, created, tasks[0].CreatedAt, "createdAt survives")

	// And unchecks it again.
	unchecked := strings.Replace(checked, "- [x]", "- [ ]", 1)
	_, tasks, err = e.Reconcile(ctx, "main:n1", unchecked)
	require.NoError(t, err)
	assert.False(t, tasks[0].Done)
}

func TestAgentReconcile_FencedBlocks(t *testing.T) {
	db := newTestDB(t)
	e := NewAgentReconciler(db, discard())
	ctx := context.Background()

	text := "intro\n:::agent summarize\nfirst\nsecond\n:::\noutro"
	out, blocks, err := e.Reconcile(ctx, "main:n1", text)
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	b := blocks[0]
	assert.Equal(t, "summarize", b.Directive)
	assert.Equal(t, "first\nsecond", b.Body)
	assert.Contains(t, out, ":::agent summarize ^"+b.ID+"\nfirst\nsecond\n:::")

	again, blocks2, err := e.Reconcile(ctx, "main:n1", out)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	require.Len(t, blocks2, 1)
	assert.Equal(t, *blocks[0], *blocks2[0])
}

func TestAgentReconcile_BodyEditKeepsID(t *testing.T) {
	db := newTestDB(t)
	e := NewAgentReconciler(db, discard())
	ctx := context.Background()

	out, blocks, err := e.Reconcile(ctx, "main:n1", ":::agent todo\nold body\n:::")
	require.NoError(t, err)
	id := blocks[0].ID

	edited := strings.Replace(out, "old body", "new body", 1)
	_, blocks, err = e.Reconcile(ctx, "main:n1", edited)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, id, blocks[0].ID)
	assert.Equal(t, "new body", blocks[0].Body)
}

func TestReconcile_DocumentOrder(t *testing.T) {
	db := newTestDB(t)
	e := NewClozeReconciler(db, discard())
	ctx := context.Background()

	_, cards, err := e.Reconcile(ctx, "main:n1", "{{first}} then {{second}} then {{third}}")
	require.NoError(t, err)
	require.Len(t, cards, 3)
	assert.Equal(t, "first", cards[0].Payload)
	assert.Equal(t, "second", cards[1].Payload)
	assert.Equal(t, "third", cards[2].Payload)
}
