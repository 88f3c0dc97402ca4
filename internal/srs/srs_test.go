package srs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

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

// seedCard inserts a card row directly so tests control every field.
func seedCard(t *testing.T, db *store.DB, c store.ClozeCard) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO cloze_cards (`+store.ClozeCardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.HostID, c.Payload, c.Tier, c.DueAt, c.IntervalDays,
		c.EaseFactor, c.Repetitions, c.Lapses, c.CreatedAt, c.UpdatedAt)
	require.NoError(t, err)
}

func newCard(id, hostID string) store.ClozeCard {
	return store.ClozeCard{
		ID:         id,
		HostID:     hostID,
		Payload:    "payload",
		Tier:       store.TierNew,
		EaseFactor: defaultEase,
	}
}

func TestParseRating(t *testing.T) {
	for _, s := range []string{"again", "hard", "good", "easy"} {
		r, err := ParseRating(s)
		require.NoError(t, err)
		assert.Equal(t, Rating(s), r)
	}

	_, err := ParseRating("meh")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestApply_GoodLadder(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	card := newCard("c-1", "main:h")

	steps := []struct {
		interval int
		tier     string
	}{
		{1, store.TierReview},
		{6, store.TierReview},
		{15, store.TierReview}, // ceil(6 × 2.5)
		{38, store.TierMature}, // ceil(15 × 2.5), past 21 days
	}

	for i, want := range steps {
		next, err := Apply(card, RatingGood, now, DefaultMaturityDays)
		require.NoError(t, err)
		assert.Equal(t, i+1, next.Repetitions, "step %d", i)
		assert.Equal(t, want.interval, next.IntervalDays, "step %d", i)
		assert.Equal(t, want.tier, next.Tier, "step %d", i)
		assert.Equal(t, 2.5, next.EaseFactor, "good leaves ease alone")
		card = next
	}
}

func TestApply_AgainResetsAndCountsLapses(t *testing.T) {
	now := time.Now()

	// A new card failed on first sight is not a lapse.
	next, err := Apply(newCard("c-1", "main:h"), RatingAgain, now, DefaultMaturityDays)
	require.NoError(t, err)
	assert.Equal(t, store.TierLearning, next.Tier)
	assert.Equal(t, 1, next.IntervalDays)
	assert.Equal(t, 0, next.Repetitions)
	assert.Equal(t, 0, next.Lapses)

	// A reviewed card failed is.
	reviewed := newCard("c-2", "main:h")
	reviewed.Tier = store.TierReview
	reviewed.Repetitions = 3
	reviewed.IntervalDays = 15

	next, err = Apply(reviewed, RatingAgain, now, DefaultMaturityDays)
	require.NoError(t, err)
	assert.Equal(t, store.TierLearning, next.Tier)
	assert.Equal(t, 1, next.IntervalDays)
	assert.Equal(t, 0, next.Repetitions)
	assert.Equal(t, 1, next.Lapses)
}

func TestApply_EaseShifts(t *testing.T) {
	now := time.Now()

	next, err := Apply(newCard("c-1", "main:h"), RatingHard, now, DefaultMaturityDays)
	require.NoError(t, err)
	assert.InDelta(t, 2.35, next.EaseFactor, 1e-9)

	next, err = Apply(newCard("c-2", "main:h"), RatingEasy, now, DefaultMaturityDays)
	require.NoError(t, err)
	assert.InDelta(t, 2.65, next.EaseFactor, 1e-9)

	// Hard never pushes ease below the floor.
	floored := newCard("c-3", "main:h")
	floored.EaseFactor = 1.35
	next, err = Apply(floored, RatingHard, now, DefaultMaturityDays)
	require.NoError(t, err)
	assert.InDelta(t, minEase, next.EaseFactor, 1e-9)
}

func TestApply_DueDateFromStartOfDay(t *testing.T) {
	// Grading late in the evening still lands the card on tomorrow's
	// midnight, not 24h from now.
	now := time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)

	next, err := Apply(newCard("c-1", "main:h"), RatingGood, now, DefaultMaturityDays)
	require.NoError(t, err)

	want := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, next.DueAt)
}

func TestApply_UnknownRating(t *testing.T) {
	_, err := Apply(newCard("c-1", "main:h"), Rating("meh"), time.Now(), DefaultMaturityDays)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGrade_PersistsAndEmits(t *testing.T) {
	db := newTestDB(t)
	bus := &recordBus{}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := New(db, bus, discard(), Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	seedCard(t, db, newCard("c-1", "main:h"))

	graded, err := s.Grade(ctx, "c-1", RatingGood)
	require.NoError(t, err)
	assert.Equal(t, store.TierReview, graded.Tier)
	assert.Equal(t, 1, graded.IntervalDays)

	// The persisted row matches what Grade returned.
	loaded, err := s.Card(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, graded, loaded)

	require.Len(t, bus.events, 1)
	assert.Equal(t, events.CardUpdated, bus.events[0].Type)
	data := bus.events[0].Data.(events.CardUpdatedData)
	assert.Equal(t, "c-1", data.CardID)
	assert.Equal(t, graded, data.NewState)
}

func TestGrade_UnknownCard(t *testing.T) {
	db := newTestDB(t)
	s := New(db, nil, discard(), Config{})

	_, err := s.Grade(context.Background(), "missing", RatingGood)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReset(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := New(db, nil, discard(), Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	mature := newCard("c-1", "main:h")
	mature.Tier = store.TierMature
	mature.IntervalDays = 40
	mature.EaseFactor = 1.9
	mature.Repetitions = 7
	mature.Lapses = 2
	seedCard(t, db, mature)

	reset, err := s.Reset(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.TierNew, reset.Tier)
	assert.Equal(t, 0, reset.IntervalDays)
	assert.Equal(t, defaultEase, reset.EaseFactor)
	assert.Equal(t, 0, reset.Repetitions)
	assert.Equal(t, 0, reset.Lapses)
	assert.Equal(t, now.UnixMilli(), reset.DueAt, "reset cards are due immediately")
}

// seedTree builds main:/inbox/a, main:/b and other:/c, returning the three
// file ids plus the inbox directory id.
func seedTree(t *testing.T, db *store.DB) (a, b, c, inbox string) {
	t.Helper()
	ns := nodes.New(db, nil, discard())
	ctx := context.Background()

	dir, err := ns.Create(ctx, "main", "/inbox", store.KindDirectory, nil)
	require.NoError(t, err)
	na, err := ns.Create(ctx, "main", "/inbox/a", store.KindFile, nil)
	require.NoError(t, err)
	nb, err := ns.Create(ctx, "main", "/b", store.KindFile, nil)
	require.NoError(t, err)
	nc, err := ns.Create(ctx, "other", "/c", store.KindFile, nil)
	require.NoError(t, err)

	return na.ID, nb.ID, nc.ID, dir.ID
}

func TestDueCards(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := New(db, nil, discard(), Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	a, b, c, inbox := seedTree(t, db)

	due := now.UnixMilli()
	future := now.Add(48 * time.Hour).UnixMilli()

	cards := []store.ClozeCard{
		{ID: "n-a", HostID: a, Tier: store.TierNew, DueAt: due - 30},
		{ID: "l-a", HostID: a, Tier: store.TierLearning, DueAt: due - 20},
		{ID: "n-b", HostID: b, Tier: store.TierNew, DueAt: due - 10},
		{ID: "m-b", HostID: b, Tier: store.TierMature, DueAt: due},
		{ID: "r-b", HostID: b, Tier: store.TierReview, DueAt: future},
		{ID: "n-c", HostID: c, Tier: store.TierNew, DueAt: due - 40},
	}
	for _, card := range cards {
		card.Payload = "p"
		card.EaseFactor = defaultEase
		seedCard(t, db, card)
	}

	ids := func(cs []*store.ClozeCard) []string {
		out := make([]string, len(cs))
		for i, c := range cs {
			out[i] = c.ID
		}
		return out
	}

	t.Run("namespace scope", func(t *testing.T) {
		got, err := s.DueCards(ctx, Scope{Namespace: "main"}, Limits{})
		require.NoError(t, err)
		assert.Equal(t, []string{"n-a", "n-b"}, ids(got.New), "ordered by due date")
		assert.Equal(t, []string{"l-a", "m-b"}, ids(got.Review), "future card excluded")
	})

	t.Run("subtree scope", func(t *testing.T) {
		got, err := s.DueCards(ctx, Scope{RootID: inbox}, Limits{})
		require.NoError(t, err)
		assert.Equal(t, []string{"n-a"}, ids(got.New))
		assert.Equal(t, []string{"l-a"}, ids(got.Review))
	})

	t.Run("explicit hosts", func(t *testing.T) {
		got, err := s.DueCards(ctx, Scope{HostIDs: []string{b}}, Limits{})
		require.NoError(t, err)
		assert.Equal(t, []string{"n-b"}, ids(got.New))
		assert.Equal(t, []string{"m-b"}, ids(got.Review))
	})

	t.Run("limits cap each group", func(t *testing.T) {
		got, err := s.DueCards(ctx, Scope{Namespace: "main"}, Limits{New: 1, Review: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"n-a"}, ids(got.New))
		assert.Equal(t, []string{"l-a"}, ids(got.Review))
	})

	t.Run("empty scope", func(t *testing.T) {
		_, err := s.DueCards(ctx, Scope{}, Limits{})
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("unknown root", func(t *testing.T) {
		_, err := s.DueCards(ctx, Scope{RootID: "missing"}, Limits{})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestStatistics(t *testing.T) {
	db := newTestDB(t)
	s := New(db, nil, discard(), Config{})
	ctx := context.Background()

	a, b, c, inbox := seedTree(t, db)

	for _, card := range []store.ClozeCard{
		{ID: "1", HostID: a, Tier: store.TierNew},
		{ID: "2", HostID: a, Tier: store.TierLearning},
		{ID: "3", HostID: b, Tier: store.TierReview},
		{ID: "4", HostID: b, Tier: store.TierMature},
		{ID: "5", HostID: b, Tier: store.TierMature},
		{ID: "6", HostID: c, Tier: store.TierNew},
	} {
		card.Payload = "p"
		card.EaseFactor = defaultEase
		seedCard(t, db, card)
	}

	stats, err := s.Statistics(ctx, Scope{Namespace: "main"})
	require.NoError(t, err)
	assert.Equal(t, &Statistics{New: 1, Learning: 1, Review: 1, Mature: 2, Total: 5}, stats)

	stats, err = s.Statistics(ctx, Scope{RootID: inbox})
	require.NoError(t, err)
	assert.Equal(t, &Statistics{New: 1, Learning: 1, Total: 2}, stats)
}
