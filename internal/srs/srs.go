// Package srs schedules cloze card reviews: an SM-2 style grading function,
// an explicit reset path, and due/statistics queries over a scope resolved
// through the node tree.
package srs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kittclouds/vaultkit/internal/apperr"
	"github.com/kittclouds/vaultkit/internal/events"
	"github.com/kittclouds/vaultkit/internal/store"
)

// Rating is the review outcome a card is graded with.
type Rating string

const (
	RatingAgain Rating = "again"
	RatingHard  Rating = "hard"
	RatingGood  Rating = "good"
	RatingEasy  Rating = "easy"
)

// ParseRating maps user input onto a Rating.
func ParseRating(s string) (Rating, error) {
	switch Rating(s) {
	case RatingAgain, RatingHard, RatingGood, RatingEasy:
		return Rating(s), nil
	}
	return "", fmt.Errorf("%w: unknown rating %q", apperr.ErrValidation, s)
}

const (
	// DefaultMaturityDays is the interval above which a card graduates to
	// the mature tier.
	DefaultMaturityDays = 21

	defaultEase = 2.5
	minEase     = 1.3
	easeStep    = 0.15
)

// Config tunes a Scheduler. Zero values fall back to defaults.
type Config struct {
	MaturityDays int
	Now          func() time.Time
}

// Scheduler grades cards, persists the result and serves due queries.
type Scheduler struct {
	db           *store.DB
	bus          events.Bus
	log          *slog.Logger
	maturityDays int
	now          func() time.Time
}

// New creates a scheduler. bus and log may be nil.
func New(db *store.DB, bus events.Bus, log *slog.Logger, cfg Config) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaturityDays <= 0 {
		cfg.MaturityDays = DefaultMaturityDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		db:           db,
		bus:          bus,
		log:          log,
		maturityDays: cfg.MaturityDays,
		now:          cfg.Now,
	}
}

// Apply computes the next scheduling state for card under rating. It is
// pure: the input card is not modified.
//
//   - again: repetitions reset, interval 1, tier learning; a lapse is
//     recorded when the card had already left the new tier.
//   - hard/good/easy: repetitions increment; ease shifts by ±0.15 (hard
//     down, easy up, floored at 1.3); the interval ladder is 1, 6, then
//     ceil(interval × ease); the tier is mature once the interval passes
//     maturityDays, review otherwise.
//
// The due date always lands on start-of-today plus the new interval.
func Apply(card store.ClozeCard, rating Rating, now time.Time, maturityDays int) (store.ClozeCard, error) {
	if maturityDays <= 0 {
		maturityDays = DefaultMaturityDays
	}

	next := card
	switch rating {
	case RatingAgain:
		if card.Tier != store.TierNew {
			next.Lapses++
		}
		next.Repetitions = 0
		next.IntervalDays = 1
		next.Tier = store.TierLearning

	case RatingHard, RatingGood, RatingEasy:
		next.Repetitions++
		switch rating {
		case RatingHard:
			next.EaseFactor = math.Max(minEase, next.EaseFactor-easeStep)
		case RatingEasy:
			next.EaseFactor += easeStep
		}

		switch {
		case next.Repetitions <= 1:
			next.IntervalDays = 1
		case next.Repetitions == 2:
			next.IntervalDays = 6
		default:
			next.IntervalDays = int(math.Ceil(float64(next.IntervalDays) * next.EaseFactor))
		}

		if next.IntervalDays > maturityDays {
			next.Tier = store.TierMature
		} else {
			next.Tier = store.TierReview
		}

	default:
		return card, fmt.Errorf("%w: unknown rating %q", apperr.ErrValidation, rating)
	}

	next.DueAt = startOfDay(now).AddDate(0, 0, next.IntervalDays).UnixMilli()
	next.UpdatedAt = now.UnixMilli()
	return next, nil
}

// Grade loads the card, applies rating and persists the new state. Emits
// srsCard.updated.
func (s *Scheduler) Grade(ctx context.Context, cardID string, rating Rating) (*store.ClozeCard, error) {
	var graded *store.ClozeCard

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		card, err := getCardTx(ctx, tx, cardID)
		if err != nil {
			return err
		}

		next, err := Apply(*card, rating, s.now(), s.maturityDays)
		if err != nil {
			return err
		}
		graded = &next
		return updateCardTx(ctx, tx, graded)
	})
	if err != nil {
		return nil, err
	}

	s.publish(graded)
	return graded, nil
}

// Reset returns the card to a blank new state, due immediately. Emits
// srsCard.updated.
func (s *Scheduler) Reset(ctx context.Context, cardID string) (*store.ClozeCard, error) {
	var reset *store.ClozeCard

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		card, err := getCardTx(ctx, tx, cardID)
		if err != nil {
			return err
		}

		now := s.now()
		card.Tier = store.TierNew
		card.IntervalDays = 0
		card.EaseFactor = defaultEase
		card.Repetitions = 0
		card.Lapses = 0
		card.DueAt = now.UnixMilli()
		card.UpdatedAt = now.UnixMilli()
		reset = card
		return updateCardTx(ctx, tx, card)
	})
	if err != nil {
		return nil, err
	}

	s.publish(reset)
	return reset, nil
}

// Card returns a single card by id.
func (s *Scheduler) Card(ctx context.Context, cardID string) (*store.ClozeCard, error) {
	c, err := store.ScanClozeCard(s.db.QueryRowContext(ctx,
		`SELECT `+store.ClozeCardColumns+` FROM cloze_cards WHERE id = ?`, cardID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: card %s", apperr.ErrNotFound, cardID)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func getCardTx(ctx context.Context, tx *sql.Tx, cardID string) (*store.ClozeCard, error) {
	c, err := store.ScanClozeCard(tx.QueryRowContext(ctx,
		`SELECT `+store.ClozeCardColumns+` FROM cloze_cards WHERE id = ?`, cardID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: card %s", apperr.ErrNotFound, cardID)
	}
	return c, err
}

func updateCardTx(ctx context.Context, tx *sql.Tx, c *store.ClozeCard) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE cloze_cards
		SET tier = ?, due_at = ?, interval_days = ?, ease_factor = ?,
		    repetitions = ?, lapses = ?, updated_at = ?
		WHERE id = ?
	`, c.Tier, c.DueAt, c.IntervalDays, c.EaseFactor, c.Repetitions, c.Lapses, c.UpdatedAt, c.ID)
	return err
}

func (s *Scheduler) publish(c *store.ClozeCard) {
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.CardUpdated,
			Data: events.CardUpdatedData{CardID: c.ID, NewState: c},
		})
	}
}

// startOfDay truncates t to midnight in its own location.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
