// Package storage defines the persistence contract shared by every goal
// backend, together with the export format and the helpers backends use to
// keep their behavior identical.
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dukerupert/goaltrack/internal/model"
)

// Service is implemented by every backend. The acting user, if any, travels
// in the context (see auth.WithUser); backends that partition data by user
// derive their scope from it.
//
// Mutations are visible to the next read on the same instance. A failed
// call leaves no partial state behind.
type Service interface {
	// Goals returns every goal in scope.
	Goals(ctx context.Context) ([]model.Goal, error)
	// SaveGoal inserts a goal. An existing id yields ErrDuplicateKey.
	SaveGoal(ctx context.Context, goal model.Goal) error
	// UpdateGoal replaces a goal by id. An unknown id yields ErrNotFound.
	UpdateGoal(ctx context.Context, goal model.Goal) error
	// DeleteGoal removes a goal. Deleting an unknown id is not an error.
	DeleteGoal(ctx context.Context, id string) error
	// SaveGoals atomically replaces every goal in scope.
	SaveGoals(ctx context.Context, goals []model.Goal) error

	// Export serializes the goals in scope as a versioned envelope.
	Export(ctx context.Context) ([]byte, error)
	// Import replaces the goals in scope with the payload's goals. Any
	// decoding or validation failure leaves prior state untouched.
	Import(ctx context.Context, payload []byte) error
	// ClearAll removes goals, settings and reviews in scope.
	ClearAll(ctx context.Context) error

	// Settings returns the stored settings, persisting and returning the
	// defaults when none exist.
	Settings(ctx context.Context) (model.AISettings, error)
	SaveSettings(ctx context.Context, settings model.AISettings) error

	// Review returns the review for a bucket, or nil when there is none.
	Review(ctx context.Context, period model.ReviewPeriod, year, month, quarter int) (*model.Review, error)
	// SaveReview upserts a review by its bucket key.
	SaveReview(ctx context.Context, review model.Review) error
	// Reviews lists stored reviews, newest bucket first.
	Reviews(ctx context.Context) ([]model.Review, error)

	Close() error
}

// PrepareGoal normalizes and validates a goal before it is written.
func PrepareGoal(g model.Goal) (model.Goal, error) {
	g.Normalize()
	if err := g.Validate(); err != nil {
		return model.Goal{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return g, nil
}

// PrepareGoals normalizes and validates a batch, keeping the last occurrence
// of a repeated id so replaying the same batch never duplicates.
func PrepareGoals(goals []model.Goal) ([]model.Goal, error) {
	index := make(map[string]int, len(goals))
	out := make([]model.Goal, 0, len(goals))
	for _, g := range goals {
		g, err := PrepareGoal(g)
		if err != nil {
			return nil, err
		}
		if i, ok := index[g.ID]; ok {
			out[i] = g
			continue
		}
		index[g.ID] = len(out)
		out = append(out, g)
	}
	return out, nil
}

// PrepareReview validates a review and recomputes its bucket-derived id.
func PrepareReview(r model.Review) (model.Review, error) {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return model.Review{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return r, nil
}

// PrepareSettings validates settings before they are written.
func PrepareSettings(s model.AISettings) (model.AISettings, error) {
	if err := s.Validate(); err != nil {
		return model.AISettings{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return s, nil
}

// SortGoals orders goals by start date, then id.
func SortGoals(goals []model.Goal) {
	sort.SliceStable(goals, func(i, j int) bool {
		if !goals[i].StartDate.Equal(goals[j].StartDate) {
			return goals[i].StartDate.Before(goals[j].StartDate)
		}
		return goals[i].ID < goals[j].ID
	})
}

// SortReviews orders reviews newest bucket first, then by period.
func SortReviews(reviews []model.Review) {
	sort.SliceStable(reviews, func(i, j int) bool {
		si, _ := reviews[i].Bucket().Range(time.UTC)
		sj, _ := reviews[j].Bucket().Range(time.UTC)
		if !si.Equal(sj) {
			return si.After(sj)
		}
		return reviews[i].ID < reviews[j].ID
	})
}
