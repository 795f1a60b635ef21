// Package review builds periodic review reports: it selects the goals that
// started in a month, quarter or year, asks a Generator for the report and
// stores it under the bucket key, replacing any earlier report.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/storage"
)

var (
	// ErrNotConfigured means the AI settings lack a key, URL or model.
	ErrNotConfigured = errors.New("report generator is not configured")
	// ErrNoGoals means no goal started within the requested bucket.
	ErrNoGoals = errors.New("no goals in period")
)

// Generator produces report text for a set of goals.
type Generator interface {
	Generate(ctx context.Context, settings model.AISettings, prompt string, goals []model.Goal) (string, error)
}

type Service struct {
	store storage.Service
	gen   Generator
	loc   *time.Location
	now   func() time.Time
}

// NewService returns a review service. Buckets are computed in loc, which
// defaults to UTC.
func NewService(store storage.Service, gen Generator, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, gen: gen, loc: loc, now: time.Now}
}

// GoalsInBucket returns the goals whose start date falls inside b.
func GoalsInBucket(goals []model.Goal, b model.Bucket, loc *time.Location) []model.Goal {
	start, end := b.Range(loc)
	out := []model.Goal{}
	for _, g := range goals {
		if !g.StartDate.Before(start) && g.StartDate.Before(end) {
			out = append(out, g)
		}
	}
	return out
}

// Generate creates and stores the report for the bucket of period that
// contains at.
func (s *Service) Generate(ctx context.Context, period model.ReviewPeriod, at time.Time) (model.Review, error) {
	b := model.BucketFor(period, at.In(s.loc))
	if err := b.Validate(); err != nil {
		return model.Review{}, fmt.Errorf("%w: %w", storage.ErrInvalid, err)
	}

	settings, err := s.store.Settings(ctx)
	if err != nil {
		return model.Review{}, fmt.Errorf("load settings: %w", err)
	}
	if !settings.Configured() {
		return model.Review{}, ErrNotConfigured
	}

	goals, err := s.store.Goals(ctx)
	if err != nil {
		return model.Review{}, fmt.Errorf("load goals: %w", err)
	}
	snapshot := GoalsInBucket(goals, b, s.loc)
	if len(snapshot) == 0 {
		return model.Review{}, fmt.Errorf("%s: %w", b.Key(), ErrNoGoals)
	}

	content, err := s.gen.Generate(ctx, settings, Prompt(period), snapshot)
	if err != nil {
		return model.Review{}, fmt.Errorf("generate %s: %w", b.Key(), err)
	}

	r := model.NewReview(b, content, s.now(), snapshot)
	if err := s.store.SaveReview(ctx, r); err != nil {
		return model.Review{}, fmt.Errorf("save review: %w", err)
	}
	return r, nil
}

// Current returns the stored report for the bucket of period containing at,
// or nil.
func (s *Service) Current(ctx context.Context, period model.ReviewPeriod, at time.Time) (*model.Review, error) {
	b := model.BucketFor(period, at.In(s.loc))
	return s.store.Review(ctx, b.Period, b.Year, b.Month, b.Quarter)
}
