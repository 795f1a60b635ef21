package storage

import (
	"context"
	"time"

	"github.com/dukerupert/goaltrack/internal/model"
)

// DefaultTimeout bounds a single storage call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

type timeoutService struct {
	next Service
	d    time.Duration
}

// WithTimeout bounds every call on svc to d. A call that outlives its
// deadline fails with ErrTimeout. A non-positive d returns svc unchanged.
func WithTimeout(svc Service, d time.Duration) Service {
	if d <= 0 {
		return svc
	}
	return &timeoutService{next: svc, d: d}
}

// Unwrap returns the wrapped service.
func (s *timeoutService) Unwrap() Service { return s.next }

func (s *timeoutService) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.d)
}

func (s *timeoutService) Goals(ctx context.Context) ([]model.Goal, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	goals, err := s.next.Goals(ctx)
	return goals, deadline(err)
}

func (s *timeoutService) SaveGoal(ctx context.Context, g model.Goal) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return deadline(s.next.SaveGoal(ctx, g))
}

func (s *timeoutService) UpdateGoal(ctx context.Context, g model.Goal) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return deadline(s.next.UpdateGoal(ctx, g))
}

func (s *timeoutService) DeleteGoal(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return deadline(s.next.DeleteGoal(ctx, id))
}

func (s *timeoutService) SaveGoals(ctx context.Context, goals []model.Goal) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return deadline(s.next.SaveGoals(ctx, goals))
}

func (s *timeoutService) Export(ctx context.Context) ([]byte, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	data, err := s.next.Export(ctx)
	return data, deadline(err)
}

func (s *timeoutService) Import(ctx context.Context, payload []byte) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return deadline(s.next.Import(ctx, payload))
}

func (s *timeoutService) ClearAll(ctx context.Context) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return deadline(s.next.ClearAll(ctx))
}

func (s *timeoutService) Settings(ctx context.Context) (model.AISettings, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	settings, err := s.next.Settings(ctx)
	return settings, deadline(err)
}

func (s *timeoutService) SaveSettings(ctx context.Context, settings model.AISettings) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return deadline(s.next.SaveSettings(ctx, settings))
}

func (s *timeoutService) Review(ctx context.Context, period model.ReviewPeriod, year, month, quarter int) (*model.Review, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	r, err := s.next.Review(ctx, period, year, month, quarter)
	return r, deadline(err)
}

func (s *timeoutService) SaveReview(ctx context.Context, r model.Review) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return deadline(s.next.SaveReview(ctx, r))
}

func (s *timeoutService) Reviews(ctx context.Context) ([]model.Review, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	reviews, err := s.next.Reviews(ctx)
	return reviews, deadline(err)
}

func (s *timeoutService) Close() error {
	return s.next.Close()
}
